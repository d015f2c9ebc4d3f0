package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rentflow/auth"
)

// Repository provides access to agent profiles and their ratings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const profileColumns = `address, profile_hash, verified, registered_at, verified_at,
		total_ratings, total_score, completed_agreements`

func scanProfile(row pgx.Row) (AgentProfile, error) {
	var (
		p    AgentProfile
		addr string
	)
	err := row.Scan(&addr, &p.ProfileHash, &p.Verified, &p.RegisteredAt, &p.VerifiedAt,
		&p.TotalRatings, &p.TotalScore, &p.CompletedAgreements)
	if err != nil {
		return AgentProfile{}, err
	}
	p.Address = auth.Address(addr)
	return p, nil
}

// GetByAddress fetches an agent profile by its address.
func (r *Repository) GetByAddress(ctx context.Context, addr auth.Address) (AgentProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM agent_profiles WHERE address = $1`

	p, err := scanProfile(r.pool.QueryRow(ctx, query, string(addr)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AgentProfile{}, ErrAgentNotFound
		}
		return AgentProfile{}, fmt.Errorf("registry: query by address: %w", err)
	}
	return p, nil
}

// List fetches up to limit agent profiles ordered by address.
func (r *Repository) List(ctx context.Context, limit int) ([]AgentProfile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT ` + profileColumns + ` FROM agent_profiles ORDER BY address ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]AgentProfile, 0, limit)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate profiles: %w", err)
	}

	return profiles, nil
}

// AddRating records the rating and folds the score into the agent's totals
// in one transaction. A second rating from the same rater fails with
// ErrAlreadyRated.
func (r *Repository) AddRating(ctx context.Context, rating Rating) (AgentProfile, error) {
	var out AgentProfile
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const insertSQL = `
			INSERT INTO agent_ratings (agent, rater, agreement_id, score)
			VALUES ($1, $2, $3, $4)
		`
		if _, err := tx.Exec(ctx, insertSQL, string(rating.Agent), string(rating.Rater), rating.AgreementID, rating.Score); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrAlreadyRated
			}
			return fmt.Errorf("registry: insert rating: %w", err)
		}

		updateSQL := `
			UPDATE agent_profiles
			SET total_ratings = total_ratings + 1, total_score = total_score + $2
			WHERE address = $1
			RETURNING ` + profileColumns
		p, err := scanProfile(tx.QueryRow(ctx, updateSQL, string(rating.Agent), rating.Score))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAgentNotFound
			}
			return fmt.Errorf("registry: update totals: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return AgentProfile{}, err
	}
	return out, nil
}
