package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// All returns the invariant checks. supply is the amount of medium minted
// during seeding; token balances must always add up to it.
func All(medium, supply string) []Oracle {
	return []Oracle{
		{
			Name: "O1_payment_history_matches_count",
			SQL: `SELECT key, value->>'payment_count' FROM ledger_entries
                  WHERE key LIKE 'agreement/%'
                    AND (value->>'payment_count')::int <> (
                        SELECT COUNT(*) FROM jsonb_object_keys(
                            COALESCE(NULLIF(value->'payment_history', 'null'::jsonb), '{}'::jsonb)))`,
		},
		{
			Name: "O2_total_paid_matches_cycles",
			SQL: `SELECT key, value->>'total_rent_paid' FROM ledger_entries
                  WHERE key LIKE 'agreement/%'
                    AND (value->>'total_rent_paid')::numeric
                        <> (value->>'payment_count')::numeric * (value->>'monthly_rent')::numeric`,
		},
		{
			Name: "O3_split_sums_to_rent",
			SQL: `SELECT a.key, p.key AS cycle FROM ledger_entries a,
                       jsonb_each(COALESCE(NULLIF(a.value->'payment_history', 'null'::jsonb), '{}'::jsonb)) p
                  WHERE a.key LIKE 'agreement/%'
                    AND ((p.value->>'landlord_amount')::numeric + (p.value->>'platform_amount')::numeric
                         <> (a.value->>'monthly_rent')::numeric
                      OR (p.value->>'landlord_amount')::numeric
                         <> floor((a.value->>'monthly_rent')::numeric * 90 / 100))`,
		},
		{
			Name: "O4_tally_matches_voters",
			SQL: `SELECT key FROM ledger_entries
                  WHERE key LIKE 'dispute/%'
                    AND (value->>'votes_favor_landlord')::int + (value->>'votes_favor_tenant')::int
                        <> jsonb_array_length(COALESCE(NULLIF(value->'voters', 'null'::jsonb), '[]'::jsonb))`,
		},
		{
			Name: "O5_no_double_vote",
			SQL: `SELECT key, voter, COUNT(*) FROM (
                      SELECT key, jsonb_array_elements_text(value->'voters') AS voter
                      FROM ledger_entries
                      WHERE key LIKE 'dispute/%' AND jsonb_typeof(value->'voters') = 'array') v
                  GROUP BY key, voter HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_vote_records_match_tally",
			SQL: `SELECT d.key FROM ledger_entries d
                  WHERE d.key LIKE 'dispute/%'
                    AND (SELECT COUNT(*) FROM ledger_entries v
                         WHERE v.key LIKE 'vote/' || substr(d.key, 9) || '/' || (d.value->>'round') || '/%')
                        <> (d.value->>'votes_favor_landlord')::int + (d.value->>'votes_favor_tenant')::int`,
		},
		{
			Name: "O7_open_dispute_iff_disputed",
			SQL: `SELECT d.key, a.value->>'status' FROM ledger_entries d
                  JOIN ledger_entries a ON a.key = 'agreement/' || substr(d.key, 9)
                  WHERE d.key LIKE 'dispute/%'
                    AND (d.value->>'resolved')::boolean = (a.value->>'status' = 'disputed')`,
		},
		{
			Name: "O8_token_supply_conserved",
			SQL: `SELECT total FROM (
                      SELECT COALESCE(SUM((value::text)::numeric), 0) AS total
                      FROM ledger_entries WHERE key LIKE 'balance/' || $1 || '/%') b
                  WHERE total <> $2::numeric`,
			Args: []any{medium, supply},
		},
		{
			// outbox rows commit with their payment: never lost, never doubled
			Name: "O9_outbox_payments_match_ledger",
			SQL: `SELECT emitted, committed FROM (
                      SELECT (SELECT COUNT(*) FROM outbox WHERE topic = 'payment.made') AS emitted,
                             (SELECT COALESCE(SUM((value->>'payment_count')::int), 0)
                              FROM ledger_entries WHERE key LIKE 'agreement/%') AS committed) c
                  WHERE emitted <> committed`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, medium, supply string) (string, string, error) {
	for _, o := range All(medium, supply) {
		rows, err := pool.Query(ctx, o.SQL, o.Args...)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
