package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rentflow/admin"
	"rentflow/agreement"
	"rentflow/auth"
	"rentflow/config"
	"rentflow/db"
	"rentflow/dispute"
	"rentflow/escrow"
	"rentflow/events"
	"rentflow/ledger"
	"rentflow/logging"
	"rentflow/metrics"
	"rentflow/migrations"
	"rentflow/registry"
	"rentflow/token"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "rentflow",
		Short:         "Rental agreement, escrow and arbitration API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(configPath)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := migrations.Apply(cmd.Context(), pool)
			if err != nil {
				return err
			}
			log.WithField("files", applied).Info("migrations applied")
			return nil
		},
	})
	return root
}

func bootstrap(configPath string) (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.Setup(logging.Options{
		Service: "rentflow-api",
		Env:     cfg.Env,
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,

		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// deps collects what buildServer needs beyond configuration.
type deps struct {
	store    ledger.Store
	accounts auth.Repository
	agents   registry.ProfileStore
	outbox   events.Execer
	ping     func(context.Context) error
}

func openDeps(ctx context.Context, cfg *config.Config) (deps, func(), error) {
	if !cfg.NeedsDatabase() {
		return deps{store: ledger.NewMemStore(), accounts: auth.NewMemoryRepository()}, func() {}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return deps{}, nil, err
	}
	d := deps{
		accounts: auth.NewRepository(pool),
		agents:   registry.NewRepository(pool),
		outbox:   pool,
		ping:     pool.Ping,
	}
	if cfg.Ledger.Backend == config.BackendPostgres {
		d.store = ledger.NewPGStore(pool)
	} else {
		d.store = ledger.NewMemStore()
	}
	return d, pool.Close, nil
}

func buildServer(cfg *config.Config, d deps, log *logrus.Entry) *Server {
	m := metrics.New()
	emitters := []events.Emitter{events.NewLogEmitter(log.WithField("component", "events")), m.Emitter()}
	if d.outbox != nil {
		emitters = append(emitters, events.NewOutboxEmitter(d.outbox, log.WithField("component", "outbox")))
	}
	em := events.Multi(emitters...)

	bank := token.NewBank(d.store)
	agreements := agreement.NewService(d.store).WithEmitter(em).WithLogger(log.WithField("component", "agreement"))
	var agents *registry.Service
	if d.agents != nil {
		agents = registry.NewService(d.agents).WithLogger(log.WithField("component", "registry"))
		agreements.WithAgentDirectory(agents)
	}

	return &Server{
		authService:      auth.NewService(d.accounts, cfg.Auth.JWTSecret).WithTokenTTL(cfg.Auth.TokenTTL),
		agreementService: agreements,
		escrowEngine:     escrow.NewEngine(d.store, bank).WithEmitter(em).WithLogger(log.WithField("component", "escrow")),
		disputeService:   dispute.NewService(d.store).WithEmitter(em).WithLogger(log.WithField("component", "dispute")),
		adminService:     admin.NewService(d.store).WithEmitter(em).WithLogger(log.WithField("component", "admin")),
		bank:             bank,
		agentService:     agents,
		metrics:          m,
		limiter:          newRateLimiter(cfg.HTTP.RateLimit),
		log:              log.WithField("component", "http"),
		ping:             d.ping,
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	d, closeDeps, err := openDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDeps()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           buildServer(cfg, d, log).routes(),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": cfg.HTTP.Addr, "ledger": cfg.Ledger.Backend}).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
