package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"estateflow/admin"
	"estateflow/application"
	"estateflow/auth"
	"estateflow/config"
	"estateflow/db"
	"estateflow/logging"
	"estateflow/memstore"
	"estateflow/outbox"
	"estateflow/policy"
	"estateflow/profile"
	"estateflow/role"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "estateflow: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("estateflow-api", pflag.ContinueOnError)
	flags.StringVar(&cfg.HTTP.Addr, "addr", cfg.HTTP.Addr, "HTTP listen address")
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "storage backend (postgres|memory)")
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	flags.BoolVar(&cfg.Log.Dev, "log-dev", cfg.Log.Dev, "human readable logs")
	migrateOnly := flags.Bool("migrate-only", false, "apply database migrations and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	if *migrateOnly {
		return nil
	}

	app, err := wire(ctx, cfg, be, logger)
	if err != nil {
		return err
	}
	defer app.publisher.Close()

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      app.server.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("backend", cfg.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return app.relay.Run(gctx)
	})
	if cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			return reconcileLoop(gctx, app.applications, cfg.ReconcileInterval, logger)
		})
	}

	return g.Wait()
}

// backend bundles the repositories of one storage implementation.
type backend struct {
	tx           db.Transactor
	accounts     auth.Repository
	roles        role.Repository
	profiles     profile.Store
	applications application.Repository
	outboxWriter outbox.Writer
	outboxStore  outbox.Store
	health       pinger
	close        func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using in-memory backend, data is lost on exit")
		store := memstore.New()
		ob := store.Outbox()
		return &backend{
			tx:           store,
			accounts:     store.Accounts(),
			roles:        store.Roles(),
			profiles:     store.Profiles(),
			applications: store.Applications(),
			outboxWriter: ob,
			outboxStore:  ob,
			health:       store,
			close:        func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	if cfg.Database.Migrate {
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	ob := outbox.NewRepository(pool)
	return &backend{
		tx:           db.NewTxManager(pool),
		accounts:     auth.NewRepository(pool),
		roles:        role.NewRepository(pool),
		profiles:     profile.NewRepository(pool),
		applications: application.NewRepository(pool),
		outboxWriter: ob,
		outboxStore:  ob,
		health:       pool,
		close:        pool.Close,
	}, nil
}

type wired struct {
	server       *Server
	applications *application.Service
	relay        *outbox.Relay
	publisher    outbox.Publisher
}

func wire(ctx context.Context, cfg *config.Config, be *backend, logger *zap.Logger) (*wired, error) {
	roles := role.NewStore(be.roles)
	engine := policy.NewEngine(roles, logger)
	authService := auth.NewService(be.accounts, cfg.Auth.JWTSecret,
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithEmailRedirect(cfg.Auth.EmailRedirectURL),
	)
	adminService := admin.NewService(roles, be.accounts, engine, be.tx, be.outboxWriter, logger)
	applicationService := application.NewService(application.Dependencies{
		Repo:     be.applications,
		Roles:    roles,
		Policy:   engine,
		Tx:       be.tx,
		Outbox:   be.outboxWriter,
		Accounts: authService,
		Logger:   logger,
	})

	if email := cfg.Auth.BootstrapAdminEmail; email != "" {
		if _, err := adminService.Bootstrap(ctx, email); err != nil {
			if !errors.Is(err, auth.ErrAccountNotFound) {
				return nil, err
			}
			logger.Warn("bootstrap admin account not registered yet", zap.String("email", email))
		}
	}

	publisher, err := newPublisher(cfg.Outbox, logger)
	if err != nil {
		return nil, err
	}
	relay := outbox.NewRelay(be.outboxStore, publisher, logger, outbox.RelayConfig{
		Interval:    cfg.Outbox.PollInterval,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})

	return &wired{
		server: &Server{
			authService:        authService,
			roleService:        adminService,
			profileService:     profile.NewService(be.profiles, engine, be.tx),
			applicationService: applicationService,
			health:             be.health,
			apiKey:             cfg.Auth.PublicAPIKey,
			logger:             logger.Named("http"),
		},
		applications: applicationService,
		relay:        relay,
		publisher:    publisher,
	}, nil
}

func newPublisher(cfg config.OutboxConfig, logger *zap.Logger) (outbox.Publisher, error) {
	switch cfg.Sink {
	case config.SinkRabbitMQ:
		p, err := outbox.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return p, nil
	case config.SinkKafka:
		return outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return outbox.NewLogPublisher(logger), nil
	}
}

func reconcileLoop(ctx context.Context, svc *application.Service, every time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := svc.Reconcile(ctx, 100); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
