package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spadina/server/internal/asset"
	"github.com/spadina/server/internal/auth"
	"github.com/spadina/server/internal/config"
	"github.com/spadina/server/internal/data"
	"github.com/spadina/server/internal/directory"
	"github.com/spadina/server/internal/edge"
	"github.com/spadina/server/internal/federation"
	"github.com/spadina/server/internal/metrics"
	"github.com/spadina/server/internal/persist"
	"github.com/spadina/server/internal/puzzle"
	"github.com/spadina/server/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:           "spadina",
		Short:         "Federated collaborative puzzle world server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "spadina.toml", "path to the TOML configuration")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cfgPath)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func migrate(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	if err := persist.RunMigrations(ctx, db); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

func serve(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()
	// run_id ties every log line of one process lifetime together
	// across the fleet's aggregated logs.
	log = log.With(zap.String("run_id", uuid.NewString()))
	log.Info("spadina starting", zap.String("server", cfg.Server.Name))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		cancel()
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	if err := persist.RunMigrations(ctx, db); err != nil {
		cancel()
		return fmt.Errorf("migrations: %w", err)
	}
	cancel()
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	if cfg.Realms.HolidayFile != "" {
		table, err := data.LoadHolidays(cfg.Realms.HolidayFile)
		if err != nil {
			return fmt.Errorf("holidays: %w", err)
		}
		puzzle.SetHolidayCalendar(table)
	}

	store, err := buildStore(cfg, log)
	if err != nil {
		return fmt.Errorf("asset store: %w", err)
	}

	players := persist.NewPlayerRepo(db)

	// The resolver's swarm hook is installed after the hub exists.
	resolver := asset.NewResolver(store, nil, log)

	dir := directory.New(directory.Deps{
		ServerName:   cfg.Server.Name,
		Capabilities: cfg.Realms.Capabilities,
		DefaultRealm: cfg.Realms.DefaultRealm,
		Resolver:     resolver,
		Realms:       persist.NewRealmRepo(db),
		Players:      players,
		Chats:        persist.NewChatRepo(db),
		Trains:       persist.NewTrainRepo(db),
		Log:          log,
		IdleGrace:    cfg.Realms.IdleGrace,
		ChatTail:     cfg.Realms.ChatTail,
	})
	defer dir.Close()

	hub := federation.NewHub(cfg.Server.Name, cfg.Federation, store, db, dir, log)
	defer hub.Close()
	resolver.Swarm = hub
	if err := hub.RefreshBans(context.Background()); err != nil {
		return fmt.Errorf("ban list: %w", err)
	}

	router := session.NewRouter(cfg.Server.Name, dir, resolver, db, hub, log)
	hub.SetChatSink(router)

	var authn auth.Multi
	if cfg.Auth.OTP {
		authn = append(authn, auth.NewOTPAuthenticator(persist.NewAuthRepo(db)))
	}
	if cfg.Auth.PasswordFile != "" {
		pf, err := auth.LoadPasswordFile(cfg.Auth.PasswordFile)
		if err != nil {
			return err
		}
		log.Warn("fixed-password auth enabled; do not use in production")
		authn = append(authn, pf)
	}
	if len(authn) == 0 {
		return fmt.Errorf("no authentication scheme configured")
	}

	if cfg.Server.MetricsBind != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Server.MetricsBind, mux); err != nil {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	server := edge.NewServer(cfg, router, hub, authn, players, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info("listening", zap.String("bind", cfg.Server.BindAddress))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listener: %w", err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	server.Shutdown(shutCtx)
	dir.Close()
	hub.Close()
	log.Info("goodbye")
	return nil
}

func buildStore(cfg *config.Config, log *zap.Logger) (asset.Store, error) {
	var backend asset.Store
	var err error
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	switch cfg.AssetStore.Kind {
	case "filesystem":
		backend, err = asset.NewDirStore(cfg.AssetStore.Directory, log)
	case "s3":
		backend, err = asset.NewS3Store(ctx, cfg.AssetStore.Bucket, cfg.AssetStore.Prefix, cfg.AssetStore.Endpoint, log)
	case "gcs":
		backend, err = asset.NewGCSStore(ctx, cfg.AssetStore.Bucket, cfg.AssetStore.Prefix, log)
	default:
		return nil, fmt.Errorf("unknown asset store kind %q", cfg.AssetStore.Kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.AssetStore.CacheSize > 0 {
		return asset.NewCachedStore(backend, cfg.AssetStore.CacheSize)
	}
	return backend, nil
}
