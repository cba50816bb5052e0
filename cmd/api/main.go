package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"genstudio/internal/credits"
	"genstudio/internal/events"
	"genstudio/internal/generation"
	"genstudio/internal/http/handlers"
	httpapi "genstudio/internal/http/httpapi"
	"genstudio/internal/infra"
	"genstudio/internal/infra/credentials"
	"genstudio/internal/providers/imgbb"
	"genstudio/internal/providers/kie"
	"genstudio/internal/providers/supabase"
	"genstudio/internal/providers/turnstile"
	"genstudio/internal/storage"
)

func main() {
	// Muat .env (opsional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The ledger and the credential store share one pool. Without a database
	// the API still serves anonymous submissions.
	var (
		pool   *pgxpool.Pool
		ledger *credits.Ledger
		store  *credentials.Store
	)
	if cfg.DatabaseURL != "" {
		pool, err = infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		runner := infra.NewSQLRunner(pool, logger)
		ledger = credits.NewLedger(runner)
		store = credentials.NewStore(runner)
	} else {
		logger.Warn().Msg("DATABASE_URL not set; authenticated credits disabled")
	}

	var usage credits.UsageMirror = credits.NewMemoryUsage()
	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if rdb != nil {
		defer rdb.Close()
		usage = credits.NewRedisUsage(rdb)
	}

	var publisher events.Publisher = events.Noop{}
	nc, err := infra.NewNATSConn(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect nats")
	}
	if nc != nil {
		defer nc.Drain()
		publisher = events.NewNATSPublisher(nc, &logger)
	}

	host, staticDir := newImageHost(ctx, cfg, store, &logger)

	kieClient, err := kie.NewClient(kie.Options{
		APIKey:         cfg.KieAPIKey,
		BaseURL:        cfg.KieBaseURL,
		CallbackURL:    cfg.KieCallbackURL,
		Logger:         &logger,
		RequestTimeout: cfg.UpstreamTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid kie configuration")
	}
	captcha := turnstile.NewClient(turnstile.Options{
		Secret:         cfg.TurnstileSecret,
		Logger:         &logger,
		RequestTimeout: cfg.UpstreamTimeout,
	})
	users := supabase.NewResolver(supabase.Options{
		URL:            cfg.SupabaseURL,
		AnonKey:        cfg.SupabaseAnonKey,
		JWTSecret:      cfg.SupabaseJWTSecret,
		Logger:         &logger,
		RequestTimeout: cfg.UpstreamTimeout,
	})

	deps := generation.Deps{
		Provider: &generation.KieProvider{Client: kieClient, Key: store.KeyFunc(credentials.ProviderKie, cfg.KieAPIKey)},
		Verifier: &generation.TurnstileVerifier{Client: captcha, Key: store.KeyFunc(credentials.ProviderTurnstile, cfg.TurnstileSecret)},
		Users:    users,
		Host:     host,
		Events:   publisher,
		Logger:   &logger,
	}
	var balances handlers.BalanceReader
	if ledger != nil {
		deps.Ledger = ledger
		balances = ledger
	}
	svc := generation.NewService(deps)

	app := handlers.NewApp(svc, balances, usage, &logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:      logger,
		CORSOrigins: cfg.CORSAllowedOrigins,
		Users:       users,
		StaticDir:   staticDir,
	})

	server := infra.NewHTTPServer(ctx, cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("image_host", cfg.ImageHost).Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
}

// newImageHost picks the reference image host. The returned directory is
// non-empty only for the local host, whose files the API serves itself.
func newImageHost(ctx context.Context, cfg *infra.Config, store *credentials.Store, logger *infra.Logger) (storage.Host, string) {
	switch cfg.ImageHost {
	case infra.ImageHostMinIO:
		host, err := storage.NewMinIOHost(ctx, storage.MinIOConfig{
			Endpoint:        cfg.MinIOEndpoint,
			AccessKeyID:     cfg.MinIOAccessKey,
			SecretAccessKey: cfg.MinIOSecretKey,
			UseSSL:          cfg.MinIOUseSSL,
			Bucket:          cfg.MinIOBucket,
			PublicBaseURL:   cfg.MinIOPublicBaseURL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect minio")
		}
		return host, ""
	case infra.ImageHostLocal:
		fs, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare storage directory")
		}
		return fs, fs.BasePath()
	default:
		client := imgbb.NewClient(imgbb.Options{
			APIKey:         cfg.ImgBBAPIKey,
			Expiration:     cfg.ImgBBExpiration,
			Logger:         logger,
			RequestTimeout: cfg.UpstreamTimeout,
		})
		return storage.NewImgBBHost(client, store.KeyFunc(credentials.ProviderImgBB, cfg.ImgBBAPIKey)), ""
	}
}
