package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"autosouq/internal/ratelimit"
	"autosouq/internal/usertoken"
	"autosouq/internal/util"
	"autosouq/pkg/events"
	"autosouq/pkg/queue"
	"autosouq/pkg/refcache"
	"autosouq/pkg/storage"
	"autosouq/pkg/store"
	"autosouq/services/listing/internal/app"
	"autosouq/services/listing/internal/config"
	"autosouq/services/listing/internal/editor"
	"autosouq/services/listing/internal/server"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.MinioPublicBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()

	refs, err := refcache.New(refcache.Config{
		Source: db,
		Client: redisClient,
		TTL:    cfg.ReferenceCacheTTL(),
	})
	if err != nil {
		log.Fatalf("failed to init reference cache: %v", err)
	}
	purge, err := queue.NewPurgeQueue(queue.Config{Client: redisClient})
	if err != nil {
		log.Fatalf("failed to init purge queue: %v", err)
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(events.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
		if err != nil {
			log.Fatalf("failed to init event publisher: %v", err)
		}
		publisher = amqpPublisher
	}

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.SubmitRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "autosouq:ratelimit:listing", cfg.SubmitRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     cfg.JWTLeeway(),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:         db,
		Objects:       objects,
		References:    refs,
		Purge:         purge,
		Events:        publisher,
		SubmitLimiter: limiter,
		Limits: editor.ImageLimits{
			MaxImages:         cfg.MaxImages,
			AllowedExtensions: cfg.AllowedExtensions,
		},
		UploadConcurrency:  cfg.UploadConcurrency,
		SessionIdleTimeout: cfg.SessionIdleTimeout(),
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	if n, err := appCore.WarmReferences(ctx); err != nil {
		logger.Warn("reference cache warm failed", "err", err)
	} else {
		logger.Info("reference cache warmed", "entries", n)
	}
	appCore.StartJanitor(ctx, time.Minute)
	appCore.StartPurgeWorkers(ctx, cfg.PurgeWorkers)

	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("listing server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
