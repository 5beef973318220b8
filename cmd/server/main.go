// Command server runs the chatsync relay: the HTTP API over PostgreSQL and
// the realtime change stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/httpserver"
	"chatsync/internal/logger"
	"chatsync/internal/media"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/store/postgres"
	"chatsync/internal/ws"
)

func main() {
	issueToken := flag.String("issue-token", "", "print an access token for the given user id and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env, cfg.LogLevel).With().Str("app", cfg.AppName).Logger()

	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)
	if *issueToken != "" {
		token, err := tokenSvc.CreateForUser(*issueToken)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := postgres.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	hub := ws.NewHub(log)
	publisher, err := newPublisher(ctx, cfg, hub, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	storage, local, err := newStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize media storage")
	}

	convRepo := postgres.NewConversationRepo(db)
	msgRepo := postgres.NewMessageRepo(db)

	router := httpserver.NewRouter(httpserver.Deps{
		Conversations: service.NewConversationService(convRepo, publisher, log),
		Messages:      service.NewMessageService(convRepo, msgRepo, publisher, log),
		Tokens:        tokenSvc,
		Hub:           hub,
		Storage:       storage,
		Local:         local,
		CORSOrigins:   cfg.CORSOrigins,
		Log:           log,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting chatsync relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// newPublisher fans out through Redis when REDIS_URL is set, so that several
// relay instances can serve the same users, and directly to the hub otherwise.
func newPublisher(ctx context.Context, cfg *config.Config, hub *ws.Hub, log zerolog.Logger) (domain.Publisher, error) {
	if cfg.RedisURL == "" {
		return ws.NewLocalBroker(hub), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	broker := ws.NewRedisBroker(client, hub, log)
	go func() {
		for ctx.Err() == nil {
			if err := broker.Run(ctx); err != nil {
				log.Error().Err(err).Msg("redis relay stopped, restarting")
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
		}
		client.Close()
	}()
	return broker, nil
}

// newStorage keeps uploads in S3 when a bucket is configured and in
// UPLOAD_DIR otherwise. Only local uploads are served back by the relay.
func newStorage(ctx context.Context, cfg *config.Config) (media.Storage, *media.LocalStorage, error) {
	if cfg.S3Config.Enabled() {
		s3, err := media.NewS3Storage(ctx, media.S3Options{
			Bucket:    cfg.S3Config.Bucket,
			Region:    cfg.S3Config.Region,
			Endpoint:  cfg.S3Config.Endpoint,
			AccessKey: cfg.S3Config.AccessKey,
			SecretKey: cfg.S3Config.SecretKey,
			PublicURL: cfg.S3Config.PublicURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, nil, nil
	}
	local, err := media.NewLocalStorage(cfg.UploadDir, cfg.UploadsURL())
	if err != nil {
		return nil, nil, err
	}
	return local, local, nil
}
