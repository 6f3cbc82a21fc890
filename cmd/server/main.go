package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldops/internal/auth"
	"fieldops/internal/blob"
	"fieldops/internal/config"
	"fieldops/internal/database"
	"fieldops/internal/events"
	"fieldops/internal/handlers"
	"fieldops/internal/ledger"
	"fieldops/internal/notify"
	"fieldops/internal/projects"
	"fieldops/internal/realtime"
	"fieldops/internal/server"
	"fieldops/internal/workflow"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm/logger"
)

func main() {
	cfg := config.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := database.Connect(cfg.DBDSN, gormLevel(cfg.GormLogLevel), log)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	database.Seed(db, log)

	// ШИНА СОБЫТИЙ
	var bus events.Bus = events.NewLocalBus()
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		redisBus := events.NewRedisBus(client, cfg.RedisChannel, log)
		go func() {
			if err := redisBus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis event relay stopped", slog.String("error", err.Error()))
			}
		}()
		bus = redisBus
	}

	dispatcher := notify.New(db, bus, log)
	hub := realtime.NewHub(log, cfg.RealtimeBuffer)
	defer hub.Attach(bus)()
	tokens := auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL)

	store, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.BlobDriver),
		FSRoot: cfg.BlobRoot,
		S3: blob.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PathStyle:       cfg.S3PathStyle,
		},
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	log.Info("blob store ready", slog.String("driver", string(store.Driver())))
	files := blob.NewFiles(store, cfg.BlobURLPrefix)

	stock := ledger.New(db, log)
	tasks := workflow.New(db, dispatcher, files, log)
	coordinator := projects.New(db, stock, tasks, dispatcher, log)

	go sweepNotifications(ctx, dispatcher, cfg.RetentionTick, log)

	h := &handlers.Handler{
		DB:       db,
		Ledger:   stock,
		Projects: coordinator,
		Tasks:    tasks,
		Notify:   dispatcher,
		Tokens:   tokens,
		Log:      log,
	}
	r := server.NewRouter(cfg, h, realtime.NewServer(hub, tokens, log).Handle)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("starting server", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// sweepNotifications удаляет просроченные уведомления раз в interval.
func sweepNotifications(ctx context.Context, d *notify.Dispatcher, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.PurgeExpired(ctx)
			if err != nil {
				log.Error("notification sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				log.Info("expired notifications removed", slog.Int64("count", n))
			}
		}
	}
}

func gormLevel(v string) logger.LogLevel {
	switch v {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
