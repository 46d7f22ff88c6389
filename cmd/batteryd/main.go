package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/gkmanev/BatteryBackend/pkg/cache"
	"github.com/gkmanev/BatteryBackend/pkg/log"
	"github.com/gkmanev/BatteryBackend/pkg/pricefeed"
	"github.com/gkmanev/BatteryBackend/pkg/server"
	"github.com/gkmanev/BatteryBackend/pkg/storage"
)

func main() {
	// init packages
	db := storage.Configured()
	memo := cache.Configured()
	feed := pricefeed.Configured(db)
	srv := server.Configured(db, memo)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)

	if err := feed.Validate(); err != nil {
		log.Ctx(context.Background()).ErrorContext(context.Background(), "invalid price feed config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if feed.Enabled() {
		go func() {
			if err := feed.Run(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "price feed poller failed", "error", err)
			}
		}()
	}

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
		if err := memo.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close cache", "error", err)
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
