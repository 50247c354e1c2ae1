package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tush16/TastyTrade/internal/config"
	"github.com/tush16/TastyTrade/internal/feed"
	"github.com/tush16/TastyTrade/internal/httpapi"
	"github.com/tush16/TastyTrade/internal/store"
	"github.com/tush16/TastyTrade/internal/stream"
	"github.com/tush16/TastyTrade/internal/tasty"
	"github.com/tush16/TastyTrade/internal/util"
)

func main() {
	// .env is optional; real environments set variables directly.
	godotenv.Load()

	cfgPath := "config/tastytrade.yaml"
	if p := os.Getenv("TASTY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if cfg.Tasty.Login == "" || cfg.Tasty.Password == "" {
		logger.Error("TASTY_LOGIN and TASTY_PASSWORD must be set")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tc := tasty.NewClient(cfg.Tasty.BaseURL, logger)
	session, err := tc.Login(ctx, cfg.Tasty.Login, cfg.Tasty.Password)
	if err != nil {
		logger.Error("brokerage login failed", "err", err)
		os.Exit(1)
	}

	var sink stream.RecordSink
	if cfg.Storage.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			logger.Error("creating data directory", "err", err)
			os.Exit(1)
		}
		st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			logger.Error("opening sqlite store", "err", err)
			os.Exit(1)
		}
		defer st.Close()
		sink = st
		logger.Info("option records persisted", "path", cfg.Storage.SQLitePath)
	} else {
		logger.Info("sqlite sink disabled")
	}

	// Each topic gets its own upstream connection with fresh streamer
	// credentials.
	factory := func(ctx context.Context) (feed.Feed, error) {
		qt, err := tc.QuoteToken(ctx, session)
		if err != nil {
			return nil, fmt.Errorf("fetching quote token: %w", err)
		}
		f, err := feed.Dial(ctx, qt.DXLinkURL, qt.Token, logger)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	manager := stream.NewManager(ctx, factory, sink,
		cfg.Stream.ProximityWindow(), cfg.Stream.BroadcastInterval(), logger)

	api := httpapi.NewServer(tc, manager, cfg.Stream.Keepalive(), logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
