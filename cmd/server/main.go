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

	"github.com/manpreetbhatti/codesync/internal/api"
	"github.com/manpreetbhatti/codesync/internal/collab"
	"github.com/manpreetbhatti/codesync/internal/compiler"
	"github.com/manpreetbhatti/codesync/internal/config"
	"github.com/manpreetbhatti/codesync/internal/db"
	"github.com/manpreetbhatti/codesync/internal/janitor"
	"github.com/manpreetbhatti/codesync/internal/room"
	"github.com/manpreetbhatti/codesync/internal/session"
	"github.com/manpreetbhatti/codesync/internal/ws"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "codesync terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("closing database")
		_ = database.Close()
	}()

	if cfg.JDoodleClientID == "" || cfg.JDoodleClientSecret == "" {
		logger.Warn("JDoodle credentials missing, compile requests will fail upstream")
	}

	sessions := session.NewRegistry()
	rooms := room.NewStore(cfg.DefaultLanguage)
	hub := ws.NewHub(logger.With("component", "hub"))
	comp := compiler.NewJDoodle(cfg.JDoodleURL, cfg.JDoodleClientID, cfg.JDoodleClientSecret, cfg.CompileTimeout)
	ctrl := collab.NewController(hub, sessions, rooms, comp, logger.With("component", "collab")).WithHistory(database)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		hub.Run(loopCtx, ctrl)
	}()

	sweeper := janitor.New(database, rooms, sessions, hub, janitor.Config{
		Interval:            cfg.JanitorInterval,
		KeepSnapshots:       cfg.KeepSnapshots,
		CompileHistoryTTL:   cfg.CompileHistoryTTL,
		EvictIdleRoomsAfter: cfg.EvictIdleRoomsAfter,
	}, logger.With("component", "janitor"))
	sweeper.Start(loopCtx)

	handler := api.New(hub, ctrl, rooms, sessions, database, logger.With("component", "api"))
	wsHandler := ws.Handler(hub, ws.Options{
		Origins:           cfg.Origins(),
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.RequestLog(logger, api.CORS(cfg.Origins(), handler.Routes(wsHandler))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("codesync server starting",
			"addr", cfg.Addr(),
			"db", cfg.DBPath,
			"default_language", cfg.DefaultLanguage,
			"origins", cfg.Origins(),
		)
		serveErr <- server.ListenAndServe()
	}()

	code := exitOK
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err = <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			code = exitRuntime
			err = fmt.Errorf("listen failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "error", serr)
	}

	sweeper.Stop()
	stopLoop()
	<-loopDone

	if code != exitOK {
		return code, err
	}
	return exitOK, nil
}
