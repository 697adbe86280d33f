package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/conversation"
	"github.com/MegaGrindStone/atlas-chat/internal/handlers"
	"github.com/MegaGrindStone/atlas-chat/internal/services"
	"github.com/MegaGrindStone/atlas-chat/internal/session"
)

const errLoggerKey = "error"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "atlaschat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfg, err := readConfig(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		return err
	}

	level, err := cfg.logLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	boltDB, err := services.NewBoltDB(filepath.Join(cfgPath, "store.db"))
	if err != nil {
		return err
	}
	defer boltDB.Close()

	pipeline := cfg.Pipeline.pipeline(logger)
	ctrl := session.NewController(
		pipeline,
		pipeline,
		conversation.NewStore(),
		conversation.NewThreadCache(),
		logger,
		cfg.Session.options(),
	)

	m, err := handlers.NewMain(ctrl, boltDB, logger)
	if err != nil {
		return err
	}

	// Create custom mux
	mux := http.NewServeMux()
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/cancel", m.HandleCancel)
	mux.HandleFunc("/clear", m.HandleClear)
	mux.HandleFunc("/threads", m.HandleThread)
	mux.HandleFunc("/state", m.HandleState)
	mux.HandleFunc("/sse", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
		ctrl.Wait()
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("pipeline", cfg.Pipeline.BaseURL))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	return nil
}

// readConfig loads the config file at path. A missing file is treated as an empty one so the server can
// run from environment variables alone.
func readConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return config{}, fmt.Errorf("error opening config file: %w", err)
		}
		return loadConfig(http.NoBody)
	}
	defer cfgFile.Close()

	return loadConfig(cfgFile)
}
