package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"annosync/internal/auth"
	"annosync/internal/config"
	"annosync/internal/server"
)

func main() {
	cfg := config.Load()

	authorizer, cleanup, err := buildAuthorizer(cfg)
	if err != nil {
		log.Fatalf("failed to init authorizer: %v", err)
	}
	defer cleanup()

	srv := server.New(cfg, authorizer)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("annosync listening on %s (auth mode %s)", cfg.Addr, cfg.AuthMode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server exited: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// buildAuthorizer selects the join-time permission backend by config.
func buildAuthorizer(cfg config.Config) (auth.Authorizer, func(), error) {
	switch cfg.AuthMode {
	case config.AuthModeRedis:
		store, err := auth.NewSessionStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.AuthModeSQLite:
		store, err := auth.OpenACLStore(cfg.DBPath, []byte(cfg.TokenSecret))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		log.Printf("WARNING: static authorization grants write access to any token holder")
		return &auth.Static{AdminToken: cfg.AdminToken}, func() {}, nil
	}
}
