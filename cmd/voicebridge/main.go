package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/voicebridge/internal/app"
	"github.com/ent0n29/voicebridge/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	built, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Calls.StartJanitor(runCtx, time.Minute)

	go func() {
		log.Printf("server listening on %s (model %s, voice %s)", cfg.BindAddr, cfg.OpenAIRealtimeModel, cfg.OpenAIVoice)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	// Shutdown does not track hijacked media stream sockets.
	if n := built.Calls.CloseAll(); n > 0 {
		log.Printf("closing %d active calls", n)
	}
	if err := built.Calls.WaitIdle(shutdownCtx); err != nil {
		log.Printf("calls still active at shutdown: %d", built.Calls.ActiveCount())
	}
	if err := built.Cleanup(); err != nil {
		log.Printf("cleanup failed: %v", err)
	}

	log.Printf("shutdown complete")
}
