package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mosaic/gateway/internal/app"
	"mosaic/gateway/internal/config"
	"mosaic/gateway/internal/session"
	"mosaic/gateway/internal/stage"
	"mosaic/gateway/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration failed: %v", err)
	}

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	var stager stage.Stager
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		log.Printf("Using object-store attachment staging at %s", cfg.MinioEndpoint)
		minioStager, err := stage.NewMinioStager(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		stager = minioStager
	} else {
		log.Printf("Using in-memory attachment staging")
		stager = stage.NewMemoryStager()
	}

	backend := upstream.NewWithTimeout(cfg.UpstreamURL, cfg.UpstreamTimeout)
	service := app.New(cfg, sessions, backend, stager)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Mosaic gateway listening on %s (upstream %s)", cfg.Addr, cfg.UpstreamURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
