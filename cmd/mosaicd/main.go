package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mosaic/certs"
	"github.com/zsiec/mosaic/codec"
	"github.com/zsiec/mosaic/config"
	"github.com/zsiec/mosaic/metrics"
	"github.com/zsiec/mosaic/pipeline"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := envOr("MOSAIC_CONFIG", "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	specs, err := cfg.ActiveFeeds(nil)
	if err != nil {
		slog.Error("invalid composite selection", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	ctrl, err := pipeline.New(pipeline.Config{
		Feeds:        specs,
		Layout:       cfg.ComposeLayout(specs),
		TickInterval: time.Second / time.Duration(cfg.FPS),
		STUNServer:   cfg.WebRTC.STUNServer,
		Decoder:      codec.NewH264Decoder,
		Encoder:      codec.NewH264Encoder,
		Metrics:      m,
		Log:          slog.Default(),
	})
	if err != nil {
		slog.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("mosaicd starting",
		"version", version,
		"listen", cfg.Listen,
		"feeds", len(specs),
		"fps", cfg.FPS,
	)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: newAPI(ctrl, cfg, m, slog.Default()).handler(),
	}

	useTLS := os.Getenv("MOSAIC_TLS") != ""
	if useTLS {
		cert, err := certs.Generate(0)
		if err != nil {
			slog.Error("failed to generate cert", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control server listening", "addr", cfg.Listen, "tls", useTLS)
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		return ctrl.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
