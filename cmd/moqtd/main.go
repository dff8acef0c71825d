package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quicwire/moqt/moqt"
	"github.com/quicwire/moqt/quictransport"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	log.Info("generating self-signed certificate")
	cert, err := quictransport.GenerateCert(14 * 24 * time.Hour)
	if err != nil {
		log.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	addr := envOr("MOQTD_ADDR", ":4443")

	ln, err := quictransport.Listen(addr, cert, quictransport.Config{})
	if err != nil {
		log.Error("failed to start listener", "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	h := newHub(log)

	srv := moqt.NewServer(moqt.ServerConfig{
		Accept: func(ctx context.Context) (moqt.Transport, error) {
			return ln.Accept(ctx)
		},
		Log:             log,
		OnSession:       h.onSession,
		OnSessionClosed: h.onSessionClosed,
	})

	log.Info("moqtd listening", "version", version, "addr", ln.Addr(), "cert_hash", cert.FingerprintBase64())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
