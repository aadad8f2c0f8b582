package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"

	"github.com/onexay/hgrev/internal/config"
	"github.com/onexay/hgrev/internal/httpserver"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default is $HOME/.hgrev/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := logr.FromSlogHandler(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := httpserver.NewServer(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}
