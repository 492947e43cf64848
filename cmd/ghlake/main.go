// Package main implements the ghlake service binary. It runs the daily
// scheduler and the HTTP and gRPC APIs, or a subset chosen with --mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ghlake/ghlake/internal/app"
	"github.com/ghlake/ghlake/internal/config"
	"github.com/ghlake/ghlake/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		grpcAddr    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for local data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, api, scheduler")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP API listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC API listen address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ghlake - GitHub event lake service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: ghlake [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ghlake --data-dir /var/lib/ghlake\n")
		fmt.Fprintf(os.Stderr, "  ghlake --mode api --config /etc/ghlake/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  GHLAKE_MODE            Service mode (all, api, scheduler)\n")
		fmt.Fprintf(os.Stderr, "  GHLAKE_STORAGE_TYPE    Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  R2_BUCKET_NAME         Selects S3 storage on the named R2 bucket\n")
		fmt.Fprintf(os.Stderr, "  R2_ENDPOINT_URL        R2 endpoint\n")
		fmt.Fprintf(os.Stderr, "  R2_ACCESS_KEY_ID       R2 credentials\n")
		fmt.Fprintf(os.Stderr, "  R2_SECRET_ACCESS_KEY   R2 credentials\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("ghlake version %s (commit: %s)\n", version, commit)
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ghlake",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("mode", string(cfg.Mode)),
		zap.String("storage", cfg.Storage.Type))

	application := app.New(cfg, logger, app.Options{})
	if err := application.Start(context.Background()); err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	if err := application.WaitForShutdown(context.Background()); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}
