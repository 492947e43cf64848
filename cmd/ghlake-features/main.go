// Package main implements ghlake-features, which builds the feature table
// for one day or a range of days from the gold layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ghlake/ghlake/internal/app"
	"github.com/ghlake/ghlake/internal/config"
	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/logging"
	"github.com/ghlake/ghlake/pkg/types"
)

func main() {
	var (
		configFile string
		from       string
		to         string
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&from, "from", "", "First target day (YYYY-MM-DD); default is yesterday")
	flag.StringVar(&to, "to", "", "Last target day (YYYY-MM-DD, inclusive); default is -from")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	start := types.DayOf(time.Now()).AddDays(-cfg.Pipeline.LagDays)
	if from != "" {
		if start, err = types.ParseDay(from); err != nil {
			logger.Fatal("invalid -from", zap.Error(err))
		}
	}
	end := start
	if to != "" {
		if end, err = types.ParseDay(to); err != nil {
			logger.Fatal("invalid -to", zap.Error(err))
		}
	}
	if end.Before(start) {
		logger.Fatal("-to is before -from")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal("failed to wire pipeline", zap.Error(err))
	}
	defer c.Close()

	failed := 0
	for _, day := range types.DaysBetween(start, end) {
		res, err := c.Features.BuildAndWrite(ctx, day)
		if err != nil {
			failed++
			level := logger.Error
			if pipelineerrors.GetCode(err) == pipelineerrors.CodeNoHistory {
				level = logger.Warn
			}
			level("features not built", zap.String("day", day.String()), zap.Error(err))
			continue
		}
		logger.Info("features written",
			zap.String("day", day.String()),
			zap.Int("repos", len(res.Rows)),
			zap.Int("history_days", len(res.HistoryDays)))
	}
	if failed > 0 {
		c.Close()
		os.Exit(1)
	}
}
