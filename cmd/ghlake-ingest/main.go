// Package main implements ghlake-ingest, the one-shot pipeline driver.
//
// With no flags it runs the daily job: prune gold, then process the day
// lag-days before today. -day processes one day, -from/-to backfills a
// range and -sweep retries orphaned deletions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ghlake/ghlake/internal/app"
	"github.com/ghlake/ghlake/internal/config"
	"github.com/ghlake/ghlake/internal/logging"
	"github.com/ghlake/ghlake/pkg/types"
)

func main() {
	var (
		configFile string
		day        string
		from       string
		to         string
		sweep      bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&day, "day", "", "Process a single day (YYYY-MM-DD)")
	flag.StringVar(&from, "from", "", "Backfill start day (YYYY-MM-DD, inclusive)")
	flag.StringVar(&to, "to", "", "Backfill end day (YYYY-MM-DD, inclusive)")
	flag.BoolVar(&sweep, "sweep", false, "Retry orphaned deletions and exit")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal("failed to wire pipeline", zap.Error(err))
	}
	defer c.Close()

	result, err := run(ctx, c, day, from, to, sweep)
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
	}
	if err != nil {
		logger.Error("ingest failed", zap.Error(err))
		c.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, c *app.Components, day, from, to string, sweep bool) (interface{}, error) {
	switch {
	case sweep:
		return c.Retention.Sweep(ctx)

	case day != "":
		d, err := types.ParseDay(day)
		if err != nil {
			return nil, err
		}
		return c.Orchestrator.RunDay(ctx, d)

	case from != "" || to != "":
		if from == "" || to == "" {
			return nil, fmt.Errorf("-from and -to must be given together")
		}
		start, err := types.ParseDay(from)
		if err != nil {
			return nil, err
		}
		end, err := types.ParseDay(to)
		if err != nil {
			return nil, err
		}
		report, err := c.Orchestrator.RunRange(ctx, start, end)
		if err != nil {
			return nil, err
		}
		if n := len(report.Errors); n > 0 {
			return report, fmt.Errorf("%d of %d days failed", n, len(types.DaysBetween(start, end)))
		}
		return report, nil

	default:
		return c.Orchestrator.RunDaily(ctx, time.Now())
	}
}
