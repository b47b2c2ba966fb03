// ingest collects articles from the configured sources into the SQLite
// state store. By default it performs one collection pass and exits with
// a status reflecting the run's success policy.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ArticlesIngest/internal/app"
	"ArticlesIngest/internal/config"
	"ArticlesIngest/internal/domain"
	"ArticlesIngest/internal/logging"
)

const (
	exitOK          = 0
	exitRunFailed   = 1
	exitUsage       = 2
	exitInfraFailed = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		configPath string
		once       bool
		every      time.Duration
		prune      bool
		stats      bool
		rollbackTo int
	)

	flagSet := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML config (default: $INGEST_CONFIG)")
	flagSet.BoolVar(&once, "once", true, "run a single collection pass and exit")
	flagSet.DurationVar(&every, "every", 0, "run collection passes on this interval until interrupted")
	flagSet.BoolVar(&prune, "prune", false, "delete items and runs older than the retention windows")
	flagSet.BoolVar(&stats, "stats", false, "print store statistics as JSON")
	flagSet.IntVar(&rollbackTo, "rollback-to", -1, "roll the schema back to this version")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected argument: %s\n", rest[0])
		return exitUsage
	}
	if err := checkMode(flagSet, once, every); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		return exitUsage
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error_class", domain.ErrorClass(err))
		return exitInfraFailed
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			logger.Error("shutdown failed", "error_class", domain.ErrorClass(err))
		}
	}()

	switch {
	case flagSet.Changed("rollback-to"):
		version, err := application.RollbackTo(ctx, rollbackTo)
		if err != nil {
			logger.Error("rollback failed", "error_class", domain.ErrorClass(err))
			return exitInfraFailed
		}
		logger.Info("schema rolled back", "version", version)
		return exitOK

	case stats:
		s, err := application.Stats(ctx)
		if err != nil {
			logger.Error("stats failed", "error_class", domain.ErrorClass(err))
			return exitInfraFailed
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			logger.Error("encode stats", "error_class", domain.ErrorClass(err))
			return exitInfraFailed
		}
		return exitOK

	case prune:
		items, runs, err := application.Prune(ctx)
		if err != nil {
			logger.Error("prune failed", "error_class", domain.ErrorClass(err))
			return exitInfraFailed
		}
		logger.Info("prune finished", "items", items, "runs", runs)
		return exitOK

	case every > 0:
		if err := application.RunEvery(ctx, every); err != nil {
			logger.Error("scheduler stopped", "error_class", domain.ErrorClass(err))
			return exitInfraFailed
		}
		return exitOK
	}

	report, err := application.RunOnce(ctx)
	if err != nil {
		logger.Error("run failed", "run_id", report.RunID, "error_class", domain.ErrorClass(err))
		return exitInfraFailed
	}
	if !report.Success {
		logger.Warn("run did not meet the success policy", "run_id", report.RunID, "summary", report.Summary)
		return exitRunFailed
	}
	return exitOK
}

// checkMode rejects flag combinations that leave the command without a
// single clear mode.
func checkMode(flagSet *pflag.FlagSet, once bool, every time.Duration) error {
	if every < 0 {
		return errors.New("--every must be positive")
	}
	if flagSet.Changed("once") && once && every > 0 {
		return errors.New("--once and --every are mutually exclusive")
	}
	maintenance := flagSet.Changed("rollback-to") || flagSet.Changed("prune") || flagSet.Changed("stats")
	if !once && every == 0 && !maintenance {
		return errors.New("--once=false needs --every or a maintenance flag")
	}
	return nil
}
