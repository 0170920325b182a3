package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	migrator "github.com/hoshdog/threadr-migrate"
	"github.com/hoshdog/threadr-migrate/internal/repository"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func run(args []string) error {
	// .env is a local convenience; real deployments set the variables
	_ = godotenv.Load()

	if len(args) < 1 {
		return fmt.Errorf("usage: threadr-migrate <audit|plan|migrate> [flags]")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "audit":
		return runAudit(ctx, logger, args[1:])
	case "plan":
		return runPlan(logger, args[1:])
	case "migrate":
		return runMigrate(ctx, logger, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func openSource(logger *logrus.Logger) (repository.KeyValueStore, error) {
	addr := envOr("THREADR_REDIS_ADDR", "localhost:6379")
	db, _ := strconv.Atoi(envOr("THREADR_REDIS_DB", "0"))
	pool, _ := strconv.Atoi(envOr("THREADR_REDIS_POOL", "5"))
	logger.WithField("addr", addr).Info("connecting to source store")
	return repository.NewRedisStore(addr, os.Getenv("THREADR_REDIS_PASSWORD"), db, pool), nil
}

func openTarget(logger *logrus.Logger) (repository.TargetStore, error) {
	dsn := os.Getenv("THREADR_DATABASE_DSN")
	if dsn == "" {
		return nil, fmt.Errorf("THREADR_DATABASE_DSN is required")
	}
	pool, _ := strconv.Atoi(envOr("THREADR_DATABASE_POOL", "5"))
	logger.Info("connecting to target store")
	return repository.NewGormStore(dsn, pool)
}

func runAudit(ctx context.Context, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	out := fs.String("out", "audit-report.json", "where to write the audit report")
	if err := fs.Parse(args); err != nil {
		return err
	}

	source, err := openSource(logger)
	if err != nil {
		return err
	}
	defer source.Close()

	registry := migrator.DefaultRegistry()
	if err := registry.Validate(); err != nil {
		return err
	}

	report, err := migrator.NewAuditor(source, registry, logger).Run(ctx)
	if err != nil {
		return err
	}
	if err := report.WriteFile(*out); err != nil {
		return err
	}
	logger.WithField("path", *out).Info("audit report written")
	return nil
}

func runPlan(logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	out := fs.String("out", "mapping-doc.json", "where to write the mapping documentation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	registry := migrator.DefaultRegistry()
	if err := registry.Validate(); err != nil {
		return err
	}
	doc, err := registry.ExportDoc()
	if err != nil {
		return err
	}
	if err := doc.WriteFile(*out); err != nil {
		return err
	}
	logger.WithField("path", *out).Info("mapping documentation written")
	return nil
}

func runMigrate(ctx context.Context, logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	var opts migrator.RunOptions
	var priority string
	fs.BoolVar(&opts.DryRun, "dry-run", false, "walk every step without writing to the target store")
	fs.StringVar(&priority, "priority", "all", "migrate only this priority tier (critical|high|medium|low|all)")
	fs.StringVar(&opts.TableFilter, "table", "", "migrate only mappings targeting this table")
	fs.StringVar(&opts.PatternFilter, "pattern", "", "migrate only this source pattern")
	fs.IntVar(&opts.BatchSize, "batch-size", 100, "records per target transaction")
	fs.BoolVar(&opts.CreateBackup, "backup", false, "dump matched source data to a JSON file first")
	fs.StringVar(&opts.BackupDir, "backup-dir", ".", "directory for backup dumps")
	fs.BoolVar(&opts.EnableRollback, "rollback", true, "delete inserted rows if the run fails")
	fs.BoolVar(&opts.ContinueOnError, "continue-on-error", false, "skip bad records instead of aborting")
	fs.StringVar(&opts.ReportPath, "report", "migration-report.json", "where to write the run report")
	logPath := fs.String("log", "", "append the operation log to this file as well as stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.PriorityFilter = migrator.Priority(priority)

	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	source, err := openSource(logger)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := openTarget(logger)
	if err != nil {
		return err
	}
	defer target.Close()

	manager, err := migrator.NewManager(source, target, migrator.DefaultRegistry(), migrator.WithLogger(logger))
	if err != nil {
		return err
	}

	report, err := manager.Run(ctx, opts)
	if report != nil {
		logger.WithFields(logrus.Fields{
			"state":             report.State,
			"processed":         report.Stats.Processed,
			"succeeded":         report.Stats.Succeeded,
			"failed":            report.Stats.Failed,
			"skipped":           report.Stats.Skipped,
			"validation_errors": report.Stats.ValidationErrors,
		}).Info(report.Recommendation)
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
