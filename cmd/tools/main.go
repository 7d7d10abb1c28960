// Package main provides the operator tool for projections: status, rebuild,
// read model verification and dead-letter handling.
//
// Usage:
//
//	tools -op status
//	tools -op rebuild -projection project_summaries
//	tools -op verify -id <project-id>
//	tools -op verify -all -report report.json
//	tools -op dead-letters -projection project_summaries -limit 20
//	tools -op skip -projection project_summaries -sequence 42
//
// Rebuild and skip change checkpoints, so run them while the worker is
// stopped or use the worker's /ops endpoints instead.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/lllypuk/eventflow/internal/app"
	"github.com/lllypuk/eventflow/internal/config"
	"github.com/lllypuk/eventflow/internal/infrastructure/projector"
)

// Supported operations.
const (
	opStatus      = "status"
	opRebuild     = "rebuild"
	opVerify      = "verify"
	opDeadLetters = "dead-letters"
	opSkip        = "skip"
)

const (
	verifyPageSize     = 100
	defaultListLimit   = 50
	reportFilePerm     = 0o600
	defaultProjection  = projector.ProjectSummaryName
	validOperationHint = "status, rebuild, verify, dead-letters or skip"
)

var errInconsistent = errors.New("read model is inconsistent")

type options struct {
	op         string
	projection string
	id         string
	all        bool
	report     string
	sequence   uint64
	limit      int
}

func main() {
	// Setup logger first
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	var opts options
	flag.StringVar(&opts.op, "op", "", "Operation: "+validOperationHint)
	flag.StringVar(&opts.projection, "projection", defaultProjection, "Projection name")
	flag.StringVar(&opts.id, "id", "", "Project ID to verify")
	flag.BoolVar(&opts.all, "all", false, "Verify every project in the read model")
	flag.StringVar(&opts.report, "report", "", "File to write the verification report to (only with -op verify -all)")
	flag.Uint64Var(&opts.sequence, "sequence", 0, "Global sequence of the dead letter to skip")
	flag.IntVar(&opts.limit, "limit", defaultListLimit, "Maximum dead letters to list")

	flag.Parse()

	if err := opts.validate(); err != nil {
		logger.Error("invalid arguments", slog.String("error", err.Error()))
		flag.Usage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	container, err := app.NewContainer(cfg, app.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build container", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runErr := run(context.Background(), container, opts, os.Stdout)
	_ = container.Close()
	if runErr != nil {
		logger.Error("operation failed", slog.String("op", opts.op), slog.String("error", runErr.Error()))
		os.Exit(1)
	}
}

func (o options) validate() error {
	switch o.op {
	case opStatus, opRebuild, opDeadLetters:
		return nil
	case opVerify:
		if o.id == "" && !o.all {
			return errors.New("either -id or -all must be specified")
		}
		return nil
	case opSkip:
		if o.sequence == 0 {
			return errors.New("-sequence is required")
		}
		return nil
	case "":
		return errors.New("-op is required")
	default:
		return fmt.Errorf("unknown op %q, valid values: %s", o.op, validOperationHint)
	}
}

// run executes one operation against a built container and prints JSON results to out.
func run(ctx context.Context, c *app.Container, opts options, out io.Writer) error {
	switch opts.op {
	case opStatus:
		statuses, err := c.Dispatcher.Status(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, statuses)
	case opRebuild:
		c.Logger.InfoContext(ctx, "rebuilding projection", slog.String("projection", opts.projection))
		if err := c.Dispatcher.Rebuild(ctx, opts.projection); err != nil {
			return err
		}
		c.Logger.InfoContext(ctx, "rebuild completed successfully")
		return nil
	case opVerify:
		if opts.all {
			return verifyAll(ctx, c, opts.report, out)
		}
		return verifyOne(ctx, c, opts.id)
	case opDeadLetters:
		letters, err := c.DeadLetters.List(ctx, opts.projection, opts.limit)
		if err != nil {
			return err
		}
		return writeJSON(out, letters)
	case opSkip:
		if err := c.Dispatcher.SkipDeadLetter(ctx, opts.projection, opts.sequence); err != nil {
			return err
		}
		c.Logger.InfoContext(ctx, "dead letter skipped",
			slog.String("projection", opts.projection),
			slog.Uint64("sequence", opts.sequence),
		)
		return nil
	default:
		return fmt.Errorf("unknown op %q", opts.op)
	}
}

func verifyOne(ctx context.Context, c *app.Container, id string) error {
	c.Logger.InfoContext(ctx, "verifying consistency", slog.String("project_id", id))

	consistent, err := c.Summary.VerifyConsistency(ctx, c.Events, id)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if !consistent {
		c.Logger.WarnContext(ctx, "read model is INCONSISTENT - rebuild recommended", slog.String("project_id", id))
		return errInconsistent
	}
	c.Logger.InfoContext(ctx, "read model is consistent", slog.String("project_id", id))
	return nil
}

// verifyReport summarizes a verify -all run.
type verifyReport struct {
	Checked      int      `json:"checked"`
	Inconsistent []string `json:"inconsistent"`
}

// verifyAll walks the read model page by page and verifies every project in it.
func verifyAll(ctx context.Context, c *app.Container, reportFile string, out io.Writer) error {
	report := verifyReport{Inconsistent: []string{}}
	for offset := 0; ; offset += verifyPageSize {
		page, err := c.Summaries.List(ctx, projector.SummaryFilter{Limit: verifyPageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("list summaries: %w", err)
		}
		for _, s := range page {
			consistent, errVerify := c.Summary.VerifyConsistency(ctx, c.Events, s.ID)
			if errVerify != nil {
				return fmt.Errorf("verify %s: %w", s.ID, errVerify)
			}
			report.Checked++
			if !consistent {
				report.Inconsistent = append(report.Inconsistent, s.ID)
			}
		}
		if len(page) < verifyPageSize {
			break
		}
	}

	if reportFile != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		if err = os.WriteFile(reportFile, data, reportFilePerm); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if err := writeJSON(out, report); err != nil {
		return err
	}
	if len(report.Inconsistent) > 0 {
		return fmt.Errorf("%w: %d of %d projects", errInconsistent, len(report.Inconsistent), report.Checked)
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
