package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stealthrocket/sysreplay/internal/config"
	"github.com/stealthrocket/sysreplay/internal/log"
	"github.com/stealthrocket/sysreplay/internal/print/human"
	"github.com/stealthrocket/sysreplay/internal/resource"
	"github.com/stealthrocket/sysreplay/internal/scheduler"
	"github.com/stealthrocket/sysreplay/internal/stats"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

const replayUsage = `
Usage:	sysreplay replay [options] <trace files...>

   The replay command re-executes the syscalls captured in the traces against
   the live kernel. Each traced thread is replayed by its own worker, records
   of different threads are interleaved following their captured timestamps.

   When the replay completes, a report comparing the replayed results with
   the captured ones is printed on stdout.

Example:

   $ sysreplay replay -l replay.log -w warn app.systrace

Options:
   -a, --analysis             Decode and report on the records without replaying them
       --batch-size n         Number of records read per source and per worker
   -c, --config path          Path to the configuration file (overrides SYSREPLAYCONFIG)
   -h, --help                 Show this usage information
   -l, --log-file path        Write logs to this file instead of stderr
       --log-level level      Level of the logs written to the log file
       --max-pending n        Soft cap on the number of records waiting to be replayed
   -w, --mismatch policy      Mismatch handling, one of: default, warn, abort
       --ordering policy      Interleaving of threads, one of: overlap, strict, none
   -o, --output format        Output format of the report, one of: text, json, yaml
   -p, --pattern pattern      Buffer content, one of: zero, random, urandom, or a byte
       --validate-every n     Number of replayed records between consistency checks
   -v, --verbose              Log the fields of every replayed record (requires -l)
   -V, --verify               Compare read buffers with the trace (requires -l)
`

func replay(ctx context.Context, args []string) error {
	var (
		analysis bool
		verbose  bool
		verify   bool
		output   = stats.Text
		logFile  human.Path
		level    logLevel
		cfg      = config.Default()
	)

	flagSet := newFlagSet("sysreplay replay", replayUsage)
	boolVar(flagSet, &analysis, "a", "analysis")
	boolVar(flagSet, &verbose, "v", "verbose")
	boolVar(flagSet, &verify, "V", "verify")
	customVar(flagSet, &output, "o", "output")
	customVar(flagSet, &logFile, "l", "log-file")
	customVar(flagSet, &level, "", "log-level")
	customVar(flagSet, &config.Path, "c", "config")
	customVar(flagSet, &cfg.Replay.Mismatch, "w", "mismatch")
	customVar(flagSet, &cfg.Replay.Ordering, "", "ordering")
	customVar(flagSet, &cfg.Replay.Pattern, "p", "pattern")
	intVar(flagSet, &cfg.Replay.BatchSize, "", "batch-size")
	intVar(flagSet, &cfg.Replay.MaxPending, "", "max-pending")
	intVar(flagSet, &cfg.Replay.ValidateEvery, "", "validate-every")

	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return usageError("sysreplay replay: expected at least one trace file as argument")
	}
	if err := applyConfig(flagSet, cfg, &level, &logFile); err != nil {
		return err
	}
	if logFile == "" {
		switch {
		case verbose:
			return usageError("sysreplay replay: verbose mode requires a log file (-l)")
		case verify:
			return usageError("sysreplay replay: verify mode requires a log file (-l)")
		case cfg.Replay.Mismatch == scheduler.Warn:
			return usageError("sysreplay replay: warn mode requires a log file (-l)")
		}
	}

	logger := log.New(os.Stderr, log.WarnLevel)
	if logFile != "" {
		path, err := logFile.Resolve()
		if err != nil {
			return err
		}
		if verbose {
			level.Level = log.DebugLevel
		}
		l, f, err := log.OpenFile(path, level.Level)
		if err != nil {
			return err
		}
		defer f.Close()
		logger = l
	}
	counter := log.NewCounter(logger)
	session := uuid.New()
	entry := logger.WithField("session", session.String())

	var sources []scheduler.Source
	for _, path := range args {
		f, err := trace.OpenFile(path)
		if err != nil {
			return err
		}
		defer f.Close()
		entry.WithFields(logrus.Fields{
			"trace":   path,
			"version": f.Header.Version(),
		}).Info("opened trace")
		sources = append(sources, scheduler.FileSources(f)...)
	}

	var resources *resource.Manager
	if !analysis {
		resources = resource.New(entry)
	}

	syscalls := stats.NewSyscalls()
	transfers := stats.NewIO()
	s := scheduler.New(scheduler.Config{
		BatchSize:     cfg.Replay.BatchSize,
		MaxPending:    cfg.Replay.MaxPending,
		ValidateEvery: cfg.Replay.ValidateEvery,
		Ordering:      cfg.Replay.Ordering,
		Mismatch:      cfg.Replay.Mismatch,
		Pattern:       cfg.Replay.Pattern,
		Analysis:      analysis,
		Verbose:       verbose,
		Verify:        verify,
	}, resources, entry, syscalls, transfers)

	summary, err := s.Run(ctx, sources...)
	if summary == nil {
		return err
	}

	report := &stats.Report{
		Session:    session.String(),
		Mode:       "replay",
		Duration:   human.Duration(summary.Duration),
		Records:    summary.Records,
		Mismatches: summary.Mismatches,
		Warnings:   counter.Count(log.WarnLevel),
		Orphans:    summary.Orphans,
		Syscalls:   syscalls.Stats(),
		IO:         transfers.Stats(),
	}
	if analysis {
		report.Mode = "analysis"
	}
	if werr := stats.WriteReport(os.Stdout, output, report); werr != nil && err == nil {
		err = werr
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("replay interrupted: %w", err)
	}
	return err
}

// applyConfig fills the options which were not given on the command line or
// in the environment with the values of the configuration file.
func applyConfig(f *flag.FlagSet, cfg *config.Config, level *logLevel, logFile *human.Path) error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	if !isSet(f, "w", "mismatch") {
		cfg.Replay.Mismatch = c.Replay.Mismatch
	}
	if !isSet(f, "ordering") {
		cfg.Replay.Ordering = c.Replay.Ordering
	}
	if !isSet(f, "p", "pattern") {
		cfg.Replay.Pattern = c.Replay.Pattern
	}
	if !isSet(f, "batch-size") {
		cfg.Replay.BatchSize = c.Replay.BatchSize
	}
	if !isSet(f, "max-pending") {
		cfg.Replay.MaxPending = c.Replay.MaxPending
	}
	if !isSet(f, "validate-every") {
		cfg.Replay.ValidateEvery = c.Replay.ValidateEvery
	}
	if !isSet(f, "log-level") {
		level.Level = c.Log.Level
	}
	if !isSet(f, "l", "log-file") {
		if path, ok := c.Log.File.Value(); ok {
			*logFile = path
		}
	}
	return nil
}
