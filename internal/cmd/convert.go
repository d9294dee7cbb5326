package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/stealthrocket/sysreplay/internal/config"
	"github.com/stealthrocket/sysreplay/internal/csvconv"
	"github.com/stealthrocket/sysreplay/internal/ioperf"
	"github.com/stealthrocket/sysreplay/internal/log"
	"github.com/stealthrocket/sysreplay/internal/print/human"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

const convertUsage = `
Usage:	sysreplay convert [options] <csv files...>

   The convert command builds a binary trace from rows captured in CSV files.
   Each row starts with the syscall kind, its unique id, the three capture
   times, the thread id, the return value and errno, followed by the columns
   of the kind. Malformed rows are reported on stderr and skipped.

   The input "-" reads from stdin.

Example:

   $ sysreplay convert -o app.systrace app.csv
   sysreplay convert: 1024 rows converted to app.systrace

Options:
       --batch-rows n             Maximum number of rows per frame of the trace
   -c, --compression algorithm    Frame compression, one of: uncompressed, snappy, zstd
       --config path              Path to the configuration file (overrides SYSREPLAYCONFIG)
   -h, --help                     Show this usage information
   -o, --output path              Path of the trace to write (default to stdout)
`

func convert(ctx context.Context, args []string) error {
	var (
		output      = human.Path("-")
		compression = trace.Zstd
		batchRows   = trace.DefaultBatchRows
	)

	flagSet := newFlagSet("sysreplay convert", convertUsage)
	customVar(flagSet, &output, "o", "output")
	customVar(flagSet, &compression, "c", "compression")
	customVar(flagSet, &config.Path, "", "config")
	intVar(flagSet, &batchRows, "", "batch-rows")

	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return usageError("sysreplay convert: expected at least one csv file as argument")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !isSet(flagSet, "c", "compression") {
		compression = cfg.Convert.Compression
	}
	if !isSet(flagSet, "batch-rows") {
		batchRows = cfg.Convert.BatchRows
	}

	var w io.Writer
	var summary io.Writer = os.Stdout
	if output == "-" {
		w, summary = os.Stdout, os.Stderr
	} else {
		path, err := output.Resolve()
		if err != nil {
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	tw := trace.NewWriter(w, compression, batchRows)
	c := csvconv.New(tw, log.New(os.Stderr, log.WarnLevel))

	for _, name := range args {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := convertFile(c, name); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	stats := c.Stats()
	fmt.Fprintf(summary, "sysreplay convert: %d rows converted to %s", stats.Rows, output)
	if stats.Malformed > 0 {
		fmt.Fprintf(summary, " (%d malformed rows skipped)", stats.Malformed)
	}
	fmt.Fprintln(summary)
	return nil
}

func convertFile(c *csvconv.Converter, name string) error {
	input, display := io.Reader(os.Stdin), "<stdin>"
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		input, display = f, name
	}
	r := ioperf.NewPrefetchReader(input, ioperf.DefaultPrefetchSize)
	defer r.Close()
	return c.Convert(r, display)
}
