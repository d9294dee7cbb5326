package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/stealthrocket/sysreplay/internal/print/human"
	"github.com/stealthrocket/sysreplay/internal/print/jsonprint"
	"github.com/stealthrocket/sysreplay/internal/print/textprint"
	"github.com/stealthrocket/sysreplay/internal/print/yamlprint"
	"github.com/stealthrocket/sysreplay/internal/stats"
	"github.com/stealthrocket/sysreplay/internal/trace"
)

const describeUsage = `
Usage:	sysreplay describe [options] <trace file>

   The describe command prints the header of a trace and a summary of the
   frames of each syscall kind it contains.

Example:

   $ sysreplay describe app.systrace
   Trace: app.systrace
   Version: 1.0
   Created: 3h ago, Mon, 29 May 2023 23:00:41 UTC
   Compression: zstd
   Rows: 1024
   ---
   KIND    FRAMES  ROWS  FIRST ID  LAST ID  SIZE      UNCOMPRESSED
   umask   1       1     1         1        32 B      44 B
   openat  1       12    2         1019     412 B     1.03 KiB
   ...

Options:
   -h, --help           Show this usage information
   -o, --output format  Output format, one of: text, json, yaml
`

type traceDescriptor struct {
	Path   string            `json:"path"   yaml:"path"`
	Header trace.Header      `json:"header" yaml:"header"`
	Rows   int64             `json:"rows"   yaml:"rows"`
	Kinds  []trace.KindStats `json:"kinds"  yaml:"kinds"`
}

func (desc *traceDescriptor) Format(w fmt.State, _ rune) {
	fmt.Fprintf(w, "Trace: %s\n", desc.Path)
	fmt.Fprintf(w, "Version: %s\n", desc.Header.Version())
	fmt.Fprintf(w, "Created: %s ago, %s\n",
		human.Duration(time.Since(desc.Header.Created)),
		desc.Header.Created.Format(time.RFC1123))
	fmt.Fprintf(w, "Compression: %s\n", desc.Header.Compression)
	fmt.Fprintf(w, "Rows: %s\n", human.Count(desc.Rows))
	if len(desc.Kinds) == 0 {
		return
	}
	io.WriteString(w, "---\n")
	// Kinds are listed in the order they first appear in the trace.
	t := textprint.NewTableWriter[trace.KindStats](w,
		textprint.OrderBy(func(a, b trace.KindStats) bool {
			return a.FirstID < b.FirstID
		}),
	)
	_, _ = t.Write(desc.Kinds)
	_ = t.Close()
}

func describe(ctx context.Context, args []string) error {
	output := stats.Text

	flagSet := newFlagSet("sysreplay describe", describeUsage)
	customVar(flagSet, &output, "o", "output")

	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return usageError("sysreplay describe: expected exactly one trace file as argument")
	}

	f, err := trace.OpenFile(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	desc := &traceDescriptor{
		Path:   args[0],
		Header: f.Header,
		Kinds:  f.Stats(),
	}
	for _, k := range desc.Kinds {
		desc.Rows += k.Rows
	}

	switch output {
	case stats.JSON:
		return writeOne(jsonprint.NewWriter[*traceDescriptor](os.Stdout), desc)
	case stats.YAML:
		return writeOne(yamlprint.NewWriter[*traceDescriptor](os.Stdout), desc)
	default:
		return writeOne(textprint.NewWriter[*traceDescriptor](os.Stdout, textprint.Format[*traceDescriptor]("%v")), desc)
	}
}
