package stats

import (
	"fmt"
	"io"

	"github.com/stealthrocket/sysreplay/internal/print/human"
	"github.com/stealthrocket/sysreplay/internal/print/jsonprint"
	"github.com/stealthrocket/sysreplay/internal/print/textprint"
	"github.com/stealthrocket/sysreplay/internal/print/yamlprint"
	"github.com/stealthrocket/sysreplay/internal/stream"
)

// Report is the summary printed at the end of a replay.
type Report struct {
	Session    string         `json:"session"    yaml:"session"`
	Mode       string         `json:"mode"       yaml:"mode"`
	Duration   human.Duration `json:"duration"   yaml:"duration"`
	Records    int64          `json:"records"    yaml:"records"`
	Mismatches int64          `json:"mismatches" yaml:"mismatches"`
	Warnings   int64          `json:"warnings"   yaml:"warnings"`
	Orphans    int64          `json:"orphans"    yaml:"orphans"`
	Syscalls   []SyscallStats `json:"syscalls"   yaml:"syscalls"`
	IO         []IOStats      `json:"io"         yaml:"io"`
}

// Format is the output format of reports.
type Format string

const (
	Text Format = "text"
	JSON Format = "json"
	YAML Format = "yaml"
)

func (f Format) String() string { return string(f) }

func (f *Format) Set(s string) error {
	switch v := Format(s); v {
	case Text, JSON, YAML:
		*f = v
		return nil
	default:
		return fmt.Errorf("unsupported output format: %q (expected text, json, or yaml)", s)
	}
}

type ioRow struct {
	Kind        string      `text:"SYSCALL"`
	Calls       int64       `text:"CALLS"`
	Requested   human.Bytes `text:"REQUESTED"`
	Transferred human.Bytes `text:"TRANSFERRED"`
}

// WriteReport writes the report to w in the given format.
func WriteReport(w io.Writer, format Format, report *Report) error {
	switch format {
	case JSON:
		return writeValue(jsonprint.NewWriter[*Report](w), report)
	case YAML:
		return writeValue(yamlprint.NewWriter[*Report](w), report)
	default:
		return writeText(w, report)
	}
}

func writeValue(w stream.WriteCloser[*Report], report *Report) error {
	if _, err := w.Write([]*Report{report}); err != nil {
		return err
	}
	return w.Close()
}

func writeText(w io.Writer, report *Report) error {
	fmt.Fprintf(w, "session:    %s\n", report.Session)
	fmt.Fprintf(w, "mode:       %s\n", report.Mode)
	fmt.Fprintf(w, "duration:   %s\n", report.Duration)
	fmt.Fprintf(w, "records:    %d\n", report.Records)
	fmt.Fprintf(w, "mismatches: %d\n", report.Mismatches)
	fmt.Fprintf(w, "warnings:   %d\n", report.Warnings)
	if report.Orphans > 0 {
		fmt.Fprintf(w, "orphans:    %d\n", report.Orphans)
	}

	if len(report.Syscalls) > 0 {
		io.WriteString(w, "\n")
		t := textprint.NewTableWriter[SyscallStats](textprint.Indent(w, "  "))
		if _, err := stream.Copy[SyscallStats](t, stream.NewReader(report.Syscalls...)); err != nil {
			return err
		}
		if err := t.Close(); err != nil {
			return err
		}
	}

	if len(report.IO) > 0 {
		io.WriteString(w, "\n")
		rows := make([]ioRow, len(report.IO))
		total := ioRow{Kind: "total"}
		for i, s := range report.IO {
			rows[i] = ioRow{s.Kind.String(), s.Calls, s.Requested, s.Transferred}
			total.Calls += s.Calls
			total.Requested += s.Requested
			total.Transferred += s.Transferred
		}
		t := textprint.NewTableWriter[ioRow](textprint.Indent(w, "  "),
			textprint.Footer(total),
		)
		if _, err := t.Write(rows); err != nil {
			return err
		}
		if err := t.Close(); err != nil {
			return err
		}
	}
	return nil
}
