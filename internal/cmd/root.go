package cmd

// Notes on program structure
// --------------------------
//
// sysreplay uses subcommands to invoke specific functionalities of the
// program. Each subcommand is implemented by a function named after the
// command, in a file of the same name (e.g. the "help" command is implemented
// by the help function in help.go).
//
// The usage message for each command is declared by a constant starting with
// the command name and followed by the suffix "Usage". For example, the usage
// message for the "help" command is declared by the constant helpUsage.
//
// The usage message contains a "Usage:	sysreplay <command>" section presenting
// the structure of the command. Note the tabulation separating "Usage:" and
// "sysreplay".
//
// Every option may also be set with an environment variable named after its
// long form, prefixed with SYSREPLAY_ (e.g. SYSREPLAY_LOG_FILE for
// --log-file). Options of the command line take precedence over environment
// variables, which take precedence over the configuration file.

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3"
	"golang.org/x/exp/slices"

	"github.com/stealthrocket/sysreplay/internal/config"
	"github.com/stealthrocket/sysreplay/internal/log"
)

const rootUsage = `sysreplay - Syscall Trace Replayer

sysreplay replays the file system syscalls captured in a trace against the
live kernel, with one worker per traced thread, and reports how the replayed
results compare to the captured ones.

Example:

   $ sysreplay convert -o app.systrace app.csv
   sysreplay convert: 1024 rows converted to app.systrace

   $ sysreplay replay -l replay.log app.systrace
   session:    0f9e4e5c-2c0a-4b56-a9e1-8f1d6c4d2a77
   mode:       replay
   ...

For a list of commands available, run 'sysreplay help'.`

const envPrefix = "SYSREPLAY"

// ExitCode is an error type returned from commands to indicate the exit code
// that should be returned by the program.
type ExitCode int

func (e ExitCode) Error() string {
	return fmt.Sprintf("exit: %d", e)
}

// usage is an error type returned from command functions to indicate a usage
// error.
//
// Usage errors cause the program to exit with status code 2.
type usage string

func usageError(msg string, args ...any) error {
	return usage(fmt.Sprintf(msg, args...))
}

func (e usage) Error() string {
	return string(e)
}

// Root is the sysreplay entrypoint. It returns the exit status of the
// program.
func Root(ctx context.Context, args ...string) int {
	flagSet := newFlagSet("sysreplay", helpUsage)
	customVar(flagSet, &config.Path, "c", "config")

	if err := flagSet.Parse(args); err != nil {
		return status("sysreplay", flagError(flagSet, err))
	}
	if args = flagSet.Args(); len(args) == 0 {
		fmt.Println(rootUsage)
		return 0
	}

	cmd, args := args[0], args[1:]

	var err error
	switch cmd {
	case "config":
		err = configCommand(ctx, args)
	case "convert":
		err = convert(ctx, args)
	case "describe":
		err = describe(ctx, args)
	case "help":
		err = help(ctx, args)
	case "replay":
		err = replay(ctx, args)
	case "version":
		err = version(ctx, args)
	default:
		err = unknown(ctx, cmd)
	}
	return status(cmd, err)
}

func status(cmd string, err error) int {
	var code ExitCode
	var msg usage
	switch {
	case err == nil:
		return 0
	case errors.As(err, &code):
		return int(code)
	case errors.As(err, &msg):
		fmt.Fprintf(os.Stderr, "%s\n", msg)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "ERR: sysreplay %s: %s\n", cmd, err)
		return 1
	}
}

func newFlagSet(cmd, usage string) *flag.FlagSet {
	usage = strings.TrimSpace(usage)
	flagSet := flag.NewFlagSet(cmd, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.Usage = func() { fmt.Println(usage) }
	return flagSet
}

func flagError(f *flag.FlagSet, err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return ExitCode(0)
	}
	return usageError("%s: %s", f.Name(), err)
}

// parseFlags is a greedy parser which consumes all options known to f and
// returns the remaining arguments. Options which were not given on the
// command line are then looked up in the environment.
func parseFlags(f *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := f.Parse(args); err != nil {
			return nil, flagError(f, err)
		}
		if args = f.Args(); len(args) == 0 {
			break
		}
		i := slices.IndexFunc(args, func(s string) bool {
			return strings.HasPrefix(s, "-") && s != "-"
		})
		if i < 0 {
			i = len(args)
		}
		if i == 0 {
			// Only reached after a "--" terminator.
			positional = append(positional, args...)
			break
		}
		positional = append(positional, args[:i]...)
		args = args[i:]
	}

	if err := ff.Parse(f, nil, ff.WithEnvVarPrefix(envPrefix)); err != nil {
		return nil, usageError("%s: %s", f.Name(), err)
	}
	return positional, nil
}

// isSet reports whether one of the named options was given on the command
// line or in the environment.
func isSet(f *flag.FlagSet, names ...string) (set bool) {
	f.Visit(func(fl *flag.Flag) {
		if slices.Contains(names, fl.Name) {
			set = true
		}
	})
	return set
}

func boolVar(f *flag.FlagSet, dst *bool, short, long string) {
	if short != "" {
		f.BoolVar(dst, short, *dst, "")
	}
	if long != "" {
		f.BoolVar(dst, long, *dst, "")
	}
}

func customVar(f *flag.FlagSet, dst flag.Value, short, long string) {
	if short != "" {
		f.Var(dst, short, "")
	}
	if long != "" {
		f.Var(dst, long, "")
	}
}

func intVar(f *flag.FlagSet, dst *int, short, long string) {
	if short != "" {
		f.IntVar(dst, short, *dst, "")
	}
	if long != "" {
		f.IntVar(dst, long, *dst, "")
	}
}

type logLevel struct{ log.Level }

func (l *logLevel) Set(s string) error {
	level, err := log.ParseLevel(s)
	if err != nil {
		return err
	}
	l.Level = level
	return nil
}
