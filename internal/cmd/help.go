package cmd

import (
	"context"
	"fmt"
	"strings"
)

const helpUsage = `
Usage:	sysreplay <command> [options]

Replay Commands:
   replay    Replay the syscalls of a trace against the live kernel
   describe  Show the content of a trace file

Trace Commands:
   convert   Convert CSV traces to the binary trace format

Other Commands:
   config    Show the sysreplay configuration
   help      Show usage information about sysreplay commands
   version   Show the sysreplay version information

For a description of each command, run 'sysreplay help <command>'.`

func help(ctx context.Context, args []string) error {
	flagSet := newFlagSet("sysreplay help", helpUsage)
	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}

	var cmd string
	var msg string

	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "config":
		msg = configUsage
	case "convert":
		msg = convertUsage
	case "describe":
		msg = describeUsage
	case "help", "":
		msg = helpUsage
	case "replay":
		msg = replayUsage
	case "version":
		msg = versionUsage
	default:
		return usageError("sysreplay help %s: unknown command", cmd)
	}

	fmt.Println(strings.TrimSpace(msg))
	return nil
}
