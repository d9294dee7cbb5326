package cmd

import (
	"context"
	"fmt"
	"runtime/debug"
)

const versionUsage = `
Usage:	sysreplay version

Options:
   -h, --help  Show this usage information
`

func version(ctx context.Context, args []string) error {
	flagSet := newFlagSet("sysreplay version", versionUsage)
	args, err := parseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if len(args) != 0 {
		return usageError("sysreplay version: unexpected arguments: %q", args)
	}
	fmt.Printf("sysreplay %s\n", currentVersion())
	return nil
}

func currentVersion() string {
	version := "devel"
	if info, ok := debug.ReadBuildInfo(); ok {
		switch info.Main.Version {
		case "":
		case "(devel)":
		default:
			version = info.Main.Version
		}
	}
	return version
}
