package cmd

import (
	"context"
)

const unknownCommand = `sysreplay %s: unknown command
For a list of commands available, run 'sysreplay help'`

func unknown(ctx context.Context, cmd string) error {
	return usageError(unknownCommand, cmd)
}
