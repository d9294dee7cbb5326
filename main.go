package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stealthrocket/sysreplay/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rc := cmd.Root(ctx, os.Args[1:]...)
	stop()
	os.Exit(rc)
}
