package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tphakala/stallwatch/cmd"
	"github.com/tphakala/stallwatch/internal/buildinfo"
)

// Set at link time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   string
	buildDate string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cmd.RootCommand(buildinfo.NewContext(version, buildDate))
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
