package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"autodep/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "autodep:", err)
	}
	stop()
	os.Exit(result.ExitCode)
}
