package main

import (
	"context"
	"log/slog"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("wsprobe failed", "error", err)
		os.Exit(1)
	}
}
