package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/skipper/internal/cli"
	"github.com/harun/skipper/internal/tracing"
)

func main() {
	err := cli.Execute()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tracing.ShutdownOpenTelemetry(ctx)

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
