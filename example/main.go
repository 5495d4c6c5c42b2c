package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/webpecker"
)

func main() {
	// start mock target (see mock_server.go)
	go StartMockTarget(":9999")
	time.Sleep(100 * time.Millisecond)

	wp, err := webpecker.New(
		webpecker.WithPort(8080),
		webpecker.WithTitle("webpecker demo"),
		webpecker.WithDelay(200*time.Millisecond),
		webpecker.WithMaxConcurrent(4),
		webpecker.WithTimeout(600*time.Millisecond),
	)
	if err != nil {
		slog.Error("failed to create webpecker", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  webpecker demo")
	fmt.Println()
	fmt.Println("  Open http://localhost:8080 in your browser and probe:")
	fmt.Println("    http://localhost:9999/ok            200")
	fmt.Println("    http://localhost:9999/slow?ms=900   timeout (600ms call timeout)")
	fmt.Println("    http://localhost:9999/flaky         200 / 500 / 503")
	fmt.Println("    http://localhost:9999/hang          timeout")
	fmt.Println("    http://localhost:1                  network error")
	fmt.Println()
	fmt.Println("  Or from a terminal:")
	fmt.Println("    go run ./cmd/webpecker probe http://localhost:9999/flaky --repeat 20")
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := wp.Start(ctx); err != nil {
		slog.Error("webpecker error", "error", err)
		os.Exit(1)
	}
}
