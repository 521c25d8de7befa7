// Package main is a printer client: it connects to a printomat server,
// prints the jobs it receives and acknowledges each one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/client"
	"github.com/adcondev/printomat/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	serverURL := flag.String("server", "ws://localhost:8000/ws", "WebSocket server URL")
	token := flag.String("token", os.Getenv("PRINTOMAT_PRINTER_TOKEN"), "Printer authentication token")
	outputDir := flag.String("output-dir", "", "Directory to save printed jobs (default: log only)")
	quiet := flag.Bool("quiet", false, "Only log warnings and errors")
	fixed := flag.Bool("fixed-backoff", false, "Retry at a fixed interval instead of exponentially")
	maxBackoff := flag.Duration("max-backoff", client.DefaultMaxBackoff, "Longest wait between reconnects")
	flag.Parse()

	logger, level, err := logging.New(logging.Options{Verbose: !*quiet})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	if *quiet {
		level.SetLevel(zap.WarnLevel)
	}

	var p client.Printer = &client.LogPrinter{Delay: 500 * time.Millisecond, Log: logger}
	if *outputDir != "" {
		fp, err := client.NewFilePrinter(*outputDir)
		if err != nil {
			logger.Error("[CLIENT] output directory unusable", zap.Error(err))
			return 1
		}
		p = fp
	}

	backoff := client.NewBackoff()
	backoff.Max = *maxBackoff
	if *fixed {
		backoff.Initial = 5 * time.Second
		backoff.Multiplier = 1
	}

	c, err := client.New(client.Config{URL: *serverURL, Token: *token, Backoff: backoff}, p, logger)
	if err != nil {
		logger.Error("[CLIENT] invalid configuration", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("[CLIENT] printer client starting",
		zap.String("server", *serverURL), zap.String("output_dir", *outputDir))
	runErr := c.Run(ctx)

	stats := c.Stats()
	logger.Warn("[CLIENT] stopped",
		zap.Int64("received", stats.Received),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed))

	if errors.Is(runErr, client.ErrAuthenticationFailed) {
		return 2
	}
	return 0
}
