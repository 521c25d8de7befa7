// Package main is the entry point of the printomat print service. It runs
// as an OS service or, with -console, in the foreground.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/judwhite/go-svc"

	"github.com/adcondev/printomat/internal/daemon"
)

func main() {
	consoleMode := flag.Bool("console", false, "Run in console mode (not as service)")
	configPath := flag.String("config", "", "Path to printomat.yaml (default ./printomat.yaml)")
	flag.Parse()

	prg := &daemon.Program{ConfigPath: *configPath}

	if *consoleMode || isInteractive() {
		runConsole(prg)
		return
	}
	if err := svc.Run(prg, syscall.SIGINT, syscall.SIGTERM); err != nil {
		log.Fatal(err)
	}
}

// runConsole runs the program in the foreground until interrupted.
func runConsole(prg *daemon.Program) {
	if err := prg.Init(nil); err != nil {
		log.Fatalf("Init failed: %v", err)
	}
	if err := prg.Start(); err != nil {
		log.Fatalf("Start failed: %v", err)
	}

	log.Println("printomat running in console mode, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	if err := prg.Stop(); err != nil {
		log.Printf("Stop failed: %v", err)
	}
}

// isInteractive reports whether stdin is a terminal.
func isInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
