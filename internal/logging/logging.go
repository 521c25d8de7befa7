// Package logging builds the service logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// MaxLogSize is the size at which the log file is trimmed on start.
	MaxLogSize = 5 * 1024 * 1024
	// KeepLines is how many trailing lines survive a trim.
	KeepLines = 1000
)

// Options configure the logger.
type Options struct {
	// Verbose enables debug messages and console encoding.
	Verbose bool
	// File receives a copy of the log when set.
	File string
}

// New builds a logger writing to stdout and, optionally, a file. The
// returned level can be changed at runtime.
func New(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	encoding := "json"
	if opts.Verbose {
		level.SetLevel(zap.DebugLevel)
		encoding = "console"
	}

	outputs := []string{"stdout"}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, level, fmt.Errorf("create log directory: %w", err)
		}
		if err := rotateIfNeeded(opts.File); err != nil {
			fmt.Fprintf(os.Stderr, "[!] log rotation failed: %v\n", err)
		}
		outputs = append(outputs, opts.File)
	}

	cfg := zap.Config{
		Level:            level,
		Encoding:         encoding,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:   "msg",
			LevelKey:     "level",
			TimeKey:      "time",
			CallerKey:    "caller",
			EncodeLevel:  zapcore.LowercaseLevelEncoder,
			EncodeTime:   zapcore.ISO8601TimeEncoder,
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, level, fmt.Errorf("build logger: %w", err)
	}
	return logger, level, nil
}

// FileSize returns the size of the log file, or 0 when it is missing.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// rotateIfNeeded trims the file to its last KeepLines lines once it grows
// past MaxLogSize.
func rotateIfNeeded(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < MaxLogSize {
		return nil
	}

	lines := readLastNLines(path, KeepLines)
	if len(lines) == 0 {
		return nil
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

// readLastNLines reads up to n trailing lines from the last 64 KiB of path.
func readLastNLines(path string, n int) []string {
	file, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil || stat.Size() == 0 {
		return nil
	}
	size := stat.Size()

	bufSize := min(int64(64*1024), size)
	buf := make([]byte, bufSize)
	if _, err := file.ReadAt(buf, size-bufSize); err != nil && err != io.EOF {
		return nil
	}

	lines := strings.Split(string(buf), "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	// Started mid-line.
	if size > bufSize && len(lines) > 0 {
		lines = lines[1:]
	}

	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
