package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/printer"
	"github.com/adcondev/printomat/internal/queue"
)

// Printer executes one job. A returned error is reported to the server as
// a failed acknowledgment.
type Printer interface {
	Print(ctx context.Context, job printer.JobMessage) error
}

// LogPrinter simulates a printer by logging each job after a short delay.
type LogPrinter struct {
	Delay time.Duration
	Log   *zap.Logger
}

func (p *LogPrinter) Print(ctx context.Context, job printer.JobMessage) error {
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.Log != nil {
		p.Log.Info("[CLIENT] printed job",
			zap.Int64("job_id", job.ID), zap.String("type", job.Type), zap.Int("size", len(job.Content)))
	}
	return nil
}

// FilePrinter writes each job to Dir as job_<id>_<timestamp>.txt.
type FilePrinter struct {
	Dir string
	now func() time.Time
}

// NewFilePrinter creates dir when missing.
func NewFilePrinter(dir string) (*FilePrinter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &FilePrinter{Dir: dir, now: time.Now}, nil
}

func (p *FilePrinter) Print(_ context.Context, job printer.JobMessage) error {
	now := time.Now()
	if p.now != nil {
		now = p.now()
	}

	body, err := renderJob(job)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Job ID: %d\n", job.ID)
	fmt.Fprintf(&sb, "Type: %s\n", job.Type)
	fmt.Fprintf(&sb, "Timestamp: %s\n", now.Format(time.RFC3339))
	sb.WriteString(strings.Repeat("=", 40) + "\n")
	sb.WriteString(body)

	name := filepath.Join(p.Dir, fmt.Sprintf("job_%d_%s.txt", job.ID, now.Format("20060102_150405")))
	if err := os.WriteFile(name, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	return nil
}

// renderJob turns job content into printable text. Images are summarized.
func renderJob(job printer.JobMessage) (string, error) {
	switch queue.Kind(job.Type) {
	case queue.KindImage:
		return describeImage(job.Content)
	case queue.KindOther:
		c, err := printer.DecodeComposite(job.Content)
		if err != nil {
			return "", err
		}
		img, err := describeImage(c.Image)
		if err != nil {
			return "", err
		}
		return c.Message + "\n" + img, nil
	default:
		return job.Content, nil
	}
}

func describeImage(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}
	return fmt.Sprintf("[image, %d bytes]", len(raw)), nil
}
