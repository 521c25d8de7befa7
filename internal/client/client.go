// Package client is a printer client: it connects to the print server,
// prints delivered jobs and acknowledges each one, reconnecting with backoff
// when the connection drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/adcondev/printomat/internal/printer"
)

// DefaultReadLimit fits jobs carrying base64 images.
const DefaultReadLimit = 16 << 20

// Config holds client settings.
type Config struct {
	// URL of the server's printer endpoint, e.g. ws://localhost:8000/ws.
	URL   string
	Token string
	// Backoff between connection attempts. Defaults to NewBackoff().
	Backoff     *Backoff
	DialTimeout time.Duration
	ReadLimit   int64
}

// Stats counts jobs handled since the client started.
type Stats struct {
	Received  int64 `json:"received"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Client receives and prints jobs.
type Client struct {
	cfg     Config
	url     string
	printer Printer
	log     *zap.Logger

	received  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// New validates cfg and builds a client printing through p.
func New(cfg Config, p Printer, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server url must use ws or wss, got %q", u.Scheme)
	}
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, url: u.String(), printer: p, log: logger}, nil
}

// Stats returns the job counters.
func (c *Client) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
	}
}

// Run connects and serves jobs until ctx is cancelled or the server rejects
// the token. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.Backoff
	for {
		connected, err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthenticationFailed) {
			c.log.Error("[CLIENT] authentication failed, giving up", zap.Error(err))
			return err
		}
		if connected {
			backoff.Reset()
		}

		wait := backoff.Next()
		c.log.Warn("[CLIENT] connection lost, reconnecting",
			zap.Error(err), zap.Duration("retry_in", wait), zap.Int("attempt", backoff.Attempt()))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// serve runs one connection. connected reports whether the handshake
// succeeded.
func (c *Client) serve(ctx context.Context) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(c.cfg.ReadLimit)
	c.log.Info("[CLIENT] connected to server")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("read job: %w", err)
		}

		ack := c.handle(ctx, data)
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return true, fmt.Errorf("send acknowledgment: %w", err)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: server answered %s", ErrAuthenticationFailed, resp.Status)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// handle prints one message and builds its acknowledgment.
func (c *Client) handle(ctx context.Context, data []byte) printer.Ack {
	c.received.Add(1)

	var job printer.JobMessage
	if err := json.Unmarshal(data, &job); err != nil {
		c.failed.Add(1)
		c.log.Error("[CLIENT] failed to parse job", zap.Error(err))
		return printer.Failed(errors.New(friendlyError(fmt.Errorf("invalid job message: %w", err))))
	}

	c.log.Info("[CLIENT] received job",
		zap.Int64("job_id", job.ID), zap.String("type", job.Type), zap.Int("size", len(job.Content)))

	if err := c.printer.Print(ctx, job); err != nil {
		c.failed.Add(1)
		c.log.Error("[CLIENT] print failed", zap.Int64("job_id", job.ID), zap.Error(err))
		return printer.Failed(errors.New(friendlyError(err)))
	}

	c.succeeded.Add(1)
	return printer.Succeeded()
}
