// Package auth validates printer client credentials and throttles repeated
// failures per IP.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultMaxFailures = 5
	DefaultLockout     = 5 * time.Minute
	CleanupInterval    = 5 * time.Minute
)

var (
	// ErrAuthenticationFailed is returned for a wrong or missing token.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrLockedOut is returned while an IP is locked out.
	ErrLockedOut = errors.New("too many failed attempts")
)

// Config holds the printer credential. TokenHashB64, a base64 encoded
// bcrypt hash, takes precedence over the plain Token.
type Config struct {
	Token        string
	TokenHashB64 string
	MaxFailures  int
	Lockout      time.Duration
}

type failInfo struct {
	count       int
	lockedUntil time.Time
	lastFailure time.Time
}

// Authenticator checks printer tokens and locks out IPs after repeated
// failures.
type Authenticator struct {
	token    []byte
	hash     []byte
	maxFail  int
	lockout  time.Duration
	failures map[string]failInfo
	mu       sync.RWMutex
	now      func() time.Time
	log      *zap.Logger
}

// New creates an authenticator. It fails when the hash is not valid base64.
func New(cfg Config, logger *zap.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = DefaultLockout
	}

	a := &Authenticator{
		maxFail:  cfg.MaxFailures,
		lockout:  cfg.Lockout,
		failures: make(map[string]failInfo),
		now:      time.Now,
		log:      logger,
	}
	if cfg.TokenHashB64 != "" {
		hash, err := base64.StdEncoding.DecodeString(cfg.TokenHashB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode printer token hash from base64: %w", err)
		}
		a.hash = hash
	} else if cfg.Token != "" {
		a.token = []byte(cfg.Token)
	}

	if !a.Enabled() {
		logger.Warn("[AUTH] no printer credential configured, every printer connection will be refused")
	}
	return a, nil
}

// Enabled reports whether a credential is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.hash) > 0 || len(a.token) > 0
}

// Validate compares token with the configured credential.
func (a *Authenticator) Validate(token string) bool {
	if token == "" {
		return false
	}
	if len(a.hash) > 0 {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
	}
	if len(a.token) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a.token, []byte(token)) == 1
}

// Authenticate checks token for a connection from ip and updates the
// failure counter.
func (a *Authenticator) Authenticate(ip, token string) error {
	if a.IsLockedOut(ip) {
		return ErrLockedOut
	}
	if !a.Validate(token) {
		a.RecordFailure(ip)
		return ErrAuthenticationFailed
	}
	a.Clear(ip)
	return nil
}

// IsLockedOut returns true while ip is serving a lockout.
func (a *Authenticator) IsLockedOut(ip string) bool {
	a.mu.RLock()
	info, exists := a.failures[ip]
	a.mu.RUnlock()
	if !exists {
		return false
	}
	return info.count >= a.maxFail && a.now().Before(info.lockedUntil)
}

// RecordFailure increments the failure counter for ip.
func (a *Authenticator) RecordFailure(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	info := a.failures[ip]
	if info.count >= a.maxFail && !now.Before(info.lockedUntil) {
		// Lockout served, start counting again.
		info = failInfo{}
	}
	info.count++
	info.lastFailure = now
	if info.count >= a.maxFail {
		info.lockedUntil = now.Add(a.lockout)
		a.log.Warn("[AUTH] printer client locked out",
			zap.String("ip", ip), zap.Duration("lockout", a.lockout), zap.Int("failures", info.count))
	}
	a.failures[ip] = info
}

// Clear resets the counter after a successful authentication.
func (a *Authenticator) Clear(ip string) {
	a.mu.Lock()
	delete(a.failures, ip)
	a.mu.Unlock()
}

// Run removes stale failure entries every CleanupInterval until ctx is done.
func (a *Authenticator) Run(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Debug("[AUTH] cleanup loop stopped")
			return
		case <-ticker.C:
			a.cleanup()
		}
	}
}

func (a *Authenticator) cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for ip, info := range a.failures {
		locked := info.count >= a.maxFail
		if (locked && now.After(info.lockedUntil)) || (!locked && now.Sub(info.lastFailure) > a.lockout) {
			delete(a.failures, ip)
		}
	}
}

// TokenFromRequest reads the printer token from the "token" query
// parameter or an "Authorization: Bearer" header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// HashToken returns the base64 encoded bcrypt hash of token, the format
// expected in the printer token hash setting.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(hash), nil
}
