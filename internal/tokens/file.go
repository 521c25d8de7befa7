package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// ErrDuplicateLabel is returned by Add when the derived label is taken.
	ErrDuplicateLabel = errors.New("token label already exists")
	// ErrTokenNotFound is returned by Remove when no entry matches.
	ErrTokenNotFound = errors.New("token not found")
)

// reloadDebounce groups the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

type fileContents struct {
	FriendshipTokens []Token `yaml:"friendship_tokens"`
}

// fileMu serializes read-modify-write cycles within one process.
var fileMu sync.Mutex

// Load reads the token file. A missing file yields an empty set.
func Load(path string) ([]Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", path, err)
	}
	for i, t := range contents.FriendshipTokens {
		if t.Label == "" {
			contents.FriendshipTokens[i].Label = LabelFromName(t.Name)
		}
	}
	return contents.FriendshipTokens, nil
}

// Save writes tokens to path, replacing the file in one rename.
func Save(path string, tokens []Token) error {
	data, err := yaml.Marshal(fileContents{FriendshipTokens: tokens})
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write tokens: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write tokens: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("failed to set token file mode: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Add appends a token for name with a freshly generated value.
func Add(path, name, message string) (Token, error) {
	name = strings.TrimSpace(name)
	label := LabelFromName(name)
	if label == "" {
		return Token{}, fmt.Errorf("invalid token name %q", name)
	}

	fileMu.Lock()
	defer fileMu.Unlock()

	existing, err := Load(path)
	if err != nil {
		return Token{}, err
	}
	for _, t := range existing {
		if t.Label == label {
			return Token{}, fmt.Errorf("%w: %s", ErrDuplicateLabel, label)
		}
	}

	value, err := generate()
	if err != nil {
		return Token{}, err
	}
	tok := Token{Name: name, Label: label, Message: message, Token: value}
	if err := Save(path, append(existing, tok)); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Remove deletes the entry whose name or label matches key.
func Remove(path, key string) (Token, error) {
	fileMu.Lock()
	defer fileMu.Unlock()

	existing, err := Load(path)
	if err != nil {
		return Token{}, err
	}
	for i, t := range existing {
		if t.Name == key || t.Label == key {
			rest := append(existing[:i:i], existing[i+1:]...)
			if err := Save(path, rest); err != nil {
				return Token{}, err
			}
			return t, nil
		}
	}
	return Token{}, fmt.Errorf("%w: %s", ErrTokenNotFound, key)
}

// LabelFromName lower-cases name and turns every run of characters that are
// not letters or digits into a single underscore.
func LabelFromName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func generate() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Watch reloads reg whenever the token file changes, until ctx is done.
// A file that fails to parse leaves the previous set in force.
func Watch(ctx context.Context, path string, reg *Registry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and Save replace the file by rename.
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	reload := func() {
		toks, err := Load(path)
		if err != nil {
			logger.Warn("[TOKENS] reload failed, keeping previous tokens", zap.Error(err))
			return
		}
		reg.Replace(toks)
		logger.Info("[TOKENS] friendship tokens reloaded", zap.Int("count", reg.Len()))
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				debounce = time.After(reloadDebounce)
			}
		case <-debounce:
			debounce = nil
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[TOKENS] watcher error", zap.Error(err))
		}
	}
}
