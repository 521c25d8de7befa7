package client

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAuthenticationFailed is returned when the server refuses the token.
var ErrAuthenticationFailed = errors.New("authentication failed")

// friendlyError turns a print failure into the short message sent back in
// the acknowledgment, where it ends up in the server's audit history.
func friendlyError(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	mappings := []struct {
		pattern string
		message string
	}{
		{"no such file or directory", "PRINTER: Output directory is missing"},
		{"permission denied", "PRINTER: Output is not writable"},
		{"no space left on device", "PRINTER: Out of storage"},
		{"context deadline exceeded", "PRINTER: Timed out"},
		{"context canceled", "PRINTER: Shutting down"},
		{"failed to load image", "IMAGE: Invalid or corrupted base64 data"},
		{"decode composite content", "JOB: Invalid message and image content"},
		{"invalid job message", "JOB: Malformed job message"},
	}
	for _, m := range mappings {
		if strings.Contains(strings.ToLower(errStr), m.pattern) {
			return m.message
		}
	}
	return fmt.Sprintf("ERROR: %s", innermost(errStr))
}

// innermost keeps the last colon-separated segment of a wrapped error.
func innermost(errStr string) string {
	parts := strings.Split(errStr, ": ")
	return parts[len(parts)-1]
}
