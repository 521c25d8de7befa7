// Package tokens holds the friendship tokens that let submitters bypass
// rate limiting and the queue bound.
package tokens

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync/atomic"
)

// Token is one friendship token entry.
type Token struct {
	Name    string `yaml:"name" json:"name"`
	Label   string `yaml:"label" json:"label"`
	Message string `yaml:"message" json:"message"`
	Token   string `yaml:"token" json:"-"`
}

type entry struct {
	digest [sha256.Size]byte
	token  Token
}

// Registry answers token lookups. The whole set is swapped atomically on
// Replace, so readers never see a partial update.
type Registry struct {
	entries atomic.Pointer[[]entry]
}

// NewRegistry creates a registry holding tokens.
func NewRegistry(tokens []Token) *Registry {
	r := &Registry{}
	r.Replace(tokens)
	return r
}

// Replace swaps in a new token set. Entries with an empty token are ignored.
func (r *Registry) Replace(tokens []Token) {
	entries := make([]entry, 0, len(tokens))
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		entries = append(entries, entry{digest: sha256.Sum256([]byte(t.Token)), token: t})
	}
	r.entries.Store(&entries)
}

// Check reports whether token grants a bypass. Unknown or empty tokens
// return false.
func (r *Registry) Check(token string) bool {
	_, ok := r.Lookup(token)
	return ok
}

// Lookup returns the entry for token. Every entry is compared, matched or
// not, and comparisons run on fixed-size digests in constant time.
func (r *Registry) Lookup(token string) (Token, bool) {
	if token == "" {
		return Token{}, false
	}

	digest := sha256.Sum256([]byte(token))
	var (
		found Token
		match int
	)
	for _, e := range r.snapshot() {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			found = e.token
			match = 1
		}
	}
	return found, match == 1
}

// List returns the current entries.
func (r *Registry) List() []Token {
	snap := r.snapshot()
	out := make([]Token, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.token)
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.snapshot())
}

func (r *Registry) snapshot() []entry {
	p := r.entries.Load()
	if p == nil {
		return nil
	}
	return *p
}
