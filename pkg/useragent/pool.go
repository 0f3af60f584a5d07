// Package useragent picks the browser identity a session presents.
package useragent

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync/atomic"
)

// DefaultPool holds desktop Chrome User-Agents only. Sessions are driven either
// by a real Chrome or by an HTTP client presenting a Chrome TLS fingerprint, so
// advertising another browser family would contradict the handshake.
var DefaultPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
}

// Pool is a set of User-Agents. A session takes one when it opens and keeps
// it for its whole lifetime, so rotation happens between sessions.
type Pool struct {
	uas  []string
	next atomic.Uint64
}

// NewPool builds a pool from uas, dropping blanks and duplicates. An empty
// result falls back to DefaultPool. The starting point of the rotation is
// random so restarts do not always open with the same browser.
func NewPool(uas []string) *Pool {
	seen := make(map[string]bool, len(uas))
	cleaned := make([]string, 0, len(uas))
	for _, ua := range uas {
		ua = strings.TrimSpace(ua)
		if ua == "" || seen[ua] {
			continue
		}
		seen[ua] = true
		cleaned = append(cleaned, ua)
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultPool...)
	}

	p := &Pool{uas: cleaned}
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(len(cleaned)))); err == nil {
		p.next.Store(n.Uint64())
	}
	return p
}

// ForSession returns the User-Agent the next session should present. It is
// safe for concurrent use.
func (p *Pool) ForSession() string {
	idx := p.next.Add(1) - 1
	return p.uas[idx%uint64(len(p.uas))]
}

// Len is the number of distinct User-Agents in the pool.
func (p *Pool) Len() int { return len(p.uas) }
