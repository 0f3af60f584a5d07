package page

import "time"

// Block classifies why a target refused to serve the requested page.
type Block string

const (
	BlockNone        Block = ""
	BlockLoginWall   Block = "login_wall"
	BlockChallenge   Block = "challenge"
	BlockRateLimited Block = "rate_limited"
)

// Page is a rendered snapshot of one navigation.
type Page struct {
	ID         string
	URL        string // requested URL
	FinalURL   string // URL after redirects / client-side navigation
	StatusCode int    // 0 when the transport does not expose it
	Headers    map[string][]string
	Body       []byte
	Duration   time.Duration
	Block      Block
	BlockSrc   string // e.g. "Cloudflare", "LoginWall", "RateLimit"
	CreatedAt  time.Time
	Error      string // non-empty if the navigation failed before a response
}

// Location returns the URL the page was actually served from.
func (p *Page) Location() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// Empty reports whether the page carries no markup at all.
func (p *Page) Empty() bool {
	return p == nil || len(p.Body) == 0
}
