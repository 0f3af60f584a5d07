package bypass

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"github.com/FranksOps/prospector/internal/page"
)

// Detector examines a rendered page to determine whether the target refused
// to serve it: a login wall, a challenge, or a rate limit.
type Detector func(p *page.Page) (block page.Block, source string)

// DefaultDetectors returns the standard list of detectors. Rate limits are
// checked first since throttled responses often also render a login form.
func DefaultDetectors() []Detector {
	return []Detector{
		detectRateLimit,
		detectCheckpoint,
		detectLoginWall,
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
	}
}

// Analyze runs the page through all provided detectors. It updates the page
// in place with the block classification and returns it.
func Analyze(p *page.Page, detectors []Detector) page.Block {
	if p == nil {
		return page.BlockNone
	}
	for _, d := range detectors {
		if block, source := d(p); block != page.BlockNone {
			p.Block = block
			p.BlockSrc = source
			return block
		}
	}
	p.Block = page.BlockNone
	p.BlockSrc = ""
	return page.BlockNone
}

func getHeader(headers map[string][]string, key string) string {
	if vals, ok := headers[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	// Case-insensitive fallback
	lowerKey := strings.ToLower(key)
	for k, vals := range headers {
		if strings.ToLower(k) == lowerKey && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

func pathOf(p *page.Page) string {
	u, err := url.Parse(p.Location())
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Path)
}

var loginPaths = []string{"/login", "/authwall", "/uas/login", "/checkpoint/lg"}

// detectLoginWall flags pages that bounced an authenticated navigation back to
// a sign-in form, which means the session is no longer logged in.
func detectLoginWall(p *page.Page) (page.Block, string) {
	path := pathOf(p)
	for _, lp := range loginPaths {
		if strings.HasPrefix(path, lp) {
			return page.BlockLoginWall, "LoginWall"
		}
	}
	if bytes.Contains(p.Body, []byte(`name="session_password"`)) {
		return page.BlockLoginWall, "LoginWall"
	}
	return page.BlockNone, ""
}

// LoginWall returns a detector for a site whose sign-in form lives at
// loginPath and carries passwordField. It complements the built-in login wall
// detector for sites with a non-default layout.
func LoginWall(loginPath, passwordField string) Detector {
	loginPath = strings.ToLower(strings.TrimRight(loginPath, "/"))
	var markers [][]byte
	if passwordField != "" {
		markers = [][]byte{
			[]byte(`name="` + passwordField + `"`),
			[]byte(`name='` + passwordField + `'`),
		}
	}
	return func(p *page.Page) (page.Block, string) {
		if path := strings.TrimRight(pathOf(p), "/"); loginPath != "" &&
			(path == loginPath || strings.HasPrefix(path, loginPath+"/")) {
			return page.BlockLoginWall, "LoginWall"
		}
		for _, m := range markers {
			if bytes.Contains(p.Body, m) {
				return page.BlockLoginWall, "LoginWall"
			}
		}
		return page.BlockNone, ""
	}
}

// detectCheckpoint looks for security checkpoints and captcha frames.
func detectCheckpoint(p *page.Page) (page.Block, string) {
	if strings.HasPrefix(pathOf(p), "/checkpoint/challenge") {
		return page.BlockChallenge, "Checkpoint"
	}
	if bytes.Contains(p.Body, []byte(`iframe src="https://www.google.com/recaptcha`)) ||
		bytes.Contains(p.Body, []byte(`id="captcha-internal"`)) {
		return page.BlockChallenge, "Captcha"
	}
	return page.BlockNone, ""
}

// detectRateLimit recognizes throttling responses. 999 is the status some
// social sites return to suspected automation.
func detectRateLimit(p *page.Page) (page.Block, string) {
	if p.StatusCode == http.StatusTooManyRequests || p.StatusCode == 999 {
		return page.BlockRateLimited, "RateLimit"
	}
	lower := bytes.ToLower(p.Body)
	if bytes.Contains(lower, []byte("too many requests")) && bytes.Contains(lower, []byte("try again later")) {
		return page.BlockRateLimited, "RateLimit"
	}
	return page.BlockNone, ""
}

// detectCloudflare looks for common Cloudflare challenge/block signatures.
func detectCloudflare(p *page.Page) (page.Block, string) {
	if p.StatusCode == http.StatusForbidden || p.StatusCode == http.StatusServiceUnavailable {
		server := strings.ToLower(getHeader(p.Headers, "Server"))
		if strings.Contains(server, "cloudflare") {
			return page.BlockChallenge, "Cloudflare"
		}

		if bytes.Contains(p.Body, []byte("cf-browser-verification")) ||
			bytes.Contains(p.Body, []byte("cf-turnstile")) ||
			bytes.Contains(p.Body, []byte("Attention Required! | Cloudflare")) {
			return page.BlockChallenge, "Cloudflare"
		}
	}
	return page.BlockNone, ""
}

// detectAkamai looks for Akamai Bot Manager signatures.
func detectAkamai(p *page.Page) (page.Block, string) {
	if p.StatusCode == http.StatusForbidden {
		server := strings.ToLower(getHeader(p.Headers, "Server"))
		if strings.Contains(server, "akamai") {
			return page.BlockChallenge, "Akamai"
		}
		if bytes.Contains(p.Body, []byte("Reference #")) && bytes.Contains(p.Body, []byte("Access Denied")) {
			return page.BlockChallenge, "Akamai"
		}
	}
	return page.BlockNone, ""
}

// detectDataDome looks for DataDome challenge/block signatures.
func detectDataDome(p *page.Page) (page.Block, string) {
	if p.StatusCode == http.StatusForbidden {
		if getHeader(p.Headers, "X-DataDome") != "" || getHeader(p.Headers, "X-DataDome-Response") != "" {
			return page.BlockChallenge, "DataDome"
		}
		if bytes.Contains(p.Body, []byte("geo.captcha-delivery.com")) {
			return page.BlockChallenge, "DataDome"
		}
	}
	return page.BlockNone, ""
}

// detectPerimeterX looks for PerimeterX (HUMAN) signatures.
func detectPerimeterX(p *page.Page) (page.Block, string) {
	if p.StatusCode == http.StatusForbidden {
		if getHeader(p.Headers, "X-Px-Captcha") != "" {
			return page.BlockChallenge, "PerimeterX"
		}
		if bytes.Contains(p.Body, []byte("client.perimeterx.net")) ||
			bytes.Contains(p.Body, []byte("px-captcha")) {
			return page.BlockChallenge, "PerimeterX"
		}
	}
	return page.BlockNone, ""
}
