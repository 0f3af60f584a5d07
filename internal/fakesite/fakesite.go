// Package fakesite serves a small people-search site with a login wall, used
// by tests that exercise a whole session against a real HTTP server.
package fakesite

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	cookieName = "li_at"
	csrfToken  = "csrf-7f3a"
)

// Options shapes the fake site.
type Options struct {
	Username string
	Password string
	// Profiles is the number of distinct profile anchors on the search page.
	Profiles int
	// Sparse lists profile slugs rendered without name, location or skills.
	Sparse map[string]bool
	// Status forces an HTTP status, with a short error page, for the given
	// profile slugs.
	Status map[string]int
	// Robots is served as /robots.txt. Empty allows everything.
	Robots string
}

// Site is a running fake target.
type Site struct {
	*httptest.Server
	opts Options

	mu       sync.Mutex
	sessions map[string]bool
	logins   int
	searches int
	visits   map[string]int
	lastQ    string
}

// New starts the site. Close it with Site.Close.
func New(opts Options) *Site {
	if opts.Username == "" {
		opts.Username = "operator@example.com"
	}
	if opts.Password == "" {
		opts.Password = "correct horse"
	}
	if opts.Robots == "" {
		opts.Robots = "User-agent: *\nAllow: /\n"
	}

	s := &Site{
		opts:     opts,
		sessions: make(map[string]bool),
		visits:   make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(opts.Robots))
	})
	mux.HandleFunc("/login", s.loginPage)
	mux.HandleFunc("/authwall", s.loginPage)
	mux.HandleFunc("/checkpoint/lg/login-submit", s.loginSubmit)
	mux.HandleFunc("/feed/", s.authed(func(w http.ResponseWriter, r *http.Request) {
		write(w, "<h1>Your feed</h1>")
	}))
	mux.HandleFunc("/search/results/people/", s.authed(s.search))
	mux.HandleFunc("/in/", s.authed(s.profile))

	s.Server = httptest.NewServer(mux)
	return s
}

// Username and Password are the credentials the site accepts.
func (s *Site) Username() string { return s.opts.Username }
func (s *Site) Password() string { return s.opts.Password }

// Logins returns how many credential submissions the site received.
func (s *Site) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Searches returns how many search pages were served.
func (s *Site) Searches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches
}

// Visits returns how often the profile with slug was served.
func (s *Site) Visits(slug string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visits[slug]
}

// LastQuery returns the raw query of the latest search.
func (s *Site) LastQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQ
}

// Expire logs every session out server-side.
func (s *Site) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]bool)
}

// Slug returns the profile slug of the i-th search result.
func Slug(i int) string { return "person-" + strconv.Itoa(i) }

func (s *Site) loginPage(w http.ResponseWriter, r *http.Request) {
	write(w, fmt.Sprintf(`<html><body>
<form method="post" action="/checkpoint/lg/login-submit">
  <input type="hidden" name="loginCsrfParam" value="%s">
  <input type="text" name="session_key">
  <input type="password" name="session_password">
  <button type="submit">Sign in</button>
</form></body></html>`, csrfToken))
}

func (s *Site) loginSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	s.logins++
	s.mu.Unlock()

	if r.FormValue("loginCsrfParam") != csrfToken ||
		r.FormValue("session_key") != s.opts.Username ||
		r.FormValue("session_password") != s.opts.Password {
		http.Redirect(w, r, "/login?error=1", http.StatusSeeOther)
		return
	}

	token := uuid.New().String()
	s.mu.Lock()
	s.sessions[token] = true
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: cookieName, Value: token, Path: "/", HttpOnly: true})
	http.Redirect(w, r, "/feed/", http.StatusSeeOther)
}

func (s *Site) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(cookieName)
		s.mu.Lock()
		ok := err == nil && s.sessions[c.Value]
		s.mu.Unlock()
		if !ok {
			http.Redirect(w, r, "/authwall?sessionRedirect="+r.URL.Path, http.StatusFound)
			return
		}
		next(w, r)
	}
}

func (s *Site) search(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.searches++
	s.lastQ = r.URL.RawQuery
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<html><body><a href="/feed/">Home</a><a href="/company/acme/">Acme</a><ul>`)
	for i := 0; i < s.opts.Profiles; i++ {
		// Every result links twice, as real result cards do.
		fmt.Fprintf(&b, `<li><a href="/in/%s/?miniProfileUrn=urn%d">photo</a><a href="/in/%s/">Person %d</a></li>`,
			Slug(i), i, Slug(i), i)
	}
	b.WriteString(`</ul></body></html>`)
	write(w, b.String())
}

func (s *Site) profile(w http.ResponseWriter, r *http.Request) {
	slug := strings.Trim(strings.TrimPrefix(r.URL.Path, "/in/"), "/")
	s.mu.Lock()
	s.visits[slug]++
	s.mu.Unlock()

	if code, ok := s.opts.Status[slug]; ok {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(code)
		write(w, fmt.Sprintf("<html><body><h1>%s</h1></body></html>", http.StatusText(code)))
		return
	}
	if s.opts.Sparse[slug] {
		write(w, "<html><body><p>This profile is private.</p></body></html>")
		return
	}

	name := strings.ReplaceAll(slug, "-", " ")
	write(w, fmt.Sprintf(`<html><body>
<h1>%s</h1>
<span class="text-body-small">Remote</span>
<ul>
  <li><span class="pv-skill-category-entity__name-text">Python</span></li>
  <li><span class="pv-skill-category-entity__name-text">SQL</span></li>
</ul></body></html>`, html.EscapeString(name)))
}

func write(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}
