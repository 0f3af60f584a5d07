package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/prospector/internal/fakesite"
	"github.com/FranksOps/prospector/internal/fingerprint"
	"github.com/FranksOps/prospector/internal/page"
	"github.com/FranksOps/prospector/internal/scraper"
)

func newHTTPDriver(t *testing.T, site *fakesite.Site, creds Credentials, robots bool) *HTTPDriver {
	t.Helper()
	d, err := NewHTTPDriver(HTTPConfig{
		Site:          scraper.Site{BaseURL: site.URL},
		Credentials:   creds,
		Fetch:         scraper.FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo},
		RespectRobots: robots,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func validCreds(site *fakesite.Site) Credentials {
	return Credentials{Username: site.Username(), Password: site.Password()}
}

func TestHTTPDriver_OpenAndNavigate(t *testing.T) {
	site := fakesite.New(fakesite.Options{Profiles: 3})
	defer site.Close()

	d := newHTTPDriver(t, site, validCreds(site), false)
	ctx := context.Background()

	if _, err := d.Navigate(ctx, site.URL+"/feed/"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen before Open, got %v", err)
	}

	if err := d.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := d.Open(ctx); err != nil {
		t.Fatalf("second open should be a no-op, got %v", err)
	}
	if site.Logins() != 1 {
		t.Errorf("expected exactly one login attempt, got %d", site.Logins())
	}

	p, err := d.Navigate(ctx, site.URL+"/in/person-1/")
	if err != nil {
		t.Fatalf("unexpected navigate error: %v", err)
	}
	if !strings.Contains(string(p.Body), "person 1") {
		t.Errorf("expected profile markup, got %s", p.Body)
	}
	if p.Block != page.BlockNone {
		t.Errorf("expected unblocked page, got %q", p.Block)
	}
}

func TestHTTPDriver_BadCredentials(t *testing.T) {
	site := fakesite.New(fakesite.Options{})
	defer site.Close()

	d := newHTTPDriver(t, site, Credentials{Username: site.Username(), Password: "wrong"}, false)
	ctx := context.Background()

	if err := d.Open(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if err := d.Open(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected failed driver to stay failed, got %v", err)
	}
	if site.Logins() != 1 {
		t.Errorf("expected a single login attempt, got %d", site.Logins())
	}
	if _, err := d.Navigate(ctx, site.URL+"/feed/"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected failed driver to be closed, got %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("close after failed open should be safe, got %v", err)
	}
}

// newSignInSite serves a target whose sign-in form lives at /signin with a
// "pwd" password field. Failed sign-ins bounce back to the form.
func newSignInSite(t *testing.T, password string) *httptest.Server {
	t.Helper()
	form := `<html><body><form method="post" action="/signin/submit">
<input name="user"><input type="password" name="pwd"></form></body></html>`
	var mu sync.Mutex
	authed := false
	mux := http.NewServeMux()
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(form))
	})
	mux.HandleFunc("/signin/submit", func(w http.ResponseWriter, r *http.Request) {
		if r.PostFormValue("pwd") != password {
			http.Redirect(w, r, "/signin?error=1", http.StatusSeeOther)
			return
		}
		mu.Lock()
		authed = true
		mu.Unlock()
		http.Redirect(w, r, "/home", http.StatusSeeOther)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := authed
		mu.Unlock()
		if !ok {
			http.Redirect(w, r, "/signin", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h1>Welcome back</h1></body></html>"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newSignInDriver(t *testing.T, ts *httptest.Server, password string) *HTTPDriver {
	t.Helper()
	d, err := NewHTTPDriver(HTTPConfig{
		Site: scraper.Site{
			BaseURL:       ts.URL,
			LoginPath:     "/signin",
			ProbePath:     "/home",
			UsernameField: "user",
			PasswordField: "pwd",
		},
		Credentials: Credentials{Username: "ops", Password: password},
		Fetch:       scraper.FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestHTTPDriver_CustomSiteBadCredentials(t *testing.T) {
	ts := newSignInSite(t, "s3cret")
	d := newSignInDriver(t, ts, "wrong")

	if err := d.Open(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestHTTPDriver_CustomSiteLoginWall(t *testing.T) {
	ts := newSignInSite(t, "s3cret")
	d := newSignInDriver(t, ts, "s3cret")
	ctx := context.Background()

	if err := d.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if _, err := d.Navigate(ctx, ts.URL+"/home"); err != nil {
		t.Fatalf("unexpected navigate error: %v", err)
	}
	if _, err := d.Navigate(ctx, ts.URL+"/signin?next=/home"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired on the sign-in form, got %v", err)
	}
}

func TestHTTPDriver_MissingCredentials(t *testing.T) {
	site := fakesite.New(fakesite.Options{})
	defer site.Close()

	d := newHTTPDriver(t, site, Credentials{}, false)
	if err := d.Open(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if site.Logins() != 0 {
		t.Errorf("expected no traffic without credentials, got %d logins", site.Logins())
	}
}

func TestHTTPDriver_Expired(t *testing.T) {
	site := fakesite.New(fakesite.Options{Profiles: 1})
	defer site.Close()

	d := newHTTPDriver(t, site, validCreds(site), false)
	ctx := context.Background()
	if err := d.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	site.Expire()

	if _, err := d.Navigate(ctx, site.URL+"/in/person-0/"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected ErrSessionExpired, got %v", err)
	}
}

func TestHTTPDriver_ServerError(t *testing.T) {
	site := fakesite.New(fakesite.Options{Status: map[string]int{"broken": 503}})
	defer site.Close()

	d := newHTTPDriver(t, site, validCreds(site), false)
	ctx := context.Background()
	if err := d.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	if _, err := d.Navigate(ctx, site.URL+"/in/broken/"); !errors.Is(err, ErrTargetUnreachable) {
		t.Errorf("expected ErrTargetUnreachable, got %v", err)
	}
}

func TestHTTPDriver_RespectRobots(t *testing.T) {
	site := fakesite.New(fakesite.Options{Robots: "User-agent: *\nDisallow: /in/\n"})
	defer site.Close()

	d := newHTTPDriver(t, site, validCreds(site), true)
	ctx := context.Background()
	if err := d.Open(ctx); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	if _, err := d.Navigate(ctx, site.URL+"/in/person-0/"); !errors.Is(err, ErrTargetUnreachable) {
		t.Errorf("expected robots refusal, got %v", err)
	}
	if site.Visits("person-0") != 0 {
		t.Errorf("disallowed page was fetched")
	}
	if _, err := d.Navigate(ctx, site.URL+"/feed/"); err != nil {
		t.Errorf("expected allowed page to load, got %v", err)
	}
}

func TestHTTPDriver_CloseIdempotent(t *testing.T) {
	site := fakesite.New(fakesite.Options{})
	defer site.Close()

	d := newHTTPDriver(t, site, validCreds(site), false)
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := d.Close(); err != nil {
			t.Fatalf("close %d: unexpected error: %v", i, err)
		}
	}
	if err := d.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on reopen, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		p    *page.Page
		want error
	}{
		{"nil", nil, ErrTargetUnreachable},
		{"transport", &page.Page{Error: "dial tcp: refused"}, ErrTargetUnreachable},
		{"login wall", &page.Page{StatusCode: 200, Block: page.BlockLoginWall}, ErrSessionExpired},
		{"challenge", &page.Page{StatusCode: 200, Block: page.BlockChallenge, BlockSrc: "Captcha"}, ErrChallenged},
		{"throttled", &page.Page{StatusCode: 429, Block: page.BlockRateLimited}, ErrRateLimited},
		{"5xx", &page.Page{StatusCode: 502}, ErrTargetUnreachable},
		{"ok", &page.Page{StatusCode: 200}, nil},
		{"404", &page.Page{StatusCode: 404, Body: []byte("<h1>Page not found</h1>")}, ErrTargetUnreachable},
		{"403", &page.Page{StatusCode: 403, Body: []byte("<h1>Forbidden</h1>")}, ErrTargetUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.p)
			if tc.want == nil {
				if err != nil {
					t.Errorf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
