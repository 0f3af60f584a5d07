package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// redirectChain serves /hop/N, each redirecting to /hop/N-1, with /hop/0
// answering 200.
func redirectChain(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := strings.TrimPrefix(r.URL.Path, "/hop/")
		if n == "0" {
			w.WriteHeader(http.StatusOK)
			return
		}
		prev := map[string]string{"1": "0", "2": "1", "3": "2"}[n]
		http.Redirect(w, r, "/hop/"+prev, http.StatusFound)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, c *Client, target string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Do(context.Background(), req)
	if resp != nil {
		t.Cleanup(func() { resp.Body.Close() })
	}
	return resp, err
}

func TestClient_RedirectPolicy(t *testing.T) {
	ts := redirectChain(t)

	tests := []struct {
		name       string
		max        int
		wantStatus int
		wantErr    error
	}{
		{"default follows the chain", 0, http.StatusOK, nil},
		{"cap below chain length", 2, 0, ErrTooManyRedirects},
		{"negative stops at first hop", -1, http.StatusFound, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{MaxRedirects: tt.max})
			if err != nil {
				t.Fatal(err)
			}
			resp, err := get(t, c, ts.URL+"/hop/3")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer ts.Close()

	c, _ := New(Config{Timeout: 20 * time.Millisecond})
	if _, err := get(t, c, ts.URL); err == nil {
		t.Fatal("expected a timeout")
	}
}

func TestClient_Context(t *testing.T) {
	c, _ := New(Config{})
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)

	if _, err := c.Do(nil, req); err == nil {
		t.Error("expected an error for a nil context")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Do(ctx, req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClient_SessionCookies(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login-submit":
			if r.FormValue("session_key") != "me@example.com" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "li_at", Value: "token", Path: "/"})
			http.Redirect(w, r, "/feed", http.StatusSeeOther)
		case "/feed":
			if _, err := r.Cookie("li_at"); err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer ts.Close()

	c, err := New(Config{UseCookieJar: true})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(ts.URL)

	req, err := NewFormRequest(context.Background(), ts.URL+"/login-submit", url.Values{"session_key": {"me@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Request.URL.Path != "/feed" {
		t.Fatalf("landed on %s with %d", resp.Request.URL.Path, resp.StatusCode)
	}
	if got := c.Cookies(u); len(got) != 1 || got[0].Value != "token" {
		t.Fatalf("jar = %v", got)
	}

	if err := c.ResetCookies(); err != nil {
		t.Fatal(err)
	}
	if got := c.Cookies(u); len(got) != 0 {
		t.Errorf("jar after reset = %v", got)
	}
	resp, err = get(t, c, ts.URL+"/feed")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("feed after reset = %d, want 401", resp.StatusCode)
	}
}

func TestClient_ResetWhileInFlight(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "n", Value: "1", Path: "/"})
	}))
	defer ts.Close()

	c, _ := New(Config{UseCookieJar: true})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
			if resp, err := c.Do(context.Background(), req); err == nil {
				resp.Body.Close()
			}
		}()
		go func() {
			defer wg.Done()
			_ = c.ResetCookies()
		}()
	}
	wg.Wait()
}

func TestClient_NoJar(t *testing.T) {
	c, _ := New(Config{})
	u, _ := url.Parse("http://example.com")
	if c.Cookies(u) != nil {
		t.Error("expected nil cookies without a jar")
	}
	if err := c.ResetCookies(); err != nil {
		t.Errorf("ResetCookies without a jar: %v", err)
	}
}
