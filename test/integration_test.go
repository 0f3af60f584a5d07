//go:build integration

package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/FranksOps/prospector/internal/api"
	"github.com/FranksOps/prospector/internal/auth"
	"github.com/FranksOps/prospector/internal/cache"
	"github.com/FranksOps/prospector/internal/fakesite"
	"github.com/FranksOps/prospector/internal/fingerprint"
	"github.com/FranksOps/prospector/internal/pipeline"
	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/internal/session"
	"github.com/FranksOps/prospector/internal/storage"
	_ "github.com/FranksOps/prospector/internal/storage/sqlite"
	"github.com/FranksOps/prospector/pkg/ratelimit"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-resty/resty/v2"
	"golang.org/x/crypto/bcrypt"
)

// TestIntegration_SearchOverAPI drives the whole service: an operator signs
// up, searches, and reads the stored profiles back through the Redis cache.
func TestIntegration_SearchOverAPI(t *testing.T) {
	ctx := context.Background()

	site := fakesite.New(fakesite.Options{
		Profiles: 12,
		Status:   map[string]int{fakesite.Slug(3): http.StatusNotFound},
	})
	defer site.Close()

	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "prospector.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	mr := miniredis.RunT(t)
	profiles, err := cache.New(ctx, cache.Config{Backend: "redis", RedisURL: "redis://" + mr.Addr(), TTL: time.Minute})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer profiles.Close()

	limiter := ratelimit.NewLimiter(50, 0.2)
	defer limiter.Stop()
	sessions := session.NewManager(func() (session.Driver, error) {
		return session.NewHTTPDriver(session.HTTPConfig{
			Site:          scraper.Site{BaseURL: site.URL},
			Credentials:   session.Credentials{Username: site.Username(), Password: site.Password()},
			Fetch:         scraper.FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo, Limiter: limiter},
			RespectRobots: true,
		})
	}, site.URL+"/feed/", nil)
	defer sessions.Close(ctx)

	p := pipeline.New(sessions, nil, store, pipeline.Config{Site: scraper.Site{BaseURL: site.URL}})
	authSvc, err := auth.NewService(store, "integration-secret", auth.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	srv, err := api.New(authSvc, p, store, profiles, api.Config{CacheBackend: "redis", Version: "integration"})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := resty.New().SetBaseURL(ts.URL)
	creds := map[string]string{"email": "ops@example.com", "password": "s3cret"}

	res, err := client.R().SetBody(creds).Post("/register")
	if err != nil || res.StatusCode() != http.StatusCreated {
		t.Fatalf("register: %v %d %s", err, res.StatusCode(), res.Body())
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	res, err = client.R().SetBody(creds).SetResult(&tok).Post("/login")
	if err != nil || res.StatusCode() != http.StatusOK {
		t.Fatalf("login: %v %d", err, res.StatusCode())
	}
	client.SetAuthToken(tok.AccessToken)

	var records []*profile.Record
	res, err = client.R().
		SetBody(map[string]any{"skills": []string{"Python"}, "location": "Remote", "experience_level": "fresher"}).
		SetResult(&records).
		Post("/api/search-profiles")
	if err != nil || res.StatusCode() != http.StatusOK {
		t.Fatalf("search: %v %d %s", err, res.StatusCode(), res.Body())
	}
	// Ten links are extracted at most and one of them is gone.
	if len(records) != 9 {
		t.Fatalf("records = %d, want 9", len(records))
	}

	for i := 0; i < 2; i++ {
		var got profile.Record
		res, err = client.R().SetResult(&got).Get("/api/profile/" + records[0].ID)
		if err != nil || res.StatusCode() != http.StatusOK {
			t.Fatalf("get: %v %d", err, res.StatusCode())
		}
		if got.ProfileURL != records[0].ProfileURL {
			t.Errorf("profile url = %q", got.ProfileURL)
		}
	}
	if !mr.Exists("prospector:profile:" + records[0].ID) {
		t.Error("profile was not cached")
	}

	stored, err := store.QueryProfiles(ctx, storage.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 9 {
		t.Errorf("stored = %d, want 9", len(stored))
	}
	if site.Visits(fakesite.Slug(11)) != 0 {
		t.Error("links beyond the cap were visited")
	}
}
