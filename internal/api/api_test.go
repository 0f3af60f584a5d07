package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/prospector/internal/auth"
	"github.com/FranksOps/prospector/internal/cache"
	"github.com/FranksOps/prospector/internal/fakesite"
	"github.com/FranksOps/prospector/internal/fingerprint"
	"github.com/FranksOps/prospector/internal/pipeline"
	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/scraper"
	"github.com/FranksOps/prospector/internal/session"
	"github.com/FranksOps/prospector/internal/storage"
	"github.com/FranksOps/prospector/internal/storage/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubSearch returns a canned result or error.
type stubSearch struct {
	records []*profile.Record
	err     error
	got     profile.SearchCriteria
	calls   int
}

func (s *stubSearch) Run(_ context.Context, criteria profile.SearchCriteria) (*pipeline.Result, error) {
	s.calls++
	s.got = criteria
	if s.err != nil {
		return &pipeline.Result{Records: []*profile.Record{}}, s.err
	}
	return &pipeline.Result{Records: s.records}, nil
}

type env struct {
	t     *testing.T
	store storage.Backend
	srv   *Server
}

func newEnv(t *testing.T, search Searcher, c cache.Profiles) *env {
	t.Helper()
	store, err := sqlite.New(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authSvc, err := auth.NewService(store, "test-secret", auth.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv, err := New(authSvc, search, store, c, Config{
		CORSOrigins: []string{"http://localhost:3000"},
		RunTimeout:  10 * time.Second,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &env{t: t, store: store, srv: srv}
}

func (e *env) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// token registers an operator and logs in.
func (e *env) token() string {
	e.t.Helper()
	creds := map[string]string{"email": "ops@example.com", "password": "pw"}
	if rec := e.do(http.MethodPost, "/register", "", creds); rec.Code != http.StatusCreated {
		e.t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	rec := e.do(http.MethodPost, "/login", "", creds)
	if rec.Code != http.StatusOK {
		e.t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var tok tokenResponse
	decode(e.t, rec, &tok)
	return tok.AccessToken
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, &stubSearch{}, nil)
	rec := e.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]string
	decode(t, rec, &got)
	want := map[string]string{"status": "ok", "service": "prospector", "version": "test"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("health (-want +got):\n%s", diff)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("no request id assigned")
	}
}

func TestRegisterAndLogin(t *testing.T) {
	e := newEnv(t, &stubSearch{}, nil)

	rec := e.do(http.MethodPost, "/register", "", map[string]string{"email": "Ops@Example.com", "password": "pw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Errorf("register echoed the password: %s", rec.Body)
	}
	var u userResponse
	decode(t, rec, &u)
	if u.ID == "" || u.Email != "ops@example.com" || u.CreatedAt.IsZero() {
		t.Errorf("user = %+v", u)
	}

	rec = e.do(http.MethodPost, "/register", "", map[string]string{"email": "ops@example.com", "password": "other"})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Email already registered") {
		t.Errorf("duplicate register = %d %s", rec.Code, rec.Body)
	}

	rec = e.do(http.MethodPost, "/login", "", map[string]string{"email": "ops@example.com", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "Invalid credentials") {
		t.Errorf("bad login = %d %s", rec.Code, rec.Body)
	}
	rec = e.do(http.MethodPost, "/login", "", map[string]string{"email": "nobody@example.com", "password": "pw"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown login = %d", rec.Code)
	}

	rec = e.do(http.MethodPost, "/login", "", map[string]string{"email": "OPS@example.com", "password": "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d %s", rec.Code, rec.Body)
	}
	var tok tokenResponse
	decode(t, rec, &tok)
	if tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Errorf("token = %+v", tok)
	}
}

func TestRegister_BadBody(t *testing.T) {
	e := newEnv(t, &stubSearch{}, nil)
	for _, body := range []any{`{"email":`, map[string]string{"email": "not-an-email", "password": "pw"}, map[string]string{"email": "a@b.co"}} {
		if rec := e.do(http.MethodPost, "/register", "", body); rec.Code != http.StatusBadRequest {
			t.Errorf("register(%v) = %d", body, rec.Code)
		}
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	e := newEnv(t, &stubSearch{}, nil)
	for _, tc := range []struct{ method, path, token string }{
		{http.MethodPost, "/api/search-profiles", ""},
		{http.MethodGet, "/api/profile/abc", ""},
		{http.MethodGet, "/api/profiles", "garbage"},
	} {
		rec := e.do(tc.method, tc.path, tc.token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d", tc.method, tc.path, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") != "Bearer" {
			t.Errorf("%s %s missing WWW-Authenticate", tc.method, tc.path)
		}
	}
}

func TestSearchProfiles_Validation(t *testing.T) {
	search := &stubSearch{}
	e := newEnv(t, search, nil)
	tok := e.token()

	for _, body := range []any{
		`not json`,
		map[string]any{"skills": []string{}, "location": "Remote", "experience_level": "fresher"},
		map[string]any{"skills": []string{"Go"}, "location": "Remote", "experience_level": "Wizard"},
	} {
		rec := e.do(http.MethodPost, "/api/search-profiles", tok, body)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("search(%v) = %d %s", body, rec.Code, rec.Body)
		}
	}
	if search.calls != 0 {
		t.Errorf("invalid criteria reached the pipeline %d times", search.calls)
	}
}

func TestSearchProfiles_ErrorMapping(t *testing.T) {
	tests := []struct {
		kind pipeline.Kind
		want int
	}{
		{pipeline.KindSessionUnavailable, http.StatusServiceUnavailable},
		{pipeline.KindTargetUnreachable, http.StatusBadGateway},
		{pipeline.KindRateLimited, http.StatusTooManyRequests},
		{pipeline.KindPersistenceError, http.StatusInternalServerError},
		{pipeline.KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			search := &stubSearch{err: &pipeline.Error{Kind: tt.kind, Op: "test", Err: fmt.Errorf("boom")}}
			e := newEnv(t, search, nil)
			tok := e.token()

			body := map[string]any{"skills": []string{"Go"}, "location": "Remote", "experience_level": "experienced"}
			rec := e.do(http.MethodPost, "/api/search-profiles", tok, body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var got errorResponse
			decode(t, rec, &got)
			if got.Code != string(tt.kind) || got.Detail == "" {
				t.Errorf("body = %+v", got)
			}
			if strings.Contains(got.Detail, "boom") {
				t.Errorf("internal error leaked: %q", got.Detail)
			}
		})
	}
}

func TestSearchProfiles_EndToEnd(t *testing.T) {
	site := fakesite.New(fakesite.Options{Profiles: 3, Sparse: map[string]bool{fakesite.Slug(2): true}})
	t.Cleanup(site.Close)

	sessions := session.NewManager(func() (session.Driver, error) {
		return session.NewHTTPDriver(session.HTTPConfig{
			Site:        scraper.Site{BaseURL: site.URL},
			Credentials: session.Credentials{Username: site.Username(), Password: site.Password()},
			Fetch:       scraper.FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo},
		})
	}, site.URL+"/feed/", nil)
	t.Cleanup(func() { sessions.Close(context.Background()) })

	// The pipeline persists into the same store the API reads from, so it is
	// wired after the env opens it.
	var p *pipeline.Pipeline
	e := newEnv(t, searchFunc(func(ctx context.Context, c profile.SearchCriteria) (*pipeline.Result, error) {
		return p.Run(ctx, c)
	}), cache.NewLRU(16, time.Minute))
	p = pipeline.New(sessions, nil, e.store, pipeline.Config{Site: scraper.Site{BaseURL: site.URL}})
	tok := e.token()

	body := map[string]any{"skills": []string{"Python", "SQL"}, "location": "Remote", "experience_level": "Experienced"}
	rec := e.do(http.MethodPost, "/api/search-profiles", tok, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("search = %d %s", rec.Code, rec.Body)
	}
	var records []*profile.Record
	decode(t, rec, &records)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[0].SkillsSummary != "Python, SQL" {
		t.Errorf("summary = %q", records[0].SkillsSummary)
	}
	if records[2].Name != profile.NotAvailable {
		t.Errorf("sparse name = %q", records[2].Name)
	}

	for _, want := range records {
		rec := e.do(http.MethodGet, "/api/profile/"+want.ID, tok, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get %s = %d", want.ID, rec.Code)
		}
		var got profile.Record
		decode(t, rec, &got)
		if got.ProfileURL != want.ProfileURL {
			t.Errorf("get %s url = %q, want %q", want.ID, got.ProfileURL, want.ProfileURL)
		}
	}

	rec = e.do(http.MethodGet, "/api/profiles?limit=2", tok, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var listed []*profile.Record
	decode(t, rec, &listed)
	if len(listed) != 2 {
		t.Errorf("listed = %d, want 2", len(listed))
	}

	rec = e.do(http.MethodGet, "/api/profiles?url="+records[1].ProfileURL, tok, nil)
	decode(t, rec, &listed)
	if len(listed) != 1 || listed[0].ID != records[1].ID {
		t.Errorf("filtered list = %+v", listed)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	e := newEnv(t, &stubSearch{}, nil)
	tok := e.token()
	rec := e.do(http.MethodGet, "/api/profile/does-not-exist", tok, nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "Profile not found") {
		t.Errorf("get = %d %s", rec.Code, rec.Body)
	}
}

func TestListProfiles_BadQuery(t *testing.T) {
	e := newEnv(t, &stubSearch{}, nil)
	tok := e.token()
	for _, q := range []string{"limit=0", "limit=x", "offset=-1", "since=yesterday"} {
		if rec := e.do(http.MethodGet, "/api/profiles?"+q, tok, nil); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s = %d", q, rec.Code)
		}
	}
	rec := e.do(http.MethodGet, "/api/profiles", tok, nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty list = %d %s", rec.Code, rec.Body)
	}
}

func TestCORS(t *testing.T) {
	e := newEnv(t, &stubSearch{}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/search-profiles", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization,Content-Type")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("allow credentials = %q", got)
	}
}

type searchFunc func(ctx context.Context, c profile.SearchCriteria) (*pipeline.Result, error)

func (f searchFunc) Run(ctx context.Context, c profile.SearchCriteria) (*pipeline.Result, error) {
	return f(ctx, c)
}

func TestServer_Shutdown(t *testing.T) {
	e := newEnv(t, &stubSearch{}, nil)
	e.srv.httpServer.Addr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- e.srv.ListenAndServe() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
