// Package storagetest holds the behaviour every storage.Backend must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/FranksOps/prospector/internal/profile"
	"github.com/FranksOps/prospector/internal/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Run exercises b against the storage.Backend contract. b must be empty.
func Run(t *testing.T, b storage.Backend) {
	t.Helper()
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, b) })
	t.Run("Users", func(t *testing.T) { testUsers(t, b) })
}

// Records returns n complete records scraped one minute apart, oldest first.
func Records(n int, base time.Time) []*profile.Record {
	out := make([]*profile.Record, n)
	for i := range out {
		out[i] = &profile.Record{
			Name:          fmt.Sprintf("Person %d", i),
			ProfileURL:    fmt.Sprintf("https://www.linkedin.com/in/person-%d/", i),
			Skills:        []string{"Go", "SQL"},
			Location:      "Remote",
			Education:     map[string]any{"school": "State University"},
			Experience:    []map[string]any{{"title": "Engineer"}},
			ContactInfo:   map[string]string{},
			SkillsSummary: "Go, SQL",
			ScrapedAt:     base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func testProfiles(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	recs := Records(3, base)

	if err := b.SaveProfiles(ctx, recs); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	for _, r := range recs {
		if r.ID == "" {
			t.Fatalf("expected ID to be assigned")
		}
	}

	got, err := b.GetProfile(ctx, recs[1].ID)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if diff := cmp.Diff(recs[1], got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("stored record mismatch (-want +got):\n%s", diff)
	}

	if _, err := b.GetProfile(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, err := b.QueryProfiles(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("QueryProfiles: %v", err)
	}
	if diff := cmp.Diff([]string{recs[2].ID, recs[1].ID, recs[0].ID}, ids(all)); diff != "" {
		t.Errorf("expected newest first (-want +got):\n%s", diff)
	}

	byURL, err := b.QueryProfiles(ctx, storage.Filter{ProfileURL: recs[0].ProfileURL})
	if err != nil {
		t.Fatalf("QueryProfiles by url: %v", err)
	}
	if len(byURL) != 1 || byURL[0].ID != recs[0].ID {
		t.Errorf("expected only the matching record, got %v", ids(byURL))
	}

	since := base.Add(90 * time.Second)
	recent, err := b.QueryProfiles(ctx, storage.Filter{Since: &since})
	if err != nil {
		t.Fatalf("QueryProfiles since: %v", err)
	}
	if diff := cmp.Diff([]string{recs[2].ID}, ids(recent)); diff != "" {
		t.Errorf("since filter mismatch (-want +got):\n%s", diff)
	}

	paged, err := b.QueryProfiles(ctx, storage.Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("QueryProfiles paged: %v", err)
	}
	if diff := cmp.Diff([]string{recs[1].ID}, ids(paged)); diff != "" {
		t.Errorf("paging mismatch (-want +got):\n%s", diff)
	}

	// A batch with an invalid record stores nothing.
	bad := append(Records(2, base.Add(time.Hour)), nil)
	if err := b.SaveProfiles(ctx, bad); err == nil {
		t.Errorf("expected error for batch containing nil")
	}
	after, err := b.QueryProfiles(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("QueryProfiles: %v", err)
	}
	if len(after) != 3 {
		t.Errorf("expected failed batch to store nothing, got %d records", len(after))
	}

	if err := b.SaveProfiles(ctx, nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}
}

func testUsers(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	u := &storage.User{Email: "Operator@Example.com", HashedPassword: "$2a$10$hash"}
	if err := b.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" || u.CreatedAt.IsZero() {
		t.Errorf("expected generated fields, got %+v", u)
	}

	dup := &storage.User{Email: "operator@example.com", HashedPassword: "other"}
	if err := b.CreateUser(ctx, dup); !errors.Is(err, storage.ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}

	got, err := b.GetUser(ctx, "operator@example.com")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if diff := cmp.Diff(u, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("stored user mismatch (-want +got):\n%s", diff)
	}

	if _, err := b.GetUser(ctx, "nobody@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func ids(recs []*profile.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
