package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/prospector/internal/storage"
	"github.com/FranksOps/prospector/internal/storage/storagetest"
)

func newBackend(t *testing.T) storage.Backend {
	t.Helper()
	// A named in-memory database per test keeps tests isolated.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	b, err := New(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("Failed to create SQLite backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteBackend(t *testing.T) {
	storagetest.Run(t, newBackend(t))
}

func TestSQLiteBackend_OffsetWithoutLimit(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	if err := b.SaveProfiles(ctx, storagetest.Records(3, time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	got, err := b.QueryProfiles(ctx, storage.Filter{Offset: 2})
	if err != nil {
		t.Fatalf("QueryProfiles: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 record after offset, got %d", len(got))
	}
}

func TestSQLiteBackend_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prospector.db")
	ctx := context.Background()

	b, err := storage.Open(ctx, "sqlite", path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	recs := storagetest.Records(1, time.Now())
	if err := b.SaveProfiles(ctx, recs); err != nil {
		t.Fatalf("SaveProfiles: %v", err)
	}
	_ = b.Close()

	b, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	got, err := b.GetProfile(ctx, recs[0].ID)
	if err != nil {
		t.Fatalf("GetProfile after reopen: %v", err)
	}
	if got.Name != recs[0].Name {
		t.Errorf("expected %q, got %q", recs[0].Name, got.Name)
	}
}
