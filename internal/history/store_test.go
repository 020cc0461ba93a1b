package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/patrickjm/funnelcheck/internal/report"
)

func TestStoreSaveLoad(t *testing.T) {
	dir := t.TempDir()
	store := Store{Root: dir, DefaultTTL: time.Hour}
	rep := report.New("ABC-123", "https://shop.test", "playwright", time.Now()).Finalize(time.Now())

	e, err := store.Save(rep)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if e.ID != "abc-123" {
		t.Fatalf("expected sanitized id, got %s", e.ID)
	}
	loaded, err := store.Load("abc-123")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.URL != "https://shop.test" || !loaded.Success || loaded.Report.RunID != "ABC-123" {
		t.Fatalf("unexpected entry %+v", loaded)
	}
	if _, err := store.Load("missing"); err == nil {
		t.Fatalf("expected error for missing entry")
	}
	if _, err := store.Load("../escape"); err == nil {
		t.Fatalf("expected error for path-like id")
	}
	if path := store.EntryPath("abc-123"); filepath.Base(path) != "entry.json" {
		t.Fatalf("unexpected entry path: %s", path)
	}
}

func TestStoreSaveWithoutRunID(t *testing.T) {
	store := Store{Root: t.TempDir()}
	e, err := store.Save(report.New("", "https://shop.test", "chromedp", time.Now()))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if e.ID == "" {
		t.Fatalf("expected generated id")
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := Store{Root: t.TempDir(), Now: func() time.Time { return clock }}
	for _, id := range []string{"first", "second"} {
		if _, err := store.Save(report.New(id, "https://shop.test", "playwright", clock)); err != nil {
			t.Fatalf("save: %v", err)
		}
		clock = clock.Add(time.Minute)
	}
	entries, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "second" {
		t.Fatalf("expected newest first, got %v", entries)
	}
}

func TestStoreExpiry(t *testing.T) {
	clock := time.Now().UTC()
	store := Store{Root: t.TempDir(), DefaultTTL: time.Second, Now: func() time.Time { return clock }}
	if _, err := store.Save(report.New("expiring", "https://shop.test", "playwright", clock)); err != nil {
		t.Fatalf("save: %v", err)
	}
	clock = clock.Add(2 * time.Second)

	loaded, err := store.Load("expiring")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !store.IsExpired(loaded) {
		t.Fatalf("expected expired")
	}
	dry, err := store.Prune(true)
	if err != nil || len(dry) != 1 {
		t.Fatalf("dry run: %v %d", err, len(dry))
	}
	if _, err := store.Load("expiring"); err != nil {
		t.Fatalf("dry run removed entry: %v", err)
	}
	removed, err := store.Prune(false)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected 1 removed, got %d", len(removed))
	}
	if entries, _ := store.List(); len(entries) != 0 {
		t.Fatalf("expected empty history, got %v", entries)
	}
}
