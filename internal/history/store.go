// Package history keeps finished run reports on disk until they expire.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/patrickjm/funnelcheck/internal/report"
)

type Entry struct {
	ID      string        `json:"id"`
	URL     string        `json:"url"`
	Success bool          `json:"success"`
	TTL     int64         `json:"ttl_seconds"`
	SavedAt time.Time     `json:"saved_at"`
	Report  report.Report `json:"report"`
}

type Store struct {
	Root       string
	DefaultTTL time.Duration
	Now        func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Store) EnsureDir() error {
	return os.MkdirAll(s.Root, 0o755)
}

func (s Store) EntryDir(id string) string {
	return filepath.Join(s.Root, sanitizeID(id))
}

func (s Store) EntryPath(id string) string {
	return filepath.Join(s.EntryDir(id), "entry.json")
}

// Save stores rep under its run id, or a fresh one when it has none.
func (s Store) Save(rep report.Report) (Entry, error) {
	if err := s.EnsureDir(); err != nil {
		return Entry{}, err
	}
	id := sanitizeID(rep.RunID)
	if id == "" {
		id = uuid.NewString()
	}
	e := Entry{
		ID:      id,
		URL:     rep.URL,
		Success: rep.Success,
		TTL:     int64(s.DefaultTTL.Seconds()),
		SavedAt: s.now(),
		Report:  rep,
	}
	if err := os.MkdirAll(s.EntryDir(id), 0o755); err != nil {
		return Entry{}, err
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return Entry{}, err
	}
	return e, os.WriteFile(s.EntryPath(id), b, 0o644)
}

func (s Store) Load(id string) (Entry, error) {
	if sanitizeID(id) == "" {
		return Entry{}, errors.New("run id required")
	}
	b, err := os.ReadFile(s.EntryPath(id))
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("history entry %s: %w", id, err)
	}
	return e, nil
}

// List returns stored entries, newest first. Unreadable entries are skipped.
func (s Store) List() ([]Entry, error) {
	dirs, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		e, err := s.Load(d.Name())
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SavedAt.Equal(entries[j].SavedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].SavedAt.After(entries[j].SavedAt)
	})
	return entries, nil
}

func (s Store) Remove(id string) error {
	if sanitizeID(id) == "" {
		return errors.New("run id required")
	}
	return os.RemoveAll(s.EntryDir(id))
}

func (s Store) IsExpired(e Entry) bool {
	if e.TTL <= 0 {
		return false
	}
	deadline := e.SavedAt.Add(time.Duration(e.TTL) * time.Second)
	return s.now().After(deadline)
}

// Prune removes expired entries. With dryRun it only reports them.
func (s Store) Prune(dryRun bool) ([]Entry, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	removed := make([]Entry, 0)
	for _, e := range entries {
		if !s.IsExpired(e) {
			continue
		}
		if !dryRun {
			if err := s.Remove(e.ID); err != nil {
				return removed, err
			}
		}
		removed = append(removed, e)
	}
	return removed, nil
}

// sanitizeID keeps ids to a single path element.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ToLower(id)
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return ""
	}
	return id
}

func FormatTTL(seconds int64) string {
	if seconds <= 0 {
		return "never"
	}
	return time.Duration(seconds * int64(time.Second)).String()
}

func (e Entry) String() string {
	status := "failed"
	if e.Success {
		status = "ok"
	}
	return fmt.Sprintf("%s %s %s", e.ID, status, e.URL)
}
