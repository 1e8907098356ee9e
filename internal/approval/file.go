package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// validID matches alphanumeric, dash, underscore, and dot characters only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateID rejects ticket ids that could cause path traversal.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("ticket id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("ticket id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("ticket id contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// FileBackend stores one JSON file per ticket in a directory.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

// NewFileBackend creates a FileBackend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create ticket directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// DefaultDir returns the default ticket directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "approvalgate-tickets")
	}
	return filepath.Join(home, ".approvalgate", "tickets")
}

func (f *FileBackend) Put(_ context.Context, t Ticket) error {
	if err := validateID(t.ID); err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAtomic(f.path(t.ID), t)
}

func (f *FileBackend) Get(_ context.Context, id string) (Ticket, error) {
	if err := validateID(id); err != nil {
		return Ticket{}, fmt.Errorf("invalid ticket id: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.read(id)
	if errors.Is(err, os.ErrNotExist) {
		return Ticket{}, ErrTicketNotFound
	}
	if err != nil {
		return Ticket{}, err
	}
	return *t, nil
}

func (f *FileBackend) List(_ context.Context, runID string) ([]Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var tickets []Ticket
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		t, err := f.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if runID == "" || t.RunID() == runID {
			tickets = append(tickets, *t)
		}
	}
	sortTickets(tickets)
	return tickets, nil
}

func (f *FileBackend) DeleteRun(ctx context.Context, runID string) error {
	tickets, err := f.List(ctx, runID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, t := range tickets {
		if err := os.Remove(f.path(t.ID)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *FileBackend) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileBackend) read(id string) (*Ticket, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		return nil, err
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (f *FileBackend) writeAtomic(path string, t Ticket) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
