package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore persists workloads and attempt records on disk.
//
// Directory layout:
//
//	<root>/workloads/<name>/workload.json
//	<root>/attempts/<service>/task-<task_id>/v<version>.json
//
// Writes are atomic (temp file + rename). Revisions implement the Store
// optimistic-concurrency contract; attempt files are created with O_EXCL so
// version allocation has a single race-free allocation point even across
// processes sharing the root.
type FileStore struct {
	root string

	mu sync.Mutex
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: strings.TrimSpace(dir)}
}

func (s *FileStore) workloadDir(name string) string {
	return filepath.Join(s.root, "workloads", name)
}

func (s *FileStore) workloadPath(name string) string {
	return filepath.Join(s.workloadDir(name), "workload.json")
}

func (s *FileStore) attemptDir(service string, taskID int) string {
	return filepath.Join(s.root, "attempts", service, fmt.Sprintf("task-%d", taskID))
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("store root dir is empty")
	}
	return os.MkdirAll(filepath.Join(s.root, "workloads"), 0o755)
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, w *Workload) error {
	if w == nil || strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("workload name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureRoot(); err != nil {
		return err
	}
	if _, err := os.Stat(s.workloadPath(w.Name)); err == nil {
		return &Error{Op: "create", Workload: w.Name, Err: ErrConflict}
	}

	w.UID = uuid.New().String()
	w.Revision = 1
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	return s.write(w)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, name string) (*Workload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(name)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]*Workload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, "workloads"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workloads root: %w", err)
	}

	out := make([]*Workload, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		w, err := s.read(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, w)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Update implements Store. The presented revision must match the stored one.
func (s *FileStore) Update(ctx context.Context, w *Workload) error {
	if w == nil || strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("workload name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(w.Name)
	if err != nil {
		return err
	}
	if current.Revision != w.Revision {
		return &Error{Op: "update", Workload: w.Name, Err: ErrConflict}
	}

	w.Revision++
	return s.write(w)
}

// Delete implements Store: sets the deletion tombstone.
func (s *FileStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.read(name)
	if err != nil {
		return err
	}
	if w.DeletedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	w.DeletedAt = &now
	w.Revision++
	return s.write(w)
}

// Remove implements Store: erases the record after cleanup.
func (s *FileStore) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("workload name is required")
	}
	return os.RemoveAll(s.workloadDir(name))
}

// RecordAttempt implements Store. O_EXCL file creation is the allocation
// point: two concurrent retries racing for the same version cannot both win.
func (s *FileStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a == nil || a.Service == "" || a.TaskID < 1 || a.ContextVersion < 1 {
		return fmt.Errorf("attempt requires service, task_id and context_version")
	}

	dir := s.attemptDir(a.Service, a.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create attempt dir: %w", err)
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	b = append(b, '\n')

	path := filepath.Join(dir, fmt.Sprintf("v%d.json", a.ContextVersion))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return &Error{Op: "record attempt", Workload: a.Workload, Err: ErrConflict}
		}
		return fmt.Errorf("create attempt file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("write attempt file: %w", err)
	}
	return f.Close()
}

// Attempts implements Store.
func (s *FileStore) Attempts(ctx context.Context, service string, taskID int) ([]Attempt, error) {
	entries, err := os.ReadDir(s.attemptDir(service, taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read attempts dir: %w", err)
	}

	out := make([]Attempt, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.attemptDir(service, taskID), entry.Name()))
		if err != nil {
			continue
		}
		var a Attempt
		if err := json.Unmarshal(b, &a); err != nil {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ContextVersion < out[j].ContextVersion
	})
	return out, nil
}

func (s *FileStore) read(name string) (*Workload, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("workload name is required")
	}
	b, err := os.ReadFile(s.workloadPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Op: "get", Workload: name, Err: ErrNotFound}
		}
		return nil, err
	}

	var w Workload
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("parse workload.json: %w", err)
	}
	return &w, nil
}

func (s *FileStore) write(w *Workload) error {
	dir := s.workloadDir(w.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workload dir: %w", err)
	}

	b, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workload: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "workload.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp workload file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp workload file: %w", err)
	}
	if err := os.Rename(tmpName, s.workloadPath(w.Name)); err != nil {
		return fmt.Errorf("rename workload file: %w", err)
	}
	return nil
}
