package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps file records in process memory. It backs tests and
// STORE_BACKEND=memory; everything is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*FileRecord
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*FileRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) ValidID(id string) bool {
	return canonicalUUID(id)
}

func (m *MemoryStore) Create(_ context.Context, file NewFile) (string, error) {
	id := uuid.New().String()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[id] = &FileRecord{
		ID:          id,
		Name:        file.Name,
		Filename:    file.Filename,
		Size:        file.Size,
		Type:        file.Type,
		ContentType: file.ContentType,
		Owner:       file.Owner,
		CreatedAt:   m.now().Truncate(time.Millisecond),
		Events:      []string{},
	}
	return id, nil
}

func (m *MemoryStore) Finalize(_ context.Context, id string, fin Finalization) error {
	if !m.ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	rec.StoragePath = fin.StoragePath
	rec.Filename = fin.Filename
	rec.ContentType = fin.ContentType
	rec.Checksum = fin.Checksum
	return nil
}

func (m *MemoryStore) Find(_ context.Context, q Query) ([]FileRecord, error) {
	if q.ID != "" && !m.ValidID(q.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, q.ID)
	}
	terms := strings.Fields(strings.ToLower(q.SearchText()))

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []FileRecord
	for _, rec := range m.files {
		if !matchesQuery(rec, q, terms) {
			continue
		}
		out = append(out, copyRecord(rec))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fields Fields) error {
	if !m.ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	if fields.Name != nil {
		rec.Name = *fields.Name
	}
	if fields.Type != nil {
		rec.Type = *fields.Type
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (FileRecord, error) {
	if !m.ValidID(id) {
		return FileRecord{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.files[id]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	delete(m.files, id)
	return copyRecord(rec), nil
}

func (m *MemoryStore) DeleteIncomplete(_ context.Context, id string) error {
	if !m.ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.files[id]
	if !ok || rec.Complete() {
		return ErrNotFound
	}
	delete(m.files, id)
	return nil
}

func (m *MemoryStore) AddEvents(_ context.Context, sel Selector, events []string) (int64, error) {
	return m.mutate(sel, func(rec *FileRecord) {
		for _, e := range events {
			if !slices.Contains(rec.Events, e) {
				rec.Events = append(rec.Events, e)
			}
		}
	})
}

func (m *MemoryStore) RemoveEvents(_ context.Context, sel Selector, events []string) (int64, error) {
	return m.mutate(sel, func(rec *FileRecord) {
		rec.Events = slices.DeleteFunc(rec.Events, func(e string) bool {
			return slices.Contains(events, e)
		})
	})
}

func (m *MemoryStore) SetEvents(_ context.Context, sel Selector, events []string) (int64, error) {
	events = dedupe(events)
	return m.mutate(sel, func(rec *FileRecord) {
		rec.Events = slices.Clone(events)
	})
}

func (m *MemoryStore) CountByEvent(_ context.Context, event string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, rec := range m.files {
		if slices.Contains(rec.Events, event) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close(context.Context) error { return nil }

// mutate applies fn to every selected record under the write lock, which
// makes each binding mutation atomic per record.
func (m *MemoryStore) mutate(sel Selector, fn func(*FileRecord)) (int64, error) {
	if sel.matchesNothing() {
		return 0, nil
	}
	for _, id := range sel.IDs {
		if !m.ValidID(id) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched int64
	for _, rec := range m.files {
		if !selects(rec, sel) {
			continue
		}
		fn(rec)
		matched++
	}
	return matched, nil
}

func selects(rec *FileRecord, sel Selector) bool {
	if len(sel.IDs) > 0 && !slices.Contains(sel.IDs, rec.ID) {
		return false
	}
	if sel.Event != "" && !slices.Contains(rec.Events, sel.Event) {
		return false
	}
	if sel.Owner != "" && rec.Owner != sel.Owner {
		return false
	}
	return true
}

func matchesQuery(rec *FileRecord, q Query, terms []string) bool {
	if q.ID != "" && rec.ID != q.ID {
		return false
	}
	if len(terms) > 0 {
		text := strings.ToLower(rec.Name + " " + rec.Filename)
		for _, term := range terms {
			if !strings.Contains(text, term) {
				return false
			}
		}
	}
	if q.Size != nil && rec.Size != *q.Size {
		return false
	}
	if q.Type != "" && rec.Type != q.Type {
		return false
	}
	if q.ContentType != "" && rec.ContentType != q.ContentType {
		return false
	}
	if q.CreatedAt != nil && !rec.CreatedAt.Equal(*q.CreatedAt) {
		return false
	}
	if q.Owner != "" && rec.Owner != q.Owner {
		return false
	}
	if q.Event != "" && !slices.Contains(rec.Events, q.Event) {
		return false
	}
	if q.StoragePath != "" && rec.StoragePath != q.StoragePath {
		return false
	}
	if q.IncompleteBefore != nil && (rec.Complete() || !rec.CreatedAt.Before(*q.IncompleteBefore)) {
		return false
	}
	return true
}

func copyRecord(rec *FileRecord) FileRecord {
	out := *rec
	out.Events = slices.Clone(rec.Events)
	if out.Events == nil {
		out.Events = []string{}
	}
	return out
}
