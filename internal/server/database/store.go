package database

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrInvalidID    = errors.New("invalid file id")
	ErrNotFound     = errors.New("file not found")
	ErrStoreFailure = errors.New("store did not confirm the write")
)

// Store is the metadata store capability consumed by the file and binding
// services. Every binding mutation is a single atomic conditional update per
// record; implementations never read-then-write the events set.
type Store interface {
	Create(ctx context.Context, file NewFile) (string, error)
	Finalize(ctx context.Context, id string, fin Finalization) error
	Find(ctx context.Context, q Query) ([]FileRecord, error)
	Update(ctx context.Context, id string, fields Fields) error
	// Delete removes a record and returns it as it was when removed.
	Delete(ctx context.Context, id string) (FileRecord, error)
	// DeleteIncomplete removes a record only while it has no bytes attached.
	// It returns ErrNotFound when no incomplete record matches.
	DeleteIncomplete(ctx context.Context, id string) error

	// AddEvents adds every event to the events set of each selected record.
	// It returns the number of records the selector matched.
	AddEvents(ctx context.Context, sel Selector, events []string) (int64, error)
	// RemoveEvents removes the events from each selected record.
	RemoveEvents(ctx context.Context, sel Selector, events []string) (int64, error)
	// SetEvents overwrites the events set of each selected record.
	SetEvents(ctx context.Context, sel Selector, events []string) (int64, error)

	CountByEvent(ctx context.Context, event string) (int64, error)

	// ValidID reports whether id is a well-formed identifier for this store.
	ValidID(id string) bool
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// canonicalUUID accepts only the lowercase hyphenated form ids are minted in.
func canonicalUUID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// dedupe returns values without duplicates, keeping first occurrences.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
