package database

import (
	"encoding/json"
	"time"
)

// FileRecord represents one file's metadata document. A record exists before
// its bytes do; it is incomplete until StoragePath is set.
type FileRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	Type        string    `json:"type"`
	ContentType string    `json:"mime"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"date"`
	StoragePath string    `json:"-"`
	Checksum    string    `json:"checksum,omitempty"`
	Events      []string  `json:"events"`

	// DownloadURL is derived per query from StoragePath and never stored.
	DownloadURL string `json:"downloadURL,omitempty"`
}

// MarshalJSON encodes CreatedAt as unix milliseconds, the form date filters
// are accepted in.
func (f FileRecord) MarshalJSON() ([]byte, error) {
	type record FileRecord
	return json.Marshal(struct {
		record
		CreatedAt int64 `json:"date"`
	}{record(f), f.CreatedAt.UnixMilli()})
}

// Complete reports whether the record's bytes have been uploaded.
func (f *FileRecord) Complete() bool {
	return f.StoragePath != ""
}

// NewFile holds the creator-supplied fields of a record.
type NewFile struct {
	Name        string
	Filename    string
	Size        int64
	Type        string
	ContentType string
	Owner       string
}

// Finalization is applied once the bytes of a record have been received.
type Finalization struct {
	StoragePath string
	Filename    string
	ContentType string
	Checksum    string
}

// Fields is a partial update. Nil fields are left untouched.
type Fields struct {
	Name *string
	Type *string
}

// Empty reports whether the update would change nothing.
func (f Fields) Empty() bool {
	return f.Name == nil && f.Type == nil
}

// Query is a conjunctive filter over file records. Zero values are not
// applied. Name and Filename are combined into one text search expression.
type Query struct {
	ID          string
	Name        string
	Filename    string
	Size        *int64
	Type        string
	ContentType string
	CreatedAt   *time.Time
	Owner       string
	Event       string
	StoragePath string
	// IncompleteBefore matches records without bytes created before the
	// given instant.
	IncompleteBefore *time.Time
}

// SearchText returns the combined text search expression, or "" when
// neither Name nor Filename is set.
func (q Query) SearchText() string {
	switch {
	case q.Name != "" && q.Filename != "":
		return q.Name + " " + q.Filename
	case q.Name != "":
		return q.Name
	default:
		return q.Filename
	}
}

// Selector picks the records a binding mutation applies to. IDs restricts
// to the listed records, Event to records bound to that event, Owner to
// records owned by that principal. A selector with neither IDs nor Event
// matches nothing.
type Selector struct {
	IDs   []string
	Event string
	Owner string
}

func (s Selector) matchesNothing() bool {
	return len(s.IDs) == 0 && s.Event == ""
}
