package upload

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"hermes/internal/server/database"
)

const (
	tokenLength  = 20
	tokenCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Completed describes bytes that have been received for a ticket.
type Completed struct {
	StoragePath string
	Filename    string
	ContentType string
	Checksum    string
	Size        int64
}

// Completion durably records a finished upload against its file record.
// It runs before the upload is acknowledged; an error fails the upload and
// leaves the ticket usable for a retry.
type Completion func(ctx context.Context, done Completed) error

// Ticket authorizes exactly one upload for one pre-allocated file record.
type Ticket struct {
	Token      string
	Expected   database.FileRecord
	OnComplete Completion

	claimed bool
}

// Registry holds issued upload tickets in process memory. Tickets do not
// survive a restart; in-flight uploads must be provisioned again.
//
// A ticket is Issued until an upload claims it. A claimed ticket is either
// consumed (removed) when the upload succeeds or released back to Issued
// when it fails.
type Registry struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	byFile  map[string]string
}

// NewRegistry creates an empty ticket registry.
func NewRegistry() *Registry {
	return &Registry{
		tickets: make(map[string]*Ticket),
		byFile:  make(map[string]string),
	}
}

// Issue registers a ticket for file and returns its token.
func (r *Registry) Issue(file database.FileRecord, onComplete Completion) (string, error) {
	for {
		token, err := generateSecureToken(tokenLength)
		if err != nil {
			return "", fmt.Errorf("failed to generate upload token: %w", err)
		}

		r.mu.Lock()
		if _, taken := r.tickets[token]; taken {
			r.mu.Unlock()
			continue
		}
		r.tickets[token] = &Ticket{Token: token, Expected: file, OnComplete: onComplete}
		if file.ID != "" {
			r.byFile[file.ID] = token
		}
		r.mu.Unlock()
		return token, nil
	}
}

// Claim atomically moves an issued ticket to the claimed state. It fails
// when the token is unknown, consumed, or already claimed by another upload.
func (r *Registry) Claim(token string) (*Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[token]
	if !ok || t.claimed {
		return nil, false
	}
	t.claimed = true
	return t, true
}

// Pending reports whether token names an issued, unclaimed ticket.
func (r *Registry) Pending(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[token]
	return ok && !t.claimed
}

// Release returns a claimed ticket to the issued state.
func (r *Registry) Release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tickets[token]; ok {
		t.claimed = false
	}
}

// Consume removes a ticket after its upload completed.
func (r *Registry) Consume(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(token)
}

// Revoke removes the ticket issued for fileID, claimed or not.
func (r *Registry) Revoke(fileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byFile[fileID]
	if !ok {
		return false
	}
	r.remove(token)
	return true
}

// Len returns the number of outstanding tickets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tickets)
}

func (r *Registry) remove(token string) {
	t, ok := r.tickets[token]
	if !ok {
		return
	}
	delete(r.tickets, token)
	if r.byFile[t.Expected.ID] == token {
		delete(r.byFile, t.Expected.ID)
	}
}

// generateSecureToken produces a cryptographically secure random string
// drawn from tokenCharset.
func generateSecureToken(length int) (string, error) {
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenCharset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = tokenCharset[n.Int64()]
	}
	return string(result), nil
}

// validToken reports whether s could have been produced by generateSecureToken.
func validToken(s string) bool {
	if len(s) != tokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
