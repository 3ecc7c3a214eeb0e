package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"hermes/internal/server/database"
	"hermes/internal/server/upload"
)

// fakeUploads records tickets issued by FileService without an HTTP surface.
type fakeUploads struct {
	mu           sync.Mutex
	completions  map[string]upload.Completion
	revoked      []string
	removed      []string
	provisionErr error
	locateErr    error
}

func newFakeUploads() *fakeUploads {
	return &fakeUploads{completions: make(map[string]upload.Completion)}
}

func (f *fakeUploads) Provision(file database.FileRecord, onComplete upload.Completion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return "", f.provisionErr
	}
	f.completions[file.ID] = onComplete
	return "http://files.test/upload/" + file.ID, nil
}

func (f *fakeUploads) Revoke(fileID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, fileID)
	_, ok := f.completions[fileID]
	delete(f.completions, fileID)
	return ok
}

func (f *fakeUploads) Locate(_ context.Context, storagePath string) (string, error) {
	if f.locateErr != nil {
		return "", f.locateErr
	}
	return "http://files.test" + storagePath, nil
}

func (f *fakeUploads) Remove(_ context.Context, storagePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, storagePath)
	return nil
}

// complete runs the completion issued for id as if its bytes had arrived.
func (f *fakeUploads) complete(t *testing.T, id, token string) {
	t.Helper()
	f.mu.Lock()
	fn, ok := f.completions[id]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no completion issued for %s", id)
	}
	err := fn(context.Background(), upload.Completed{
		StoragePath: upload.DownloadPrefix + token,
		Filename:    "final.pdf",
		ContentType: "application/pdf",
		Checksum:    "abc123",
		Size:        1000,
	})
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
}

// finalizeOnDelete attaches bytes to a record right before deleting it, as
// an upload completing concurrently with the delete would.
type finalizeOnDelete struct {
	*database.MemoryStore
}

func (s *finalizeOnDelete) Delete(ctx context.Context, id string) (database.FileRecord, error) {
	if err := s.Finalize(ctx, id, database.Finalization{
		StoragePath: upload.DownloadPrefix + "TOKEN000000000000004",
		Filename:    "late.pdf",
	}); err != nil {
		return database.FileRecord{}, err
	}
	return s.MemoryStore.Delete(ctx, id)
}

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServices(t *testing.T) (*FileService, *BindingService, *fakeUploads) {
	t.Helper()
	store := database.NewMemoryStore()
	uploads := newFakeUploads()
	return NewFileService(store, uploads, discardLogger()), NewBindingService(store), uploads
}

func createFile(t *testing.T, svc *FileService, name, owner string) string {
	t.Helper()
	res, err := svc.Create(context.Background(), database.NewFile{
		Name:     name,
		Filename: name + ".pdf",
		Size:     1000,
		Type:     "document",
		Owner:    owner,
	})
	if err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	return res.ID
}
