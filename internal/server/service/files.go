package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"hermes/internal/server/database"
	"hermes/internal/server/upload"
)

// Entity kinds understood by Discover.
const (
	KindFile  = "file"
	KindEvent = "event"
)

// locateConcurrency bounds concurrent download URL resolution per query.
const locateConcurrency = 8

// Provisioner is the upload gateway as seen by the coordinator.
type Provisioner interface {
	Provision(file database.FileRecord, onComplete upload.Completion) (string, error)
	Revoke(fileID string) bool
	Locate(ctx context.Context, storagePath string) (string, error)
	Remove(ctx context.Context, storagePath string) error
}

// CreateResult is returned after a record has been allocated.
type CreateResult struct {
	ID        string `json:"id"`
	UploadURL string `json:"uploadURI"`
}

// FileService coordinates the file record lifecycle: allocation, ticket
// issuance, finalization once bytes arrive, queries, and removal.
type FileService struct {
	store   database.Store
	uploads Provisioner
	logger  *slog.Logger
}

// NewFileService creates a new file service.
func NewFileService(store database.Store, uploads Provisioner, logger *slog.Logger) *FileService {
	return &FileService{
		store:   store,
		uploads: uploads,
		logger:  logger.With(slog.String("component", "file_service")),
	}
}

// Create inserts an incomplete record and provisions its upload URL.
func (s *FileService) Create(ctx context.Context, file database.NewFile) (*CreateResult, error) {
	switch {
	case strings.TrimSpace(file.Name) == "":
		return nil, invalid("name is required")
	case strings.TrimSpace(file.Filename) == "":
		return nil, invalid("filename is required")
	case file.Owner == "":
		return nil, invalid("owner is required")
	case file.Size < 0:
		return nil, invalid("size must not be negative")
	}

	id, err := s.store.Create(ctx, file)
	if err != nil {
		return nil, translate(err)
	}

	rec := database.FileRecord{
		ID:          id,
		Name:        file.Name,
		Filename:    file.Filename,
		Size:        file.Size,
		Type:        file.Type,
		ContentType: file.ContentType,
		Owner:       file.Owner,
		Events:      []string{},
	}
	uploadURL, err := s.uploads.Provision(rec, s.finalizer(id))
	if err != nil {
		if _, delErr := s.store.Delete(ctx, id); delErr != nil {
			s.logger.Error("failed to remove unprovisioned file",
				slog.String("file_id", id),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to provision upload: %w", err)
	}

	s.logger.Info("file created",
		slog.String("file_id", id),
		slog.String("owner", file.Owner),
		slog.Int64("size", file.Size),
	)
	return &CreateResult{ID: id, UploadURL: uploadURL}, nil
}

// finalizer returns the completion that attaches uploaded bytes to record id.
func (s *FileService) finalizer(id string) upload.Completion {
	return func(ctx context.Context, done upload.Completed) error {
		err := s.store.Finalize(ctx, id, database.Finalization{
			StoragePath: done.StoragePath,
			Filename:    done.Filename,
			ContentType: done.ContentType,
			Checksum:    done.Checksum,
		})
		if err != nil {
			return translate(err)
		}
		s.logger.Info("file finalized", slog.String("file_id", id), slog.String("path", done.StoragePath))
		return nil
	}
}

// Query returns matching records with download URLs attached to the
// complete ones.
func (s *FileService) Query(ctx context.Context, q database.Query) ([]database.FileRecord, error) {
	files, err := s.store.Find(ctx, q)
	if err != nil {
		return nil, translate(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(locateConcurrency)
	for i := range files {
		if !files[i].Complete() {
			continue
		}
		f := &files[i]
		g.Go(func() error {
			url, err := s.uploads.Locate(gctx, f.StoragePath)
			if err != nil {
				return fmt.Errorf("failed to locate %s: %w", f.ID, err)
			}
			f.DownloadURL = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if files == nil {
		files = []database.FileRecord{}
	}
	return files, nil
}

// Update changes the mutable descriptive fields of one record.
func (s *FileService) Update(ctx context.Context, id string, fields database.Fields) error {
	if !s.store.ValidID(id) {
		return invalid("invalid file id %q", id)
	}
	if fields.Empty() {
		return invalid("update contains no changes")
	}
	return translate(s.store.Update(ctx, id, fields))
}

// Delete removes a record, its outstanding ticket, and its stored bytes.
func (s *FileService) Delete(ctx context.Context, id string) error {
	if !s.store.ValidID(id) {
		return invalid("invalid file id %q", id)
	}

	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return translate(err)
	}
	s.uploads.Revoke(id)
	s.removeBytes(ctx, removed)

	s.logger.Info("file deleted", slog.String("file_id", id))
	return nil
}

// ResolveDownload describes the download stored under storagePath. It is
// registered with the gateway as its resolver.
func (s *FileService) ResolveDownload(ctx context.Context, storagePath string) (upload.Download, error) {
	files, err := s.store.Find(ctx, database.Query{StoragePath: storagePath})
	if err != nil {
		return upload.Download{}, err
	}
	if len(files) == 0 {
		return upload.Download{}, upload.ErrNotFound
	}
	return upload.Download{Name: files[0].Filename, ContentType: files[0].ContentType}, nil
}

// Discover reports how many file records reference the entity.
func (s *FileService) Discover(ctx context.Context, kind, id string) (int64, error) {
	switch kind {
	case KindFile:
		if !s.store.ValidID(id) {
			return 0, invalid("invalid file id %q", id)
		}
		files, err := s.store.Find(ctx, database.Query{ID: id})
		if err != nil {
			return 0, translate(err)
		}
		return int64(len(files)), nil
	case KindEvent:
		if id == "" {
			return 0, invalid("event id is required")
		}
		n, err := s.store.CountByEvent(ctx, id)
		return n, translate(err)
	default:
		return 0, invalid("unknown entity type %q", kind)
	}
}

// DeleteEvent removes every file record bound to eventID and returns the
// ids that were deleted.
func (s *FileService) DeleteEvent(ctx context.Context, eventID string) ([]string, error) {
	if eventID == "" {
		return nil, invalid("event id is required")
	}

	files, err := s.store.Find(ctx, database.Query{Event: eventID})
	if err != nil {
		return nil, translate(err)
	}

	deleted := make([]string, 0, len(files))
	for _, f := range files {
		removed, err := s.store.Delete(ctx, f.ID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return deleted, translate(err)
		}
		s.uploads.Revoke(f.ID)
		s.removeBytes(ctx, removed)
		deleted = append(deleted, f.ID)
	}

	s.logger.Info("event cascade complete",
		slog.String("event_id", eventID),
		slog.Int("deleted", len(deleted)),
	)
	return deleted, nil
}

func (s *FileService) removeBytes(ctx context.Context, f database.FileRecord) {
	if !f.Complete() {
		return
	}
	if err := s.uploads.Remove(ctx, f.StoragePath); err != nil {
		s.logger.Error("failed to delete stored bytes",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
	}
}
