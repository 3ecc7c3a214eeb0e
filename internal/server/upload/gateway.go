package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"path/filepath"
	"strings"
	"sync"

	"hermes/internal/server/database"
	"hermes/internal/server/metrics"
	"hermes/internal/server/storage"
)

// FieldName is the multipart field an upload must use.
const FieldName = "data"

// DownloadPrefix is prepended to a token to form a record's storage path.
const DownloadPrefix = "/download/"

var (
	ErrTokenNotFound   = errors.New("upload token not found")
	ErrNoFile          = errors.New("must provide a file")
	ErrWrongField      = errors.New("file must be provided through the data parameter")
	ErrTooManyFiles    = errors.New("must provide only one file")
	ErrPayloadTooLarge = errors.New("file is too large")
	ErrPolicyRejected  = errors.New("this file type is not permitted to be uploaded to this node")
	ErrUploadFailed    = errors.New("failed to finalise upload")

	// ErrNotFound is returned by downloads, and by resolvers when no record
	// matches a storage path.
	ErrNotFound    = errors.New("file not found")
	ErrUnavailable = errors.New("download resolver not registered")
)

// Download describes the file record behind a download locator.
type Download struct {
	Name        string
	ContentType string
}

// Resolver maps a storage path to the file record it belongs to.
// It returns ErrNotFound when no record matches.
type Resolver func(ctx context.Context, storagePath string) (Download, error)

// Gateway enforces the upload policy, persists bytes, and serves them back.
type Gateway struct {
	registry *Registry
	blobs    storage.Store
	policy   Policy
	baseURL  string
	logger   *slog.Logger

	mu       sync.RWMutex
	resolver Resolver
}

// NewGateway creates an upload/download gateway.
func NewGateway(registry *Registry, blobs storage.Store, policy Policy, baseURL string, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		blobs:    blobs,
		policy:   policy,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger.With(slog.String("component", "upload_gateway")),
	}
}

// SetResolver registers the function used to name downloads.
func (g *Gateway) SetResolver(r Resolver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolver = r
}

// Provision issues a ticket for file and returns the URL the bytes must be
// posted to.
func (g *Gateway) Provision(file database.FileRecord, onComplete Completion) (string, error) {
	token, err := g.registry.Issue(file, onComplete)
	if err != nil {
		return "", err
	}
	return g.baseURL + "/upload/" + token, nil
}

// Revoke drops the outstanding ticket of a file record.
func (g *Gateway) Revoke(fileID string) bool {
	return g.registry.Revoke(fileID)
}

// Pending reports whether token can currently accept an upload.
func (g *Gateway) Pending(token string) bool {
	return g.registry.Pending(token)
}

// Locate turns a storage path into a public download URL.
func (g *Gateway) Locate(_ context.Context, storagePath string) (string, error) {
	if !strings.HasPrefix(storagePath, DownloadPrefix) {
		return "", fmt.Errorf("unexpected storage path %q", storagePath)
	}
	return g.baseURL + storagePath, nil
}

// Remove deletes the bytes stored under storagePath.
func (g *Gateway) Remove(ctx context.Context, storagePath string) error {
	key := strings.TrimPrefix(storagePath, DownloadPrefix)
	if !validToken(key) {
		return nil
	}
	return g.blobs.Delete(ctx, key)
}

// Accept runs an upload against token. Checks run in order and the first
// failure wins; nothing is written until every check passes. The ticket is
// consumed only when the completion succeeded.
func (g *Gateway) Accept(ctx context.Context, token string, form *multipart.Form) error {
	ticket, ok := g.registry.Claim(token)
	if !ok {
		return ErrTokenNotFound
	}
	consumed := false
	defer func() {
		if !consumed {
			g.registry.Release(token)
		}
	}()

	fh, err := singleFile(form)
	if err != nil {
		return err
	}
	if err := g.policy.CheckSize(fh.Size); err != nil {
		return err
	}
	contentType := normalizeContentType(fh.Header.Get("Content-Type"))
	if err := g.policy.CheckType(contentType); err != nil {
		return err
	}

	if fh.Size != ticket.Expected.Size {
		g.logger.Warn("file size not a match",
			slog.String("file_id", ticket.Expected.ID),
			slog.Int64("expected", ticket.Expected.Size),
			slog.Int64("received", fh.Size),
		)
	}

	done, err := g.save(ctx, token, fh)
	if err != nil {
		g.logger.Error("failed to store upload",
			slog.String("file_id", ticket.Expected.ID),
			slog.String("error", err.Error()),
		)
		return ErrUploadFailed
	}
	done.ContentType = contentType

	if err := ticket.OnComplete(ctx, done); err != nil {
		g.logger.Error("failed to finalise upload",
			slog.String("file_id", ticket.Expected.ID),
			slog.String("error", err.Error()),
		)
		if rmErr := g.blobs.Delete(ctx, token); rmErr != nil {
			g.logger.Error("failed to remove orphaned bytes",
				slog.String("token", token),
				slog.String("error", rmErr.Error()),
			)
		}
		return ErrUploadFailed
	}

	g.registry.Consume(token)
	consumed = true
	metrics.UploadedBytes.Add(float64(done.Size))

	g.logger.Info("upload completed",
		slog.String("file_id", ticket.Expected.ID),
		slog.String("filename", done.Filename),
		slog.Int64("size", done.Size),
		slog.String("checksum", done.Checksum),
	)
	return nil
}

func (g *Gateway) save(ctx context.Context, token string, fh *multipart.FileHeader) (Completed, error) {
	src, err := fh.Open()
	if err != nil {
		return Completed{}, fmt.Errorf("failed to read uploaded file: %w", err)
	}
	defer src.Close()

	hasher := sha256.New()
	n, err := g.blobs.Save(ctx, token, io.TeeReader(src, hasher), fh.Size)
	if err != nil {
		return Completed{}, err
	}

	return Completed{
		StoragePath: DownloadPrefix + token,
		Filename:    sanitizeFilename(fh.Filename),
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		Size:        n,
	}, nil
}

// Open resolves a download locator to its record details and stored bytes.
func (g *Gateway) Open(ctx context.Context, locator string) (io.ReadCloser, Download, error) {
	if !validToken(locator) {
		return nil, Download{}, ErrNotFound
	}

	g.mu.RLock()
	resolve := g.resolver
	g.mu.RUnlock()
	if resolve == nil {
		return nil, Download{}, ErrUnavailable
	}

	d, err := resolve(ctx, DownloadPrefix+locator)
	if err != nil {
		return nil, Download{}, err
	}

	rc, err := g.blobs.Open(ctx, locator)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Download{}, ErrNotFound
		}
		return nil, Download{}, err
	}
	return rc, d, nil
}

// singleFile returns the only file of form, which must arrive under FieldName.
func singleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, ErrNoFile
	}
	total := 0
	for _, headers := range form.File {
		total += len(headers)
	}
	switch {
	case total == 0:
		return nil, ErrNoFile
	case total > 1:
		return nil, ErrTooManyFiles
	}
	headers, ok := form.File[FieldName]
	if !ok || len(headers) != 1 {
		return nil, ErrWrongField
	}
	return headers[0], nil
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload"
	}

	return name
}
