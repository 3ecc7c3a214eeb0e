package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"hermes/internal/server/health"
	"hermes/internal/server/metrics"
	"hermes/internal/server/upload"

	"github.com/labstack/echo/v4"
)

// Upload response statuses.
const (
	statusOK   = "OK"
	statusFail = "FAIL"
)

// Uploads is the gateway behind the upload and download routes.
type Uploads interface {
	Pending(token string) bool
	Accept(ctx context.Context, token string, form *multipart.Form) error
	Open(ctx context.Context, locator string) (io.ReadCloser, upload.Download, error)
}

// Pinger reports whether the metadata store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the HTTP handlers for the upload/download surface.
type Handler struct {
	uploads  Uploads
	store    Pinger
	reporter *health.Reporter
	maxSize  int64
}

// NewHandler creates a new handler. maxSize is the configured upload limit.
func NewHandler(uploads Uploads, store Pinger, reporter *health.Reporter, maxSize int64) *Handler {
	return &Handler{uploads: uploads, store: store, reporter: reporter, maxSize: maxSize}
}

// uploadResponse is the body of every upload response.
type uploadResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HandleUpload handles POST /upload/:token.
// Accepts a multipart form carrying exactly one file in the "data" field.
func (h *Handler) HandleUpload(c echo.Context) error {
	token := c.Param("token")

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case !h.uploads.Pending(token):
			err = upload.ErrTokenNotFound
		case errors.As(err, &tooLarge):
			err = upload.ErrPayloadTooLarge
		default:
			err = upload.ErrNoFile
		}
		return h.uploadFailed(c, err)
	}
	defer form.RemoveAll()

	if err := h.uploads.Accept(c.Request().Context(), token, form); err != nil {
		return h.uploadFailed(c, err)
	}

	metrics.Uploads.WithLabelValues("ok").Inc()
	h.reporter.Tracker().Record(true)
	return c.JSON(http.StatusOK, uploadResponse{Status: statusOK})
}

func (h *Handler) uploadFailed(c echo.Context, err error) error {
	status := mapUploadError(err)
	message := err.Error()
	outcome := "rejected"
	if status == http.StatusInternalServerError {
		outcome = "failed"
		slog.Error("upload failed", "token", c.Param("token"), "error", err)
		if !errors.Is(err, upload.ErrUploadFailed) {
			message = "internal server error"
		}
	}

	metrics.Uploads.WithLabelValues(outcome).Inc()
	h.reporter.Tracker().Record(status < http.StatusInternalServerError)
	return c.JSON(status, uploadResponse{Status: statusFail, Error: message})
}

// HandleDownload handles GET /download/:locator.
// Streams the stored bytes as an attachment named and typed after the file
// record.
func (h *Handler) HandleDownload(c echo.Context) error {
	rc, d, err := h.uploads.Open(c.Request().Context(), c.Param("locator"))
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
		case errors.Is(err, upload.ErrUnavailable):
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "downloads are not available yet"})
		default:
			slog.Error("download failed", "locator", c.Param("locator"), "error", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
		}
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": d.Name}))
	return c.Stream(http.StatusOK, downloadType(d), rc)
}

// HandleHealth handles GET /health.
// Pings the metadata store and returns the combined health report.
func (h *Handler) HandleHealth(c echo.Context) error {
	if h.store != nil {
		h.reporter.SetTrait(health.TraitDatabase, h.store.Ping(c.Request().Context()) == nil)
	}

	report := h.reporter.Report()
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, echo.Map{
		"status":          report.Status,
		"traits":          report.Traits,
		"successful":      report.Successful,
		"errored":         report.Errored,
		"max_upload_size": humanizeBytes(h.maxSize),
	})
}

// downloadType prefers the type recorded at upload, then the name's extension.
func downloadType(d upload.Download) string {
	if d.ContentType != "" {
		return d.ContentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(d.Name)); ct != "" {
		return ct
	}
	return echo.MIMEOctetStream
}

// mapUploadError translates gateway errors into HTTP status codes.
func mapUploadError(err error) int {
	switch {
	case errors.Is(err, upload.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrNoFile),
		errors.Is(err, upload.ErrWrongField),
		errors.Is(err, upload.ErrTooManyFiles):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrPolicyRejected):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
