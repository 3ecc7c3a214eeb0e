package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/server/config"
	"hermes/internal/server/database"
	"hermes/internal/server/health"
	"hermes/internal/server/service"
	"hermes/internal/server/storage"
	"hermes/internal/server/upload"
)

type testServer struct {
	e        *echo.Echo
	files    *service.FileService
	store    *database.MemoryStore
	reporter *health.Reporter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		MaxFileSize:    1024,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}

	store := database.NewMemoryStore()
	gateway := upload.NewGateway(
		upload.NewRegistry(),
		storage.NewFileSystemStore(t.TempDir()),
		upload.Policy{MaxSize: cfg.MaxFileSize, Mode: upload.MIMEDeny, MIMEList: []string{"application/x-msdownload"}},
		"http://files.test",
		logger,
	)
	files := service.NewFileService(store, gateway, logger)
	gateway.SetResolver(files.ResolveDownload)

	reporter := health.NewReporter(health.NewTracker(100))
	handler := NewHandler(gateway, store, reporter, cfg.MaxFileSize)
	return &testServer{e: SetupRouter(handler, cfg), files: files, store: store, reporter: reporter}
}

// create allocates a record and returns its id and upload path.
func (s *testServer) create(t *testing.T, size int64) (string, string) {
	t.Helper()
	res, err := s.files.Create(context.Background(), database.NewFile{
		Name:     "report",
		Filename: "report.pdf",
		Size:     size,
		Owner:    "alice",
	})
	require.NoError(t, err)
	return res.ID, strings.TrimPrefix(res.UploadURL, "http://files.test")
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	pw, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (s *testServer) post(t *testing.T, path string, body io.Reader, contentType string) (*httptest.ResponseRecorder, uploadResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	return rec, resp
}

func TestHandleUpload(t *testing.T) {
	payload := []byte("%PDF-1.4 test")

	t.Run("uploads and finalizes the record", func(t *testing.T) {
		s := newTestServer(t)
		id, path := s.create(t, int64(len(payload)))

		body, ct := multipartBody(t, upload.FieldName, "final.pdf", "application/pdf", payload)
		rec, resp := s.post(t, path, body, ct)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uploadResponse{Status: "OK"}, resp)

		files, err := s.files.Query(context.Background(), database.Query{ID: id})
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.True(t, files[0].Complete())
		assert.Equal(t, "final.pdf", files[0].Filename)
		assert.Equal(t, "application/pdf", files[0].ContentType)
		assert.Regexp(t, `^http://files\.test/download/[A-Z0-9]{20}$`, files[0].DownloadURL)

		body, ct = multipartBody(t, upload.FieldName, "again.pdf", "application/pdf", payload)
		rec, resp = s.post(t, path, body, ct)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "FAIL", resp.Status)
	})

	t.Run("rejections", func(t *testing.T) {
		tests := []struct {
			name     string
			field    string
			ct       string
			data     []byte
			wantCode int
		}{
			{"wrong field", "file", "text/plain", payload, http.StatusBadRequest},
			{"too large", upload.FieldName, "text/plain", bytes.Repeat([]byte("x"), 2048), http.StatusRequestEntityTooLarge},
			{"denied type", upload.FieldName, "application/x-msdownload", payload, http.StatusUnsupportedMediaType},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := newTestServer(t)
				id, path := s.create(t, 0)

				body, ct := multipartBody(t, tt.field, "a.bin", tt.ct, tt.data)
				rec, resp := s.post(t, path, body, ct)
				assert.Equal(t, tt.wantCode, rec.Code)
				assert.Equal(t, "FAIL", resp.Status)
				assert.NotEmpty(t, resp.Error)

				files, err := s.files.Query(context.Background(), database.Query{ID: id})
				require.NoError(t, err)
				require.Len(t, files, 1)
				assert.False(t, files[0].Complete())
			})
		}
	})

	t.Run("body over the hard limit", func(t *testing.T) {
		s := newTestServer(t)
		_, path := s.create(t, 0)

		body, ct := multipartBody(t, upload.FieldName, "a.bin", "text/plain", bytes.Repeat([]byte("x"), 2*multipartOverhead))
		rec, resp := s.post(t, path, body, ct)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "FAIL", resp.Status)
	})

	t.Run("not multipart", func(t *testing.T) {
		s := newTestServer(t)
		_, path := s.create(t, 0)

		rec, resp := s.post(t, path, strings.NewReader("{}"), echo.MIMEApplicationJSON)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, upload.ErrNoFile.Error(), resp.Error)
	})

	t.Run("unknown token wins", func(t *testing.T) {
		s := newTestServer(t)

		rec, resp := s.post(t, "/upload/AAAAAAAAAAAAAAAAAAAA", strings.NewReader("{}"), echo.MIMEApplicationJSON)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "FAIL", resp.Status)
	})
}

func TestHandleDownload(t *testing.T) {
	s := newTestServer(t)
	payload := []byte("quarterly numbers")
	_, path := s.create(t, int64(len(payload)))

	body, ct := multipartBody(t, upload.FieldName, "quarterly report.txt", "text/plain", payload)
	rec, _ := s.post(t, path, body, ct)
	require.Equal(t, http.StatusOK, rec.Code)

	token := strings.TrimPrefix(path, "/upload/")

	t.Run("streams with display name", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/download/"+token, nil)
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, payload, rec.Body.Bytes())
		assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/plain")
		assert.Equal(t, `attachment; filename="quarterly report.txt"`, rec.Header().Get(echo.HeaderContentDisposition))
	})

	t.Run("uses the stored content type", func(t *testing.T) {
		_, path := s.create(t, int64(len(payload)))
		body, ct := multipartBody(t, upload.FieldName, "export.bin", "application/pdf", payload)
		rec, _ := s.post(t, path, body, ct)
		require.Equal(t, http.StatusOK, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/download/"+strings.TrimPrefix(path, "/upload/"), nil)
		rec = httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/pdf", rec.Header().Get(echo.HeaderContentType))
	})

	t.Run("unknown locator", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/download/BBBBBBBBBBBBBBBBBBBB", nil)
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHandleHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, health.StatusHealthy, body["status"])
		assert.Equal(t, "1.0 KB", body["max_upload_size"])
	})

	t.Run("database down", func(t *testing.T) {
		reporter := health.NewReporter(health.NewTracker(10))
		h := NewHandler(nil, failingPinger{}, reporter, 1024)
		e := SetupRouter(h, &config.Config{MaxFileSize: 1024, RateLimitRPS: 1, RateLimitBurst: 1})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), health.StatusUnhealthy)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.e.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hermes_http_requests_total")
}

func TestMapUploadError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{upload.ErrTokenNotFound, http.StatusNotFound},
		{upload.ErrNoFile, http.StatusBadRequest},
		{upload.ErrWrongField, http.StatusBadRequest},
		{upload.ErrTooManyFiles, http.StatusBadRequest},
		{upload.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{upload.ErrPolicyRejected, http.StatusUnsupportedMediaType},
		{upload.ErrUploadFailed, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapUploadError(tt.err), "error %v", tt.err)
	}
}

func TestHumanizeBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanizeBytes(512))
	assert.Equal(t, "1.0 KB", humanizeBytes(1024))
	assert.Equal(t, "100.0 MB", humanizeBytes(100*1024*1024))
}
