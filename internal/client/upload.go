package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
)

// FieldName is the multipart field the server reads the file from.
const FieldName = "data"

// ErrRejected is returned when the server answered with status FAIL.
var ErrRejected = errors.New("upload rejected")

// Result is the server's reply to an upload.
type Result struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Code   int    `json:"-"`
}

// Client posts files to upload URLs.
type Client struct {
	HTTP *http.Client
}

// New returns a client using http.DefaultClient.
func New() *Client {
	return &Client{HTTP: http.DefaultClient}
}

// Upload streams body to uploadURL as a single multipart file named name.
// A FAIL reply is returned alongside an error wrapping ErrRejected.
func (c *Client) Upload(ctx context.Context, uploadURL, name, contentType string, body io.Reader) (*Result, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writePart(mw, name, contentType, body)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send upload: %w", err)
	}
	defer resp.Body.Close()

	res := &Result{Code: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return nil, fmt.Errorf("unexpected response (HTTP %d): %w", resp.StatusCode, err)
	}
	if res.Status != "OK" {
		return res, fmt.Errorf("%w (HTTP %d): %s", ErrRejected, resp.StatusCode, res.Error)
	}
	return res, nil
}

func writePart(mw *multipart.Writer, name, contentType string, body io.Reader) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     FieldName,
		"filename": name,
	}))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, body)
	return err
}

// ContentType guesses the media type of a file from its extension.
func ContentType(name string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ct == "" {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct
	}
	return mediaType
}
