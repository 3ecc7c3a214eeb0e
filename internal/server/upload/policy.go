package upload

import (
	"fmt"
	"mime"
	"slices"
	"strings"
)

// MIMEMode selects how Policy.MIMEList is interpreted.
type MIMEMode string

const (
	MIMEAllow MIMEMode = "allow"
	MIMEDeny  MIMEMode = "deny"
)

// Policy is the size and content type policy enforced on uploads.
type Policy struct {
	MaxSize  int64
	Mode     MIMEMode
	MIMEList []string
}

// CheckSize rejects payloads larger than MaxSize.
func (p Policy) CheckSize(size int64) error {
	if size > p.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrPayloadTooLarge, size, p.MaxSize)
	}
	return nil
}

// CheckType applies the allow-list or deny-list to contentType.
func (p Policy) CheckType(contentType string) error {
	listed := slices.Contains(p.MIMEList, contentType)
	if (p.Mode == MIMEAllow && !listed) || (p.Mode != MIMEAllow && listed) {
		return ErrPolicyRejected
	}
	return nil
}

// normalizeContentType strips parameters from a Content-Type header and
// defaults to application/octet-stream.
func normalizeContentType(header string) string {
	if header == "" {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		if idx := strings.Index(header, ";"); idx != -1 {
			header = header[:idx]
		}
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mediaType
}
