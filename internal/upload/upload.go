package upload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for unknown upload IDs and for uploads that
	// belong to a different owner.
	ErrNotFound = errors.New("upload not found")
	// ErrOffsetMismatch is returned when a chunk arrives for an offset other
	// than the current one.
	ErrOffsetMismatch = errors.New("upload offset mismatch")
	// ErrSizeExceeded is returned when a chunk would write past the declared
	// upload length.
	ErrSizeExceeded = errors.New("upload exceeds declared length")
)

// Upload is a snapshot of one resumable upload in flight.
type Upload struct {
	ID          string
	OwnerID     string
	Length      int64
	Offset      int64
	Filename    string
	ContentType string
	CreatedAt   time.Time
}

// Complete reports whether every declared byte has arrived.
func (u Upload) Complete() bool {
	return u.Offset >= u.Length
}

// ParseMetadata decodes a tus Upload-Metadata header: comma-separated
// key/value pairs where the value is base64 and may be absent.
func ParseMetadata(header string) (map[string]string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	metadata := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		fields := strings.Fields(pair)
		key := fields[0]
		if key == "" {
			return nil, fmt.Errorf("metadata key missing in %q", pair)
		}
		if len(fields) == 1 {
			metadata[key] = ""
			continue
		}
		if len(fields) > 2 {
			return nil, fmt.Errorf("malformed metadata pair %q", pair)
		}
		decoded, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			return nil, fmt.Errorf("decode metadata value for %s: %w", key, err)
		}
		metadata[key] = string(decoded)
	}
	return metadata, nil
}

// sanitizeContentType keeps only plausible MIME types. Anything containing
// control characters or non-ASCII falls back to application/octet-stream.
func sanitizeContentType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || !strings.Contains(value, "/") {
		return "application/octet-stream"
	}
	for _, r := range value {
		if r < 0x20 || r > 0x7e {
			return "application/octet-stream"
		}
	}
	return value
}

// extensionFromMime derives a file extension from the MIME subtype, so
// video/mp4 stores as .mp4. Unusable subtypes fall back to bin.
func extensionFromMime(contentType string) string {
	_, subtype, found := strings.Cut(contentType, "/")
	if !found {
		return "bin"
	}
	if idx := strings.IndexAny(subtype, "+;"); idx >= 0 {
		subtype = subtype[:idx]
	}
	subtype = strings.TrimSpace(strings.ToLower(subtype))
	if subtype == "" || strings.ContainsAny(subtype, "/\\. ") {
		return "bin"
	}
	return subtype
}
