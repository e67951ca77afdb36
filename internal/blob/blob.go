package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// Store abstracts the object storage backend holding originals, thumbnails,
// and transcoded output.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stream(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	PresignedGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

const keyPrefix = "archive"

// OriginalKey derives the storage key for an uploaded source file.
func OriginalKey(ownerID, mediaID, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s/%s.%s", keyPrefix, ownerID, mediaID, ext)
}

// ThumbnailKey derives the storage key for a video's preview frame.
func ThumbnailKey(ownerID, mediaID string) string {
	return fmt.Sprintf("%s/%s/%s.thumb.jpg", keyPrefix, ownerID, mediaID)
}

// HLSPrefix derives the storage prefix under which every transcoded file for a
// media lives. The master manifest is <prefix>/playlist.m3u8.
func HLSPrefix(ownerID, mediaID string) string {
	return fmt.Sprintf("%s/%s/%s", keyPrefix, ownerID, mediaID)
}

// ManifestKey derives the storage key of the master HLS manifest.
func ManifestKey(ownerID, mediaID string) string {
	return HLSPrefix(ownerID, mediaID) + "/playlist.m3u8"
}
