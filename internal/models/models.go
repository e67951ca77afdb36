package models

import (
	"strings"
	"time"
)

// MediaKind classifies an archived asset by its broad content type.
type MediaKind string

const (
	MediaKindImage MediaKind = "IMAGE"
	MediaKindAudio MediaKind = "AUDIO"
	MediaKindVideo MediaKind = "VIDEO"
)

// MediaStatus tracks the coarse lifecycle of an archived asset.
type MediaStatus string

const (
	MediaStatusUploading  MediaStatus = "UPLOADING"
	MediaStatusProcessing MediaStatus = "PROCESSING"
	MediaStatusCompleted  MediaStatus = "COMPLETED"
	MediaStatusFailed     MediaStatus = "FAILED"
)

// Stage identifiers for the processing pipeline. Clients map these to labels.
const (
	StageUploading   = "uploading"
	StageUploaded    = "uploaded"
	StageValidating  = "validating"
	StageCompressing = "compressing"
	StageTranscoding = "transcoding"
	StageCompleted   = "completed"
	StageFailed      = "failed"
)

// User represents an account that owns archived media.
type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Media is one user-owned archived asset and the authoritative record of its
// transcode state. Blob keys are internal and never serialized to clients;
// access goes through presigned or token-gated URLs instead.
type Media struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"ownerId"`
	Filename      string      `json:"filename"`
	MimeType      string      `json:"mimeType"`
	Kind          MediaKind   `json:"type"`
	Status        MediaStatus `json:"status"`
	Stage         string      `json:"currentStage"`
	StageProgress *float64    `json:"stageProgress"`
	SizeBytes     *int64      `json:"size"`
	OriginalKey   *string     `json:"-"`
	ThumbnailKey  *string     `json:"-"`
	ManifestKey   *string     `json:"-"`
	JobID         *string     `json:"-"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// StorageInfo reports a user's storage ledger.
type StorageInfo struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"`
}

// TranscodeJob is the immutable payload placed on the transcode queue when an
// upload finishes. Delivery is at-least-once; consumers must be idempotent.
type TranscodeJob struct {
	MediaID   string `json:"mediaId"`
	OwnerID   string `json:"userId"`
	SourceKey string `json:"sourceKey"`
}

// ProgressEvent is the ephemeral stage/progress notification relayed from a
// worker to live subscribers. Lost events are acceptable; the Media record is
// the durable fallback.
type ProgressEvent struct {
	OwnerID  string  `json:"userId"`
	MediaID  string  `json:"mediaId"`
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
}

// KindFromMime derives the media kind from a MIME type. Unknown types are
// treated as video so they still flow through the full pipeline.
func KindFromMime(mime string) MediaKind {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return MediaKindVideo
	case strings.HasPrefix(mime, "audio/"):
		return MediaKindAudio
	case strings.HasPrefix(mime, "image/"):
		return MediaKindImage
	default:
		return MediaKindVideo
	}
}
