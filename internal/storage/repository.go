package storage

import (
	"context"
	"errors"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist or is not visible
	// to the requesting owner. Cross-owner reads deliberately produce the
	// same error as missing records.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials is returned for failed password authentication.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken is returned when registering a duplicate email address.
	ErrEmailTaken = errors.New("email already registered")
	// ErrQuotaExceeded is returned when an upload would overrun the owner's
	// storage limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// DefaultStorageLimitBytes is the per-user quota applied when no explicit
// limit is stored.
const DefaultStorageLimitBytes = int64(10) * 1024 * 1024 * 1024

// CreateUserParams captures the attributes required to register a user.
type CreateUserParams struct {
	DisplayName string
	Email       string
	Password    string
}

// CreateMediaParams captures the attributes known when an upload finishes.
type CreateMediaParams struct {
	OwnerID   string
	Filename  string
	MimeType  string
	Kind      models.MediaKind
	SizeBytes *int64
}

// MediaUpdate applies a partial update to a media record. Nil fields are left
// untouched, so replays of the same update converge to the same state.
type MediaUpdate struct {
	Status        *models.MediaStatus
	Stage         *string
	StageProgress *float64
	SizeBytes     *int64
	OriginalKey   *string
	ThumbnailKey  *string
	ManifestKey   *string
	JobID         *string
}

// Repository exposes the datastore operations required by the upload server,
// the transcode worker, and the API handlers.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	GetUser(id string) (models.User, bool)

	CreateMedia(params CreateMediaParams) (models.Media, error)
	GetMedia(ownerID, mediaID string) (models.Media, bool)
	ListMedia(ownerID string, page, pageSize int) ([]models.Media, int, error)
	UpdateMedia(mediaID string, update MediaUpdate) (models.Media, error)
	DeleteMedia(mediaID string) error

	StorageInfo(ownerID string) (models.StorageInfo, error)
	CheckQuota(ownerID string, sizeBytes int64) (bool, error)
	AddUsage(ownerID string, sizeBytes int64) error
	SubtractUsage(ownerID string, sizeBytes int64) error
}

var _ Repository = (*Storage)(nil)
var _ Repository = (*postgresRepository)(nil)
