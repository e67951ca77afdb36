package storage

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

// CreateMedia registers a new media record in the UPLOADING state.
func (s *Storage) CreateMedia(params CreateMediaParams) (models.Media, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return models.Media{}, errors.New("owner is required")
	}
	if strings.TrimSpace(params.Filename) == "" {
		return models.Media{}, errors.New("filename is required")
	}
	kind := params.Kind
	if kind == "" {
		kind = models.KindFromMime(params.MimeType)
	}

	media := models.Media{
		ID:        uuid.NewString(),
		OwnerID:   params.OwnerID,
		Filename:  params.Filename,
		MimeType:  params.MimeType,
		Kind:      kind,
		Status:    models.MediaStatusUploading,
		Stage:     models.StageUploading,
		SizeBytes: cloneInt64Ptr(params.SizeBytes),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	updated.Media[media.ID] = media
	if err := s.persistDataset(updated); err != nil {
		return models.Media{}, err
	}
	s.data = updated
	return cloneMedia(media), nil
}

// GetMedia returns a media record scoped to its owner. A record owned by a
// different user is reported as absent.
func (s *Storage) GetMedia(ownerID, mediaID string) (models.Media, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	media, ok := s.data.Media[mediaID]
	if !ok || media.OwnerID != ownerID {
		return models.Media{}, false
	}
	return cloneMedia(media), true
}

// ListMedia returns one page of the owner's media, newest first, along with
// the total record count.
func (s *Storage) ListMedia(ownerID string, page, pageSize int) ([]models.Media, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	s.mu.RLock()
	all := make([]models.Media, 0)
	for _, media := range s.data.Media {
		if media.OwnerID == ownerID {
			all = append(all, cloneMedia(media))
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return []models.Media{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// UpdateMedia applies a partial update to the media record. It is keyed by
// mediaID alone because the transcode worker, not a user request, is the
// caller on the hot path.
func (s *Storage) UpdateMedia(mediaID string, update MediaUpdate) (models.Media, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	media, ok := s.data.Media[mediaID]
	if !ok {
		return models.Media{}, ErrNotFound
	}
	media = cloneMedia(media)
	applyMediaUpdate(&media, update)

	updated := cloneDataset(s.data)
	updated.Media[mediaID] = media
	if err := s.persistDataset(updated); err != nil {
		return models.Media{}, err
	}
	s.data = updated
	return cloneMedia(media), nil
}

// DeleteMedia removes the record. Blob cleanup happens before this call; the
// record removal must succeed regardless.
func (s *Storage) DeleteMedia(mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Media[mediaID]; !ok {
		return ErrNotFound
	}
	updated := cloneDataset(s.data)
	delete(updated.Media, mediaID)
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func applyMediaUpdate(media *models.Media, update MediaUpdate) {
	if update.Status != nil {
		media.Status = *update.Status
	}
	if update.Stage != nil {
		media.Stage = *update.Stage
		if update.StageProgress == nil {
			zero := 0.0
			media.StageProgress = &zero
		}
	}
	if update.StageProgress != nil {
		media.StageProgress = cloneFloatPtr(update.StageProgress)
	}
	if update.SizeBytes != nil {
		media.SizeBytes = cloneInt64Ptr(update.SizeBytes)
	}
	if update.OriginalKey != nil {
		media.OriginalKey = cloneStringPtr(update.OriginalKey)
	}
	if update.ThumbnailKey != nil {
		media.ThumbnailKey = cloneStringPtr(update.ThumbnailKey)
	}
	if update.ManifestKey != nil {
		media.ManifestKey = cloneStringPtr(update.ManifestKey)
	}
	if update.JobID != nil {
		media.JobID = cloneStringPtr(update.JobID)
	}
}
