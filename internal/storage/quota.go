package storage

import "github.com/froggyxyz/archiverse-infra/internal/models"

// StorageInfo reports the owner's current usage and limit.
func (s *Storage) StorageInfo(ownerID string) (models.StorageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.Users[ownerID]; !ok {
		return models.StorageInfo{}, ErrNotFound
	}
	entry := s.data.Ledgers[ownerID]
	return models.StorageInfo{
		UsedBytes:  entry.UsedBytes,
		LimitBytes: limitOrDefault(entry.LimitBytes),
	}, nil
}

// CheckQuota reports whether sizeBytes fits in the owner's remaining
// headroom.
func (s *Storage) CheckQuota(ownerID string, sizeBytes int64) (bool, error) {
	info, err := s.StorageInfo(ownerID)
	if err != nil {
		return false, err
	}
	remaining := info.LimitBytes - info.UsedBytes
	if remaining < 0 {
		remaining = 0
	}
	return sizeBytes <= remaining, nil
}

// AddUsage applies an atomic increment to the owner's usage counter. Values
// of zero or less are ignored.
func (s *Storage) AddUsage(ownerID string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return nil
	}
	return s.adjustUsage(ownerID, sizeBytes)
}

// SubtractUsage applies an atomic decrement, clamped at zero. Values of zero
// or less are ignored.
func (s *Storage) SubtractUsage(ownerID string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return nil
	}
	return s.adjustUsage(ownerID, -sizeBytes)
}

func (s *Storage) adjustUsage(ownerID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	entry := updated.Ledgers[ownerID]
	entry.UsedBytes += delta
	if entry.UsedBytes < 0 {
		entry.UsedBytes = 0
	}
	updated.Ledgers[ownerID] = entry
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func limitOrDefault(limit int64) int64 {
	if limit <= 0 {
		return DefaultStorageLimitBytes
	}
	return limit
}
