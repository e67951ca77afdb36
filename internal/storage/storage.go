package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

type ledger struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"`
}

type dataset struct {
	Users   map[string]models.User  `json:"users"`
	Media   map[string]models.Media `json:"media"`
	Ledgers map[string]ledger       `json:"ledgers"`
}

// Storage is a mutex-guarded in-memory repository, optionally persisted to a
// JSON file for single-binary deployments. Production installs use the
// Postgres repository instead.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset

	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Users:   make(map[string]models.User),
		Media:   make(map[string]models.Media),
		Ledgers: make(map[string]ledger),
	}
}

// NewStorage initialises a Storage backed by the JSON file at path. An empty
// path keeps everything in memory.
func NewStorage(path string) (*Storage, error) {
	s := &Storage{filePath: path, data: newDataset()}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read datastore: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode datastore: %w", err)
	}
	if data.Users == nil {
		data.Users = make(map[string]models.User)
	}
	if data.Media == nil {
		data.Media = make(map[string]models.Media)
	}
	if data.Ledgers == nil {
		data.Ledgers = make(map[string]ledger)
	}
	s.data = data
	return s, nil
}

// Ping reports readiness. The in-memory store is always available.
func (s *Storage) Ping(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}
	if s.filePath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), "datastore-*.tmp")
	if err != nil {
		return fmt.Errorf("stage datastore: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("flush datastore: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}

func cloneDataset(data dataset) dataset {
	out := newDataset()
	for id, user := range data.Users {
		out.Users[id] = user
	}
	for id, media := range data.Media {
		out.Media[id] = cloneMedia(media)
	}
	for id, entry := range data.Ledgers {
		out.Ledgers[id] = entry
	}
	return out
}

func cloneMedia(m models.Media) models.Media {
	m.StageProgress = cloneFloatPtr(m.StageProgress)
	m.SizeBytes = cloneInt64Ptr(m.SizeBytes)
	m.OriginalKey = cloneStringPtr(m.OriginalKey)
	m.ThumbnailKey = cloneStringPtr(m.ThumbnailKey)
	m.ManifestKey = cloneStringPtr(m.ManifestKey)
	m.JobID = cloneStringPtr(m.JobID)
	return m
}

func cloneStringPtr(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneInt64Ptr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneFloatPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
