package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

// Snapshot holds a point-in-time copy of the JSON datastore for migration
// into Postgres.
type Snapshot struct {
	data dataset
}

// SnapshotCounts summarises a snapshot for logging and verification.
type SnapshotCounts struct {
	Users   int
	Media   int
	Ledgers int
}

// LoadSnapshotFromJSON reads the JSON datastore at path into a Snapshot.
func LoadSnapshotFromJSON(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read datastore: %w", err)
	}
	data := newDataset()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return Snapshot{}, fmt.Errorf("decode datastore: %w", err)
		}
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
	return Snapshot{data: data}, nil
}

// Counts reports how many rows the snapshot will produce per table.
func (s Snapshot) Counts() SnapshotCounts {
	return SnapshotCounts{
		Users:   len(s.data.Users),
		Media:   len(s.data.Media),
		Ledgers: len(s.data.Ledgers),
	}
}

// ImportSnapshotToPostgres writes the snapshot into the Postgres schema,
// creating it when absent. Existing rows with matching IDs are left in place
// so re-running the migration is safe.
func ImportSnapshotToPostgres(ctx context.Context, dsn string, snap Snapshot) error {
	repo, err := NewPostgresRepository(ctx, PostgresConfig{DSN: dsn})
	if err != nil {
		return err
	}
	pr, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("unexpected repository implementation %T", repo)
	}
	defer pr.Close()

	for _, user := range snap.data.Users {
		_, err := pr.pool.Exec(ctx,
			`INSERT INTO users (id, display_name, email, password_hash, created_at)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
			user.ID, user.DisplayName, user.Email, user.PasswordHash, user.CreatedAt)
		if err != nil {
			return fmt.Errorf("import user %s: %w", user.ID, err)
		}
	}
	for _, media := range snap.data.Media {
		_, err := pr.pool.Exec(ctx,
			`INSERT INTO media (id, owner_id, filename, mime_type, kind, status, stage, stage_progress,
			 size_bytes, original_key, thumbnail_key, manifest_key, job_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO NOTHING`,
			media.ID, media.OwnerID, media.Filename, media.MimeType, media.Kind,
			media.Status, media.Stage, media.StageProgress, media.SizeBytes,
			media.OriginalKey, media.ThumbnailKey, media.ManifestKey, media.JobID,
			media.CreatedAt)
		if err != nil {
			return fmt.Errorf("import media %s: %w", media.ID, err)
		}
	}
	for userID, entry := range snap.data.Ledgers {
		_, err := pr.pool.Exec(ctx,
			`INSERT INTO storage_ledgers (user_id, used_bytes, limit_bytes)
			 VALUES ($1, $2, $3) ON CONFLICT (user_id) DO NOTHING`,
			userID, entry.UsedBytes, entry.LimitBytes)
		if err != nil {
			return fmt.Errorf("import ledger %s: %w", userID, err)
		}
	}
	return nil
}
