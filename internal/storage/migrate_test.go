package storage

import (
	"path/filepath"
	"testing"
)

func TestLoadSnapshotFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	user, err := store.CreateUser(CreateUserParams{
		DisplayName: "Archivist",
		Email:       "archivist@example.com",
		Password:    "correct horse battery",
	})
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if _, err := store.CreateMedia(CreateMediaParams{
		OwnerID:  user.ID,
		Filename: "clip.mp4",
		MimeType: "video/mp4",
	}); err != nil {
		t.Fatalf("failed to create media: %v", err)
	}
	if err := store.AddUsage(user.ID, 1024); err != nil {
		t.Fatalf("failed to add usage: %v", err)
	}

	snap, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	counts := snap.Counts()
	if counts.Users != 1 || counts.Media != 1 || counts.Ledgers != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestLoadSnapshotFromJSONMissingFile(t *testing.T) {
	if _, err := LoadSnapshotFromJSON(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
