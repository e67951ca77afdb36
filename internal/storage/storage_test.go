package storage

import (
	"testing"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func createTestUser(t *testing.T, store *Storage, email string) models.User {
	t.Helper()
	user, err := store.CreateUser(CreateUserParams{
		DisplayName: "Tester",
		Email:       email,
		Password:    "correct horse",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

func TestCreateUserAndAuthenticate(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "viewer@example.com")

	authed, err := store.AuthenticateUser("Viewer@Example.com", "correct horse")
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if authed.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, authed.ID)
	}

	if _, err := store.AuthenticateUser("viewer@example.com", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := store.CreateUser(CreateUserParams{Email: "viewer@example.com", Password: "another pass"}); err != ErrEmailTaken {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestMediaOwnerScoping(t *testing.T) {
	store := newTestStorage(t)
	owner := createTestUser(t, store, "owner@example.com")
	other := createTestUser(t, store, "other@example.com")

	media, err := store.CreateMedia(CreateMediaParams{
		OwnerID:  owner.ID,
		Filename: "clip.mp4",
		MimeType: "video/mp4",
	})
	if err != nil {
		t.Fatalf("CreateMedia: %v", err)
	}
	if media.Status != models.MediaStatusUploading || media.Stage != models.StageUploading {
		t.Fatalf("unexpected initial state: %s/%s", media.Status, media.Stage)
	}

	if _, ok := store.GetMedia(owner.ID, media.ID); !ok {
		t.Fatal("owner should see media")
	}
	if _, ok := store.GetMedia(other.ID, media.ID); ok {
		t.Fatal("cross-owner read must report not found")
	}
}

func TestUpdateMediaResetsProgressOnStageChange(t *testing.T) {
	store := newTestStorage(t)
	owner := createTestUser(t, store, "owner@example.com")
	media, err := store.CreateMedia(CreateMediaParams{OwnerID: owner.ID, Filename: "clip.mp4", MimeType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateMedia: %v", err)
	}

	progress := 0.8
	stage := models.StageValidating
	updated, err := store.UpdateMedia(media.ID, MediaUpdate{Stage: &stage, StageProgress: &progress})
	if err != nil {
		t.Fatalf("UpdateMedia: %v", err)
	}
	if updated.StageProgress == nil || *updated.StageProgress != 0.8 {
		t.Fatalf("expected progress 0.8, got %v", updated.StageProgress)
	}

	next := models.StageTranscoding
	updated, err = store.UpdateMedia(media.ID, MediaUpdate{Stage: &next})
	if err != nil {
		t.Fatalf("UpdateMedia: %v", err)
	}
	if updated.Stage != models.StageTranscoding {
		t.Fatalf("expected stage transcoding, got %s", updated.Stage)
	}
	if updated.StageProgress == nil || *updated.StageProgress != 0 {
		t.Fatalf("stage change must reset progress to 0, got %v", updated.StageProgress)
	}
}

func TestListMediaPagination(t *testing.T) {
	store := newTestStorage(t)
	owner := createTestUser(t, store, "owner@example.com")
	for i := 0; i < 5; i++ {
		if _, err := store.CreateMedia(CreateMediaParams{OwnerID: owner.ID, Filename: "clip.mp4", MimeType: "video/mp4"}); err != nil {
			t.Fatalf("CreateMedia: %v", err)
		}
	}

	first, total, err := store.ListMedia(owner.ID, 1, 2)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if total != 5 || len(first) != 2 {
		t.Fatalf("expected total 5 page of 2, got total %d len %d", total, len(first))
	}
	last, _, err := store.ListMedia(owner.ID, 3, 2)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(last) != 1 {
		t.Fatalf("expected final page of 1, got %d", len(last))
	}
	empty, _, err := store.ListMedia(owner.ID, 4, 2)
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %d", len(empty))
	}
}

func TestQuotaArithmetic(t *testing.T) {
	store := newTestStorage(t)
	owner := createTestUser(t, store, "owner@example.com")

	info, err := store.StorageInfo(owner.ID)
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}
	if info.UsedBytes != 0 || info.LimitBytes != DefaultStorageLimitBytes {
		t.Fatalf("unexpected initial ledger: %+v", info)
	}

	if allowed, _ := store.CheckQuota(owner.ID, DefaultStorageLimitBytes); !allowed {
		t.Fatal("exact limit must be allowed")
	}
	if allowed, _ := store.CheckQuota(owner.ID, DefaultStorageLimitBytes+1); allowed {
		t.Fatal("limit+1 must be rejected")
	}

	if err := store.AddUsage(owner.ID, 1000); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if allowed, _ := store.CheckQuota(owner.ID, DefaultStorageLimitBytes); allowed {
		t.Fatal("quota must shrink after usage")
	}

	// add then subtract restores the prior value exactly
	if err := store.SubtractUsage(owner.ID, 1000); err != nil {
		t.Fatalf("SubtractUsage: %v", err)
	}
	info, _ = store.StorageInfo(owner.ID)
	if info.UsedBytes != 0 {
		t.Fatalf("expected used 0 after add/subtract, got %d", info.UsedBytes)
	}

	// non-positive deltas are no-ops
	if err := store.AddUsage(owner.ID, -5); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	if err := store.SubtractUsage(owner.ID, 0); err != nil {
		t.Fatalf("SubtractUsage: %v", err)
	}
	info, _ = store.StorageInfo(owner.ID)
	if info.UsedBytes != 0 {
		t.Fatalf("no-op deltas changed usage: %d", info.UsedBytes)
	}

	// subtract clamps at zero
	if err := store.SubtractUsage(owner.ID, 10); err != nil {
		t.Fatalf("SubtractUsage: %v", err)
	}
	info, _ = store.StorageInfo(owner.ID)
	if info.UsedBytes != 0 {
		t.Fatalf("expected clamp at 0, got %d", info.UsedBytes)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	path := t.TempDir() + "/datastore.json"
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	owner := createTestUser(t, store, "owner@example.com")
	media, err := store.CreateMedia(CreateMediaParams{OwnerID: owner.ID, Filename: "clip.mp4", MimeType: "video/mp4"})
	if err != nil {
		t.Fatalf("CreateMedia: %v", err)
	}
	if err := store.AddUsage(owner.ID, 42); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.GetMedia(owner.ID, media.ID); !ok {
		t.Fatal("media missing after reload")
	}
	info, err := reloaded.StorageInfo(owner.ID)
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}
	if info.UsedBytes != 42 {
		t.Fatalf("expected used 42 after reload, got %d", info.UsedBytes)
	}
}
