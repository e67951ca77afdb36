package upload

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/jobqueue"
	"github.com/froggyxyz/archiverse-infra/internal/models"
	"github.com/froggyxyz/archiverse-infra/internal/storage"
)

type uploadFixture struct {
	service *Service
	store   *storage.Storage
	blobs   *blob.MemoryStore
	jobs    chan models.TranscodeJob
	owner   models.User
}

func newUploadFixture(t *testing.T) *uploadFixture {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	owner, err := store.CreateUser(storage.CreateUserParams{
		DisplayName: "Uploader",
		Email:       "uploader@example.com",
		Password:    "correct horse",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	blobs := blob.NewMemoryStore("")
	queue := jobqueue.NewMemoryQueue(8)
	t.Cleanup(func() { queue.Close() })

	jobs := make(chan models.TranscodeJob, 8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = queue.Consume(ctx, func(ctx context.Context, job models.TranscodeJob) error {
			jobs <- job
			return nil
		})
	}()

	service, err := NewService(ServiceConfig{
		Store:    store,
		Blob:     blobs,
		Queue:    queue,
		SpoolDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &uploadFixture{service: service, store: store, blobs: blobs, jobs: jobs, owner: owner}
}

func TestUploadLifecycle(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	payload := []byte("not really an mp4 but twelve bytes worth of one")

	up, err := f.service.Create(ctx, f.owner.ID, int64(len(payload)), map[string]string{
		"filename": "clip.mp4",
		"filetype": "video/mp4",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if up.Offset != 0 || up.Length != int64(len(payload)) {
		t.Fatalf("unexpected initial state: %+v", up)
	}

	split := len(payload) / 2
	up, media, err := f.service.Append(ctx, f.owner.ID, up.ID, 0, bytes.NewReader(payload[:split]))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if media != nil {
		t.Fatal("upload completed early")
	}
	if up.Offset != int64(split) {
		t.Fatalf("expected offset %d, got %d", split, up.Offset)
	}

	up, media, err = f.service.Append(ctx, f.owner.ID, up.ID, up.Offset, bytes.NewReader(payload[split:]))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if media == nil {
		t.Fatal("expected completion on final chunk")
	}
	if media.Filename != "clip.mp4" || media.Kind != models.MediaKindVideo {
		t.Fatalf("unexpected media record: %+v", media)
	}
	f.service.Wait()

	stored, ok := f.store.GetMedia(f.owner.ID, media.ID)
	if !ok {
		t.Fatal("media record missing")
	}
	if stored.Status != models.MediaStatusProcessing || stored.Stage != models.StageUploaded {
		t.Fatalf("expected processing/uploaded, got %s/%s", stored.Status, stored.Stage)
	}
	if stored.OriginalKey == nil || *stored.OriginalKey != blob.OriginalKey(f.owner.ID, media.ID, "mp4") {
		t.Fatalf("unexpected original key: %v", stored.OriginalKey)
	}
	if stored.SizeBytes == nil || *stored.SizeBytes != int64(len(payload)) {
		t.Fatalf("unexpected size: %v", stored.SizeBytes)
	}

	data, err := f.blobs.Get(context.Background(), *stored.OriginalKey)
	if err != nil {
		t.Fatalf("blob Get: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("stored bytes differ from upload")
	}

	info, err := f.store.StorageInfo(f.owner.ID)
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}
	if info.UsedBytes != int64(len(payload)) {
		t.Fatalf("quota not charged: used %d", info.UsedBytes)
	}

	select {
	case job := <-f.jobs:
		if job.MediaID != media.ID || job.OwnerID != f.owner.ID || job.SourceKey != *stored.OriginalKey {
			t.Fatalf("unexpected job: %+v", job)
		}
	case <-time.After(time.Second):
		t.Fatal("transcode job never queued")
	}
}

func TestUploadCreateRejectsOverQuota(t *testing.T) {
	f := newUploadFixture(t)
	_, err := f.service.Create(context.Background(), f.owner.ID, storage.DefaultStorageLimitBytes+1, nil)
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestUploadAppendOffsetMismatch(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	up, err := f.service.Create(ctx, f.owner.ID, 10, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := f.service.Append(ctx, f.owner.ID, up.ID, 0, strings.NewReader("abcde")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Replaying the first chunk must not corrupt or advance the upload.
	current, _, err := f.service.Append(ctx, f.owner.ID, up.ID, 0, strings.NewReader("abcde"))
	if !errors.Is(err, ErrOffsetMismatch) {
		t.Fatalf("expected ErrOffsetMismatch, got %v", err)
	}
	if current.Offset != 5 {
		t.Fatalf("offset moved on rejected chunk: %d", current.Offset)
	}
}

func TestUploadDeferredLength(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	payload := []byte("length arrives after the bytes")

	up, err := f.service.Create(ctx, f.owner.ID, 0, map[string]string{
		"filename": "clip.mp4",
		"filetype": "video/mp4",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if up.Length != 0 {
		t.Fatalf("expected unknown length, got %d", up.Length)
	}

	split := len(payload) / 2
	up, media, err := f.service.Append(ctx, f.owner.ID, up.ID, 0, bytes.NewReader(payload[:split]))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if media != nil {
		t.Fatal("upload completed without a declared length")
	}
	up, media, err = f.service.Append(ctx, f.owner.ID, up.ID, up.Offset, bytes.NewReader(payload[split:]))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if media != nil {
		t.Fatal("upload completed without a declared length")
	}

	if err := f.service.SetLength(f.owner.ID, up.ID, int64(len(payload))); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	_, media, err = f.service.Append(ctx, f.owner.ID, up.ID, up.Offset, bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("final Append: %v", err)
	}
	if media == nil {
		t.Fatal("expected completion once the length was declared")
	}
	f.service.Wait()

	stored, ok := f.store.GetMedia(f.owner.ID, media.ID)
	if !ok {
		t.Fatal("media record missing")
	}
	if stored.SizeBytes == nil || *stored.SizeBytes != int64(len(payload)) {
		t.Fatalf("unexpected size: %v", stored.SizeBytes)
	}
	info, err := f.store.StorageInfo(f.owner.ID)
	if err != nil {
		t.Fatalf("StorageInfo: %v", err)
	}
	if info.UsedBytes != int64(len(payload)) {
		t.Fatalf("quota not charged: used %d", info.UsedBytes)
	}
}

func TestUploadSetLengthChecksQuota(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	up, err := f.service.Create(ctx, f.owner.ID, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = f.service.SetLength(f.owner.ID, up.ID, storage.DefaultStorageLimitBytes+1)
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestUploadSetLengthRejectsShortDeclaration(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	up, err := f.service.Create(ctx, f.owner.ID, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := f.service.Append(ctx, f.owner.ID, up.ID, 0, strings.NewReader("abcde")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := f.service.SetLength(f.owner.ID, up.ID, 3); err == nil {
		t.Fatal("expected error for length below received bytes")
	}
	if err := f.service.SetLength(f.owner.ID, up.ID, 10); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	if err := f.service.SetLength(f.owner.ID, up.ID, 12); err == nil {
		t.Fatal("expected error for redeclared length")
	}
}

func TestUploadConcurrentAppendSameOffset(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	up, err := f.service.Create(ctx, f.owner.ID, 20, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Two clients racing the same offset: exactly one chunk lands, the other
	// is told the real offset so it can resync.
	start := make(chan struct{})
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := f.service.Append(ctx, f.owner.ID, up.ID, 0, strings.NewReader("abcde"))
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrOffsetMismatch):
			conflicts++
		default:
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d successes and %d conflicts", successes, conflicts)
	}
	current, err := f.service.Get(f.owner.ID, up.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if current.Offset != 5 {
		t.Fatalf("expected offset 5 after the race, got %d", current.Offset)
	}
}

func TestUploadAppendRejectsOverflow(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	up, err := f.service.Create(ctx, f.owner.ID, 4, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := f.service.Append(ctx, f.owner.ID, up.ID, 0, strings.NewReader("toolong")); !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("expected ErrSizeExceeded, got %v", err)
	}
}

func TestUploadOwnerScoping(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	up, err := f.service.Create(ctx, f.owner.ID, 10, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.service.Get("someone-else", up.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if _, _, err := f.service.Append(ctx, "someone-else", up.ID, 0, strings.NewReader("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign append, got %v", err)
	}
}

func TestUploadAbortRemovesState(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	up, err := f.service.Create(ctx, f.owner.ID, 10, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.service.Abort(f.owner.ID, up.ID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := f.service.Get(f.owner.ID, up.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after abort, got %v", err)
	}
}

func TestUploadFallbackFilename(t *testing.T) {
	f := newUploadFixture(t)
	ctx := context.Background()
	payload := "x"
	up, err := f.service.Create(ctx, f.owner.ID, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if up.Filename != "file-"+up.ID {
		t.Fatalf("expected fallback filename, got %q", up.Filename)
	}
	if up.ContentType != "application/octet-stream" {
		t.Fatalf("expected octet-stream fallback, got %q", up.ContentType)
	}
	_, media, err := f.service.Append(ctx, f.owner.ID, up.ID, 0, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if media == nil {
		t.Fatal("expected completion")
	}
	// Unknown content types still transcode as video.
	if media.Kind != models.MediaKindVideo {
		t.Fatalf("expected video fallback kind, got %s", media.Kind)
	}
	f.service.Wait()
}

func TestParseMetadata(t *testing.T) {
	metadata, err := ParseMetadata("filename Y2xpcC5tcDQ=, filetype dmlkZW8vbXA0, flag")
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if metadata["filename"] != "clip.mp4" || metadata["filetype"] != "video/mp4" {
		t.Fatalf("unexpected metadata: %v", metadata)
	}
	if value, ok := metadata["flag"]; !ok || value != "" {
		t.Fatalf("bare key should decode to empty string: %v", metadata)
	}
	if _, err := ParseMetadata("filename !!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestSanitizeContentType(t *testing.T) {
	cases := map[string]string{
		"video/mp4":        "video/mp4",
		" audio/mpeg ":     "audio/mpeg",
		"":                 "application/octet-stream",
		"garbage":          "application/octet-stream",
		"video/mp4\x00bad": "application/octet-stream",
		"vidéo/mp4":        "application/octet-stream",
	}
	for input, want := range cases {
		if got := sanitizeContentType(input); got != want {
			t.Fatalf("sanitizeContentType(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestExtensionFromMime(t *testing.T) {
	cases := map[string]string{
		"video/mp4":                "mp4",
		"image/svg+xml":            "svg",
		"application/octet-stream": "octet-stream",
		"video/":                   "bin",
		"nonsense":                 "bin",
	}
	for input, want := range cases {
		if got := extensionFromMime(input); got != want {
			t.Fatalf("extensionFromMime(%q) = %q, want %q", input, got, want)
		}
	}
}
