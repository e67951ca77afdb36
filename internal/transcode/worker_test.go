package transcode

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/models"
	"github.com/froggyxyz/archiverse-infra/internal/progress"
	"github.com/froggyxyz/archiverse-infra/internal/storage"
)

type stubRunner struct {
	probe         ProbeResult
	transcodeErr  error
	thumbnailErr  error
	ladderSeen    []Rendition
	progressSteps []float64
	// afterProgress runs after each onProgress sample, so tests can observe
	// mid-encode state.
	afterProgress func(step float64)
}

func (r *stubRunner) Probe(ctx context.Context, input string) (ProbeResult, error) {
	return r.probe, nil
}

func (r *stubRunner) Thumbnail(ctx context.Context, input, output string) error {
	if r.thumbnailErr != nil {
		return r.thumbnailErr
	}
	return os.WriteFile(output, []byte("jpeg bytes"), 0o644)
}

func (r *stubRunner) TranscodeHLS(ctx context.Context, input, outputDir string, ladder []Rendition, onProgress func(float64)) error {
	if r.transcodeErr != nil {
		return r.transcodeErr
	}
	r.ladderSeen = ladder
	if err := os.MkdirAll(filepath.Join(outputDir, "stream_0"), 0o755); err != nil {
		return err
	}
	files := map[string]string{
		"playlist.m3u8":           "#EXTM3U\nstream_0.m3u8\n",
		"stream_0.m3u8":           "#EXTM3U\nsegment_000.ts\n",
		"stream_0/segment_000.ts": "fake mpegts",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(outputDir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	for _, step := range r.progressSteps {
		onProgress(step)
		if r.afterProgress != nil {
			r.afterProgress(step)
		}
	}
	return nil
}

type workerFixture struct {
	worker *Worker
	store  *storage.Storage
	blobs  *blob.MemoryStore
	events *[]models.ProgressEvent
	owner  models.User
	media  models.Media
	job    models.TranscodeJob
}

func newWorkerFixture(t *testing.T, runner Runner, kind models.MediaKind) *workerFixture {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	owner, err := store.CreateUser(storage.CreateUserParams{
		DisplayName: "Owner",
		Email:       "owner@example.com",
		Password:    "correct horse",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	media, err := store.CreateMedia(storage.CreateMediaParams{
		OwnerID:  owner.ID,
		Filename: "clip.mp4",
		MimeType: "video/mp4",
		Kind:     kind,
	})
	if err != nil {
		t.Fatalf("CreateMedia: %v", err)
	}

	blobs := blob.NewMemoryStore("")
	sourceKey := blob.OriginalKey(owner.ID, media.ID, "mp4")
	payload := []byte("original video bytes")
	if err := blobs.Put(context.Background(), sourceKey, bytes.NewReader(payload), int64(len(payload)), "video/mp4"); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	status := models.MediaStatusProcessing
	stage := models.StageUploaded
	if _, err := store.UpdateMedia(media.ID, storage.MediaUpdate{Status: &status, Stage: &stage, OriginalKey: &sourceKey}); err != nil {
		t.Fatalf("UpdateMedia: %v", err)
	}

	broadcaster := progress.NewMemoryBroadcaster()
	t.Cleanup(func() { broadcaster.Close() })
	events := &[]models.ProgressEvent{}
	if err := broadcaster.Subscribe(context.Background(), func(event models.ProgressEvent) {
		*events = append(*events, event)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Store:       store,
		Blob:        blobs,
		Broadcaster: broadcaster,
		Runner:      runner,
		WorkDir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return &workerFixture{
		worker: worker,
		store:  store,
		blobs:  blobs,
		events: events,
		owner:  owner,
		media:  media,
		job:    models.TranscodeJob{MediaID: media.ID, OwnerID: owner.ID, SourceKey: sourceKey},
	}
}

func TestWorkerVideoPipeline(t *testing.T) {
	runner := &stubRunner{
		probe:         ProbeResult{Width: 1280, Height: 720, Duration: 60},
		progressSteps: []float64{0.5, 1},
	}
	f := newWorkerFixture(t, runner, models.MediaKindVideo)

	if err := f.worker.Process(context.Background(), f.job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	media, ok := f.store.GetMedia(f.owner.ID, f.media.ID)
	if !ok {
		t.Fatal("media vanished")
	}
	if media.Status != models.MediaStatusCompleted || media.Stage != models.StageCompleted {
		t.Fatalf("expected completed, got %s/%s", media.Status, media.Stage)
	}
	if media.ThumbnailKey == nil || *media.ThumbnailKey != blob.ThumbnailKey(f.owner.ID, f.media.ID) {
		t.Fatalf("thumbnail key not recorded: %v", media.ThumbnailKey)
	}
	if media.ManifestKey == nil || *media.ManifestKey != blob.ManifestKey(f.owner.ID, f.media.ID) {
		t.Fatalf("manifest key not recorded: %v", media.ManifestKey)
	}

	// 720p source must not get a 1080p rung.
	if len(runner.ladderSeen) != 3 || runner.ladderSeen[0].Height != 720 {
		t.Fatalf("unexpected ladder: %+v", runner.ladderSeen)
	}

	prefix := blob.HLSPrefix(f.owner.ID, f.media.ID)
	if contentType, ok := f.blobs.ContentType(prefix + "/playlist.m3u8"); !ok || contentType != "application/vnd.apple.mpegurl" {
		t.Fatalf("master manifest missing or mistyped: %q %v", contentType, ok)
	}
	if contentType, ok := f.blobs.ContentType(prefix + "/stream_0/segment_000.ts"); !ok || contentType != "video/mp2t" {
		t.Fatalf("segment missing or mistyped: %q %v", contentType, ok)
	}

	events := *f.events
	if len(events) == 0 {
		t.Fatal("no progress events emitted")
	}
	if first := events[0]; first.Stage != models.StageValidating || first.Progress != 0 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if last := events[len(events)-1]; last.Stage != models.StageCompleted || last.Progress != 1 {
		t.Fatalf("unexpected final event: %+v", last)
	}
	sawTranscoding := false
	var validating []float64
	for _, event := range events {
		if event.OwnerID != f.owner.ID || event.MediaID != f.media.ID {
			t.Fatalf("event addressed wrongly: %+v", event)
		}
		if event.Stage == models.StageTranscoding {
			sawTranscoding = true
		}
		if event.Stage == models.StageValidating {
			validating = append(validating, event.Progress)
		}
	}
	if !sawTranscoding {
		t.Fatal("no transcoding events emitted")
	}
	wantValidating := []float64{0, 0.2, 0.4, 0.5, 0.8}
	if len(validating) != len(wantValidating) {
		t.Fatalf("validating markers = %v, want %v", validating, wantValidating)
	}
	for i, got := range validating {
		if got != wantValidating[i] {
			t.Fatalf("validating markers = %v, want %v", validating, wantValidating)
		}
	}
}

func TestWorkerPersistsTranscodeProgress(t *testing.T) {
	runner := &stubRunner{
		probe:         ProbeResult{Width: 1280, Height: 720, Duration: 60},
		progressSteps: []float64{0.25, 0.5, 0.75, 1},
	}
	var f *workerFixture
	var persisted []float64
	runner.afterProgress = func(step float64) {
		media, ok := f.store.GetMedia(f.owner.ID, f.media.ID)
		if !ok {
			t.Error("media missing during transcode")
			return
		}
		if media.Stage != models.StageTranscoding {
			t.Errorf("expected transcoding stage mid-encode, got %s", media.Stage)
		}
		if media.StageProgress == nil {
			t.Error("stage progress not recorded mid-encode")
			return
		}
		persisted = append(persisted, *media.StageProgress)
	}
	f = newWorkerFixture(t, runner, models.MediaKindVideo)

	if err := f.worker.Process(context.Background(), f.job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// A client polling the record mid-encode must see progress advance, not
	// sit at zero until the stage completes.
	want := []float64{0.7 * 0.25, 0.7 * 0.5, 0.7 * 0.75, 0.7}
	if len(persisted) != len(want) {
		t.Fatalf("persisted samples = %v, want %v", persisted, want)
	}
	for i, got := range persisted {
		if math.Abs(got-want[i]) > 1e-9 {
			t.Fatalf("sample %d persisted as %v, want %v", i, got, want[i])
		}
	}
}

func TestWorkerNonVideoSkipsTranscode(t *testing.T) {
	runner := &stubRunner{probe: ProbeResult{Height: 1080, Duration: 1}}
	f := newWorkerFixture(t, runner, models.MediaKindImage)

	if err := f.worker.Process(context.Background(), f.job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	media, _ := f.store.GetMedia(f.owner.ID, f.media.ID)
	if media.Status != models.MediaStatusCompleted {
		t.Fatalf("expected completed, got %s", media.Status)
	}
	if media.ManifestKey != nil || media.ThumbnailKey != nil {
		t.Fatalf("non-video must not produce transcode artifacts: %+v", media)
	}
	events := *f.events
	sawHalf := false
	for _, event := range events {
		if event.Stage == models.StageValidating && event.Progress == 0.5 {
			sawHalf = true
		}
		if event.Stage == models.StageTranscoding {
			t.Fatalf("unexpected transcoding event for image: %+v", event)
		}
	}
	if !sawHalf {
		t.Fatal("validation midpoint never announced")
	}
}

func TestWorkerFailureMarksMedia(t *testing.T) {
	runner := &stubRunner{
		probe:        ProbeResult{Height: 720, Duration: 60},
		transcodeErr: errors.New("encoder exploded"),
	}
	f := newWorkerFixture(t, runner, models.MediaKindVideo)

	if err := f.worker.Process(context.Background(), f.job); err == nil {
		t.Fatal("expected error from failed transcode")
	}
	media, _ := f.store.GetMedia(f.owner.ID, f.media.ID)
	if media.Status != models.MediaStatusFailed || media.Stage != models.StageFailed {
		t.Fatalf("expected failed, got %s/%s", media.Status, media.Stage)
	}
	events := *f.events
	last := events[len(events)-1]
	if last.Stage != models.StageFailed || last.Progress != 0 {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestWorkerDropsJobForMissingMedia(t *testing.T) {
	runner := &stubRunner{probe: ProbeResult{Height: 720, Duration: 60}}
	f := newWorkerFixture(t, runner, models.MediaKindVideo)

	job := models.TranscodeJob{MediaID: "gone", OwnerID: f.owner.ID, SourceKey: "archive/u/gone.mp4"}
	if err := f.worker.Process(context.Background(), job); err != nil {
		t.Fatalf("missing media must not requeue: %v", err)
	}
}

func TestWorkerSkipsCompletedMedia(t *testing.T) {
	runner := &stubRunner{probe: ProbeResult{Height: 720, Duration: 60}}
	f := newWorkerFixture(t, runner, models.MediaKindVideo)
	status := models.MediaStatusCompleted
	if _, err := f.store.UpdateMedia(f.media.ID, storage.MediaUpdate{Status: &status}); err != nil {
		t.Fatalf("UpdateMedia: %v", err)
	}
	if err := f.worker.Process(context.Background(), f.job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(*f.events) != 0 {
		t.Fatalf("redelivered completed job emitted events: %+v", *f.events)
	}
}

