package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/models"
	"github.com/froggyxyz/archiverse-infra/internal/progress"
	"github.com/froggyxyz/archiverse-infra/internal/storage"
)

// WorkerConfig wires the transcode worker to its collaborators.
type WorkerConfig struct {
	Store       storage.Repository
	Blob        blob.Store
	Broadcaster progress.Broadcaster
	Runner      Runner
	Logger      *slog.Logger
	// WorkDir is the parent for per-job scratch directories. Defaults to the
	// system temp dir.
	WorkDir string
	// UploadConcurrency bounds parallel blob uploads of transcoded files.
	UploadConcurrency int
}

// Worker drives one media item through the processing pipeline: validation,
// thumbnail capture, HLS transcode, and upload of the results. Every stage
// transition is persisted on the media record and announced to the owner.
type Worker struct {
	store       storage.Repository
	blob        blob.Store
	broadcaster progress.Broadcaster
	runner      Runner
	logger      *slog.Logger
	workDir     string
	concurrency int
}

// NewWorker validates the wiring and returns a ready worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil || cfg.Blob == nil || cfg.Runner == nil {
		return nil, errors.New("store, blob, and runner are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		store:       cfg.Store,
		blob:        cfg.Blob,
		broadcaster: cfg.Broadcaster,
		runner:      cfg.Runner,
		logger:      logger,
		workDir:     workDir,
		concurrency: concurrency,
	}, nil
}

// Process handles one transcode job. It satisfies the job queue handler
// contract: a returned error leaves the job eligible for redelivery.
func (w *Worker) Process(ctx context.Context, job models.TranscodeJob) error {
	media, ok := w.store.GetMedia(job.OwnerID, job.MediaID)
	if !ok {
		// The media was deleted while the job sat in the queue.
		w.logger.Warn("dropping job for missing media", "media_id", job.MediaID, "owner_id", job.OwnerID)
		return nil
	}
	if media.Status == models.MediaStatusCompleted {
		w.logger.Info("skipping already completed media", "media_id", job.MediaID)
		return nil
	}

	if err := w.run(ctx, job, media); err != nil {
		w.announce(ctx, job, models.StageFailed, 0)
		status := models.MediaStatusFailed
		stage := models.StageFailed
		zero := 0.0
		if _, updateErr := w.store.UpdateMedia(job.MediaID, storage.MediaUpdate{
			Status:        &status,
			Stage:         &stage,
			StageProgress: &zero,
		}); updateErr != nil {
			w.logger.Error("failed to mark media failed", "media_id", job.MediaID, "error", updateErr)
		}
		w.logger.Error("transcode job failed", "media_id", job.MediaID, "owner_id", job.OwnerID, "error", err)
		return err
	}

	w.announce(ctx, job, models.StageCompleted, 1)
	status := models.MediaStatusCompleted
	stage := models.StageCompleted
	full := 1.0
	if _, err := w.store.UpdateMedia(job.MediaID, storage.MediaUpdate{
		Status:        &status,
		Stage:         &stage,
		StageProgress: &full,
	}); err != nil {
		return fmt.Errorf("mark media completed: %w", err)
	}
	w.logger.Info("media processed", "media_id", job.MediaID, "owner_id", job.OwnerID, "kind", media.Kind)
	return nil
}

func (w *Worker) run(ctx context.Context, job models.TranscodeJob, media models.Media) error {
	if err := w.setStage(ctx, job, models.StageValidating, 0); err != nil {
		return err
	}
	if media.Kind != models.MediaKindVideo {
		// Images and audio skip the transcode pipeline entirely.
		return w.setStage(ctx, job, models.StageValidating, 0.5)
	}

	workDir, err := os.MkdirTemp(w.workDir, "transcode-"+job.MediaID+"-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := w.setStage(ctx, job, models.StageValidating, 0.2); err != nil {
		return err
	}
	input, err := w.download(ctx, job, workDir)
	if err != nil {
		return err
	}
	if err := w.setStage(ctx, job, models.StageValidating, 0.4); err != nil {
		return err
	}
	if err := w.setStage(ctx, job, models.StageValidating, 0.5); err != nil {
		return err
	}

	if err := w.captureThumbnail(ctx, job, workDir, input); err != nil {
		return err
	}
	if err := w.setStage(ctx, job, models.StageValidating, 0.8); err != nil {
		return err
	}

	if err := w.setStage(ctx, job, models.StageTranscoding, 0); err != nil {
		return err
	}
	hlsDir := filepath.Join(workDir, "hls")
	if err := os.MkdirAll(hlsDir, 0o755); err != nil {
		return fmt.Errorf("create hls dir: %w", err)
	}
	if err := w.transcode(ctx, job, input, hlsDir); err != nil {
		return err
	}
	if err := w.setStage(ctx, job, models.StageTranscoding, 0.7); err != nil {
		return err
	}

	if err := w.uploadResults(ctx, job, hlsDir); err != nil {
		return err
	}
	manifestKey := blob.ManifestKey(job.OwnerID, job.MediaID)
	if _, err := w.store.UpdateMedia(job.MediaID, storage.MediaUpdate{ManifestKey: &manifestKey}); err != nil {
		return fmt.Errorf("record manifest key: %w", err)
	}
	return w.setStage(ctx, job, models.StageTranscoding, 1)
}

func (w *Worker) download(ctx context.Context, job models.TranscodeJob, workDir string) (string, error) {
	source, err := w.blob.Stream(ctx, job.SourceKey)
	if err != nil {
		return "", fmt.Errorf("open source %s: %w", job.SourceKey, err)
	}
	defer source.Close()

	ext := filepath.Ext(job.SourceKey)
	if ext == "" {
		ext = ".bin"
	}
	input := filepath.Join(workDir, "input"+ext)
	file, err := os.Create(input)
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}
	_, copyErr := io.Copy(file, source)
	closeErr := file.Close()
	if copyErr != nil {
		return "", fmt.Errorf("download source: %w", copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("flush input file: %w", closeErr)
	}
	return input, nil
}

func (w *Worker) captureThumbnail(ctx context.Context, job models.TranscodeJob, workDir, input string) error {
	thumbPath := filepath.Join(workDir, "thumb.jpg")
	if err := w.runner.Thumbnail(ctx, input, thumbPath); err != nil {
		return err
	}
	if err := w.putFile(ctx, thumbPath, blob.ThumbnailKey(job.OwnerID, job.MediaID), "image/jpeg"); err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	key := blob.ThumbnailKey(job.OwnerID, job.MediaID)
	if _, err := w.store.UpdateMedia(job.MediaID, storage.MediaUpdate{ThumbnailKey: &key}); err != nil {
		return fmt.Errorf("record thumbnail key: %w", err)
	}
	return nil
}

func (w *Worker) transcode(ctx context.Context, job models.TranscodeJob, input, hlsDir string) error {
	probe, err := w.runner.Probe(ctx, input)
	if err != nil {
		return err
	}
	ladder := ladderFor(probe.Height)
	names := make([]string, len(ladder))
	for i, rendition := range ladder {
		names[i] = rendition.Name()
	}
	w.logger.Info("starting transcode",
		"media_id", job.MediaID,
		"source_height", probe.Height,
		"duration_seconds", probe.Duration,
		"renditions", strings.Join(names, ","))

	// Sample at 5% steps so slow encodes stay visibly alive without flooding
	// the channel. Transcode maps onto [0,0.7] of the stage. Each sample is
	// persisted on the media record so polling clients see the same progress
	// as connected ones.
	lastReported := -1.0
	onProgress := func(fraction float64) {
		if fraction < 1 && fraction-lastReported < 0.05 {
			return
		}
		lastReported = fraction
		if err := w.setStage(ctx, job, models.StageTranscoding, 0.7*fraction); err != nil {
			w.logger.Warn("failed to record transcode progress", "media_id", job.MediaID, "error", err)
		}
	}
	return w.runner.TranscodeHLS(ctx, input, hlsDir, ladder, onProgress)
}

// uploadResults ships every produced playlist and segment to the blob store,
// preserving the directory layout under the media's HLS prefix.
func (w *Worker) uploadResults(ctx context.Context, job models.TranscodeJob, hlsDir string) error {
	prefix := blob.HLSPrefix(job.OwnerID, job.MediaID)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)

	err := filepath.WalkDir(hlsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(hlsDir, path)
		if err != nil {
			return err
		}
		key := prefix + "/" + filepath.ToSlash(rel)
		group.Go(func() error {
			return w.putFile(groupCtx, path, key, hlsContentType(rel))
		})
		return nil
	})
	if err != nil {
		_ = group.Wait()
		return fmt.Errorf("walk transcode output: %w", err)
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("upload transcode output: %w", err)
	}
	return nil
}

func (w *Worker) putFile(ctx context.Context, path, key, contentType string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}
	return w.blob.Put(ctx, key, file, info.Size(), contentType)
}

func hlsContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(name, ".ts"):
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

// setStage persists a stage transition and announces it to the owner.
func (w *Worker) setStage(ctx context.Context, job models.TranscodeJob, stage string, progressValue float64) error {
	if _, err := w.store.UpdateMedia(job.MediaID, storage.MediaUpdate{
		Stage:         &stage,
		StageProgress: &progressValue,
	}); err != nil {
		return fmt.Errorf("persist stage %s: %w", stage, err)
	}
	w.announce(ctx, job, stage, progressValue)
	w.logger.Debug("stage transition", "media_id", job.MediaID, "stage", stage, "progress", progressValue)
	return nil
}

// announce is fire-and-forget: a lost event only delays the next UI update.
func (w *Worker) announce(ctx context.Context, job models.TranscodeJob, stage string, progressValue float64) {
	if w.broadcaster == nil {
		return
	}
	_ = w.broadcaster.Publish(ctx, models.ProgressEvent{
		OwnerID:  job.OwnerID,
		MediaID:  job.MediaID,
		Stage:    stage,
		Progress: progressValue,
	})
}
