package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/jobqueue"
	"github.com/froggyxyz/archiverse-infra/internal/models"
	"github.com/froggyxyz/archiverse-infra/internal/storage"
)

// ServiceConfig wires the upload service to its collaborators.
type ServiceConfig struct {
	Store  storage.Repository
	Blob   blob.Store
	Queue  jobqueue.Queue
	Logger *slog.Logger
	// SpoolDir holds partially received files. Defaults under os.TempDir().
	SpoolDir string
}

// Service implements resumable chunked uploads. Chunks are spooled to local
// disk; once the final byte lands the file is shipped to the blob store, the
// owner's quota is charged, and a transcode job is queued.
type Service struct {
	store    storage.Repository
	blob     blob.Store
	queue    jobqueue.Queue
	logger   *slog.Logger
	spoolDir string

	mu      sync.RWMutex
	pending map[string]*pendingUpload

	// finished is signalled once per completed finalize, for tests.
	finished sync.WaitGroup
}

type pendingUpload struct {
	mu sync.Mutex

	id          string
	ownerID     string
	length      int64
	offset      int64
	filename    string
	contentType string
	path        string
	createdAt   time.Time
	done        bool
}

// NewService initialises the upload service and its spool directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Blob == nil || cfg.Queue == nil {
		return nil, errors.New("store, blob, and queue are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := cfg.SpoolDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "archiverse-uploads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Service{
		store:    cfg.Store,
		blob:     cfg.Blob,
		queue:    cfg.Queue,
		logger:   logger,
		spoolDir: dir,
		pending:  make(map[string]*pendingUpload),
	}, nil
}

// Create registers a new upload. A declared size is checked against the
// owner's remaining quota up front so clients fail fast; a zero length means
// the total is not yet known and the check waits for SetLength.
func (s *Service) Create(ctx context.Context, ownerID string, length int64, metadata map[string]string) (Upload, error) {
	if length < 0 {
		return Upload{}, errors.New("upload length must not be negative")
	}
	if length > 0 {
		allowed, err := s.store.CheckQuota(ownerID, length)
		if err != nil {
			return Upload{}, err
		}
		if !allowed {
			return Upload{}, storage.ErrQuotaExceeded
		}
	}

	id := uuid.NewString()
	filename := metadata["filename"]
	if filename == "" {
		filename = "file-" + id
	}
	contentType := sanitizeContentType(metadata["filetype"])

	path := filepath.Join(s.spoolDir, id)
	file, err := os.Create(path)
	if err != nil {
		return Upload{}, fmt.Errorf("create spool file: %w", err)
	}
	file.Close()

	p := &pendingUpload{
		id:          id,
		ownerID:     ownerID,
		length:      length,
		filename:    filename,
		contentType: contentType,
		path:        path,
		createdAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()
	return p.snapshot(), nil
}

// Get returns the current state of an upload, owner-scoped.
func (s *Service) Get(ownerID, id string) (Upload, error) {
	p, err := s.lookup(ownerID, id)
	if err != nil {
		return Upload{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(), nil
}

// Append writes one chunk at the given offset. Appends for the same upload
// are serialized; a stale offset reports ErrOffsetMismatch so the client can
// resync with a HEAD request. When the final byte lands the media record is
// created and the finalize tail runs asynchronously; the returned Media is
// non-nil in that case.
func (s *Service) Append(ctx context.Context, ownerID, id string, offset int64, body io.Reader) (Upload, *models.Media, error) {
	p, err := s.lookup(ownerID, id)
	if err != nil {
		return Upload{}, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return Upload{}, nil, ErrNotFound
	}
	if offset != p.offset {
		return p.snapshotLocked(), nil, ErrOffsetMismatch
	}

	// A length of zero means the total was never declared; such uploads take
	// chunks without a cap and complete only once SetLength pins the size.
	remaining := int64(-1)
	src := body
	if p.length > 0 {
		remaining = p.length - p.offset
		src = io.LimitReader(body, remaining)
	}
	file, err := os.OpenFile(p.path, os.O_WRONLY, 0o644)
	if err != nil {
		return Upload{}, nil, fmt.Errorf("open spool file: %w", err)
	}
	if _, err := file.Seek(p.offset, io.SeekStart); err != nil {
		file.Close()
		return Upload{}, nil, fmt.Errorf("seek spool file: %w", err)
	}
	written, copyErr := io.Copy(file, src)
	closeErr := file.Close()
	p.offset += written
	if copyErr != nil {
		return p.snapshotLocked(), nil, fmt.Errorf("write chunk: %w", copyErr)
	}
	if closeErr != nil {
		return p.snapshotLocked(), nil, fmt.Errorf("close spool file: %w", closeErr)
	}
	// Detect bytes past the declared length without consuming them all.
	if written == remaining {
		var next [1]byte
		if n, _ := body.Read(next[:]); n > 0 {
			return p.snapshotLocked(), nil, ErrSizeExceeded
		}
	}

	if p.length == 0 || p.offset < p.length {
		return p.snapshotLocked(), nil, nil
	}

	media, err := s.finish(p)
	if err != nil {
		return p.snapshotLocked(), nil, err
	}
	return p.snapshotLocked(), &media, nil
}

// finish creates the media record and hands the spooled file to the async
// tail. Called with the upload lock held.
func (s *Service) finish(p *pendingUpload) (models.Media, error) {
	media, err := s.store.CreateMedia(storage.CreateMediaParams{
		OwnerID:  p.ownerID,
		Filename: p.filename,
		MimeType: p.contentType,
		Kind:     models.KindFromMime(p.contentType),
	})
	if err != nil {
		return models.Media{}, fmt.Errorf("create media record: %w", err)
	}
	p.done = true
	s.mu.Lock()
	delete(s.pending, p.id)
	s.mu.Unlock()

	s.finished.Add(1)
	go s.finalize(media, p.snapshotLocked(), p.path)
	return media, nil
}

// finalize ships the spooled file to the blob store, charges quota, and
// queues the transcode job. Failures mark the media record failed; the spool
// file is removed either way.
func (s *Service) finalize(media models.Media, up Upload, spoolPath string) {
	defer s.finished.Done()
	defer os.Remove(spoolPath)
	ctx := context.Background()

	err := func() error {
		file, err := os.Open(spoolPath)
		if err != nil {
			return fmt.Errorf("open spooled upload: %w", err)
		}
		defer file.Close()

		key := blob.OriginalKey(up.OwnerID, media.ID, extensionFromMime(up.ContentType))
		if err := s.blob.Put(ctx, key, file, up.Length, up.ContentType); err != nil {
			return fmt.Errorf("store original: %w", err)
		}

		status := models.MediaStatusProcessing
		stage := models.StageUploaded
		progress := 1.0
		size := up.Length
		if _, err := s.store.UpdateMedia(media.ID, storage.MediaUpdate{
			Status:        &status,
			Stage:         &stage,
			StageProgress: &progress,
			SizeBytes:     &size,
			OriginalKey:   &key,
		}); err != nil {
			return fmt.Errorf("record original: %w", err)
		}
		if err := s.store.AddUsage(up.OwnerID, up.Length); err != nil {
			return fmt.Errorf("charge quota: %w", err)
		}

		job := models.TranscodeJob{MediaID: media.ID, OwnerID: up.OwnerID, SourceKey: key}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("queue transcode job: %w", err)
		}
		jobID := uuid.NewString()
		if _, err := s.store.UpdateMedia(media.ID, storage.MediaUpdate{JobID: &jobID}); err != nil {
			s.logger.Warn("failed to record job id", "media_id", media.ID, "error", err)
		}
		return nil
	}()
	if err != nil {
		s.logger.Error("upload finalize failed", "media_id", media.ID, "owner_id", up.OwnerID, "error", err)
		status := models.MediaStatusFailed
		stage := models.StageFailed
		progress := 0.0
		if _, updateErr := s.store.UpdateMedia(media.ID, storage.MediaUpdate{
			Status:        &status,
			Stage:         &stage,
			StageProgress: &progress,
		}); updateErr != nil {
			s.logger.Error("failed to mark media failed", "media_id", media.ID, "error", updateErr)
		}
		return
	}
	s.logger.Info("upload finalized", "media_id", media.ID, "owner_id", up.OwnerID, "size_bytes", up.Length)
}

// SetLength pins the total size of an upload created without one. The quota
// check skipped at creation runs now. Once the spooled bytes reach the pinned
// size the next Append, even with an empty body, completes the upload.
func (s *Service) SetLength(ownerID, id string, length int64) error {
	p, err := s.lookup(ownerID, id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return ErrNotFound
	}
	if p.length > 0 {
		return errors.New("upload length already declared")
	}
	if length <= 0 {
		return errors.New("upload length must be positive")
	}
	if length < p.offset {
		return fmt.Errorf("declared length %d is less than the %d bytes already received", length, p.offset)
	}
	allowed, err := s.store.CheckQuota(p.ownerID, length)
	if err != nil {
		return err
	}
	if !allowed {
		return storage.ErrQuotaExceeded
	}
	p.length = length
	return nil
}

// Abort discards an in-flight upload and its spooled bytes.
func (s *Service) Abort(ownerID, id string) error {
	p, err := s.lookup(ownerID, id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return ErrNotFound
	}
	p.done = true
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	return os.Remove(p.path)
}

// Wait blocks until every in-flight finalize tail has finished.
func (s *Service) Wait() {
	s.finished.Wait()
}

func (s *Service) lookup(ownerID, id string) (*pendingUpload, error) {
	s.mu.RLock()
	p, ok := s.pending[id]
	s.mu.RUnlock()
	if !ok || p.ownerID != ownerID {
		return nil, ErrNotFound
	}
	return p, nil
}

func (p *pendingUpload) snapshot() Upload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *pendingUpload) snapshotLocked() Upload {
	return Upload{
		ID:          p.id,
		OwnerID:     p.ownerID,
		Length:      p.length,
		Offset:      p.offset,
		Filename:    p.filename,
		ContentType: p.contentType,
		CreatedAt:   p.createdAt,
	}
}
