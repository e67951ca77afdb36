package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
	QueryTimeout    time.Duration
}

const defaultQueryTimeout = 10 * time.Second

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS media (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id),
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_progress DOUBLE PRECISION,
			size_bytes BIGINT,
			original_key TEXT,
			thumbnail_key TEXT,
			manifest_key TEXT,
			job_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS media_owner_created_idx ON media (owner_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS storage_ledgers (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			used_bytes BIGINT NOT NULL DEFAULT 0,
			limit_bytes BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *postgresRepository) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.QueryTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.pool.Ping(ctx)
}

// Close releases the connection pool.
func (r *postgresRepository) Close() {
	r.pool.Close()
}

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" {
		return models.User{}, errors.New("email is required")
	}
	if len(params.Password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		displayName = email
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	ctx, cancel := r.queryCtx()
	defer cancel()

	user := models.User{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: string(hashed),
		CreatedAt:    time.Now().UTC(),
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, email, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.DisplayName, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "users_email_key") {
			return models.User{}, ErrEmailTaken
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	ctx, cancel := r.queryCtx()
	defer cancel()

	var user models.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, display_name, email, password_hash, created_at FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, fmt.Errorf("query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()

	var user models.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, display_name, email, password_hash, created_at FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

const mediaColumns = `id, owner_id, filename, mime_type, kind, status, stage, stage_progress,
	size_bytes, original_key, thumbnail_key, manifest_key, job_id, created_at`

func scanMedia(row pgx.Row) (models.Media, error) {
	var media models.Media
	err := row.Scan(
		&media.ID, &media.OwnerID, &media.Filename, &media.MimeType, &media.Kind,
		&media.Status, &media.Stage, &media.StageProgress, &media.SizeBytes,
		&media.OriginalKey, &media.ThumbnailKey, &media.ManifestKey, &media.JobID,
		&media.CreatedAt)
	return media, err
}

func (r *postgresRepository) CreateMedia(params CreateMediaParams) (models.Media, error) {
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
		SizeBytes: params.SizeBytes,
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := r.queryCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO media (id, owner_id, filename, mime_type, kind, status, stage, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		media.ID, media.OwnerID, media.Filename, media.MimeType, media.Kind,
		media.Status, media.Stage, media.SizeBytes, media.CreatedAt)
	if err != nil {
		return models.Media{}, fmt.Errorf("insert media: %w", err)
	}
	return media, nil
}

func (r *postgresRepository) GetMedia(ownerID, mediaID string) (models.Media, bool) {
	ctx, cancel := r.queryCtx()
	defer cancel()

	media, err := scanMedia(r.pool.QueryRow(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE id = $1 AND owner_id = $2`, mediaID, ownerID))
	if err != nil {
		return models.Media{}, false
	}
	return media, true
}

func (r *postgresRepository) ListMedia(ownerID string, page, pageSize int) ([]models.Media, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	ctx, cancel := r.queryCtx()
	defer cancel()

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM media WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count media: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE owner_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		ownerID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	items := make([]models.Media, 0, pageSize)
	for rows.Next() {
		media, err := scanMedia(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan media: %w", err)
		}
		items = append(items, media)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate media: %w", err)
	}
	return items, total, nil
}

func (r *postgresRepository) UpdateMedia(mediaID string, update MediaUpdate) (models.Media, error) {
	assignments := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)
	add := func(column string, value interface{}) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.Stage != nil {
		add("stage", *update.Stage)
		if update.StageProgress == nil {
			add("stage_progress", 0.0)
		}
	}
	if update.StageProgress != nil {
		add("stage_progress", *update.StageProgress)
	}
	if update.SizeBytes != nil {
		add("size_bytes", *update.SizeBytes)
	}
	if update.OriginalKey != nil {
		add("original_key", *update.OriginalKey)
	}
	if update.ThumbnailKey != nil {
		add("thumbnail_key", *update.ThumbnailKey)
	}
	if update.ManifestKey != nil {
		add("manifest_key", *update.ManifestKey)
	}
	if update.JobID != nil {
		add("job_id", *update.JobID)
	}

	ctx, cancel := r.queryCtx()
	defer cancel()

	if len(assignments) == 0 {
		media, err := scanMedia(r.pool.QueryRow(ctx,
			`SELECT `+mediaColumns+` FROM media WHERE id = $1`, mediaID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.Media{}, ErrNotFound
			}
			return models.Media{}, fmt.Errorf("query media: %w", err)
		}
		return media, nil
	}

	args = append(args, mediaID)
	query := fmt.Sprintf(`UPDATE media SET %s WHERE id = $%d RETURNING `+mediaColumns,
		strings.Join(assignments, ", "), len(args))
	media, err := scanMedia(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Media{}, ErrNotFound
		}
		return models.Media{}, fmt.Errorf("update media: %w", err)
	}
	return media, nil
}

func (r *postgresRepository) DeleteMedia(mediaID string) error {
	ctx, cancel := r.queryCtx()
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM media WHERE id = $1`, mediaID)
	if err != nil {
		return fmt.Errorf("delete media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) StorageInfo(ownerID string) (models.StorageInfo, error) {
	ctx, cancel := r.queryCtx()
	defer cancel()

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, ownerID).Scan(&exists); err != nil {
		return models.StorageInfo{}, fmt.Errorf("query user: %w", err)
	}
	if !exists {
		return models.StorageInfo{}, ErrNotFound
	}

	var used, limit int64
	err := r.pool.QueryRow(ctx,
		`SELECT used_bytes, limit_bytes FROM storage_ledgers WHERE user_id = $1`, ownerID,
	).Scan(&used, &limit)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.StorageInfo{}, fmt.Errorf("query ledger: %w", err)
	}
	return models.StorageInfo{UsedBytes: used, LimitBytes: limitOrDefault(limit)}, nil
}

func (r *postgresRepository) CheckQuota(ownerID string, sizeBytes int64) (bool, error) {
	info, err := r.StorageInfo(ownerID)
	if err != nil {
		return false, err
	}
	remaining := info.LimitBytes - info.UsedBytes
	if remaining < 0 {
		remaining = 0
	}
	return sizeBytes <= remaining, nil
}

// AddUsage increments the counter with a single atomic statement so that
// concurrent uploads by the same owner never lose updates.
func (r *postgresRepository) AddUsage(ownerID string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return nil
	}
	ctx, cancel := r.queryCtx()
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO storage_ledgers (user_id, used_bytes) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET used_bytes = storage_ledgers.used_bytes + EXCLUDED.used_bytes`,
		ownerID, sizeBytes)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// SubtractUsage decrements the counter atomically, clamped at zero.
func (r *postgresRepository) SubtractUsage(ownerID string, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return nil
	}
	ctx, cancel := r.queryCtx()
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`UPDATE storage_ledgers SET used_bytes = GREATEST(0, used_bytes - $2) WHERE user_id = $1`,
		ownerID, sizeBytes)
	if err != nil {
		return fmt.Errorf("subtract usage: %w", err)
	}
	return nil
}
