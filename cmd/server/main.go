// Command server starts the archive API HTTP service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/froggyxyz/archiverse-infra/internal/api"
	"github.com/froggyxyz/archiverse-infra/internal/auth"
	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/hls"
	"github.com/froggyxyz/archiverse-infra/internal/jobqueue"
	"github.com/froggyxyz/archiverse-infra/internal/observability/logging"
	"github.com/froggyxyz/archiverse-infra/internal/progress"
	"github.com/froggyxyz/archiverse-infra/internal/server"
	"github.com/froggyxyz/archiverse-infra/internal/storage"
	"github.com/froggyxyz/archiverse-infra/internal/transcode"
	"github.com/froggyxyz/archiverse-infra/internal/upload"
	"github.com/froggyxyz/archiverse-infra/internal/ws"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	blobDriver := flag.String("blob-driver", "", "blob store driver (memory or minio)")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. minio:9000)")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	queueDriver := flag.String("queue-driver", "", "transcode queue driver (memory or kafka)")
	kafkaBrokers := flag.String("kafka-brokers", "", "comma separated Kafka broker addresses")
	kafkaTopic := flag.String("kafka-topic", "", "Kafka topic for transcode jobs")
	broadcastDriver := flag.String("broadcast-driver", "", "progress broadcast driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for progress broadcasts")
	redisPassword := flag.String("redis-password", "", "Redis password for progress broadcasts")
	redisDB := flag.Int("redis-db", 0, "Redis database for progress broadcasts")
	playbackSecret := flag.String("playback-secret", "", "HMAC secret for playback tokens")
	playbackTTL := flag.Duration("playback-ttl", 0, "lifetime for playback tokens")
	spoolDir := flag.String("upload-spool-dir", "", "directory for partially received uploads")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed for cross-origin requests")
	cookieSecure := flag.Bool("cookie-secure", false, "always mark the session cookie Secure")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	flag.Parse()

	_ = godotenv.Load()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("ARCHIVERSE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("ARCHIVERSE_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")

	ctx := context.Background()

	store, storeClose := openDatastore(ctx, logger, *storageDriver, *dataPath, *postgresDSN)
	defer storeClose()

	sessionStore, sessionClose := openSessionStore(logger, *sessionStoreDriver, *sessionPostgresDSN, *postgresDSN, *storageDriver)
	defer sessionClose()
	sessions := auth.NewSessionManager(24*time.Hour, auth.WithStore(sessionStore))

	blobs := openBlobStore(ctx, logger, *blobDriver, blob.MinioConfig{
		Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("ARCHIVERSE_OBJECT_ENDPOINT")),
		AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("ARCHIVERSE_OBJECT_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("ARCHIVERSE_OBJECT_SECRET_KEY")),
		Bucket:    firstNonEmpty(*objectBucket, os.Getenv("ARCHIVERSE_OBJECT_BUCKET")),
		Region:    firstNonEmpty(*objectRegion, os.Getenv("ARCHIVERSE_OBJECT_REGION")),
		UseSSL:    resolveBool(*objectUseSSL, "ARCHIVERSE_OBJECT_USE_SSL"),
	})

	queueDriverValue := strings.ToLower(firstNonEmpty(*queueDriver, os.Getenv("ARCHIVERSE_QUEUE_DRIVER"), "memory"))
	queue, consumer := openQueue(logger, queueDriverValue, jobqueue.KafkaConfig{
		Brokers: splitAndTrim(firstNonEmpty(*kafkaBrokers, os.Getenv("ARCHIVERSE_KAFKA_BROKERS"))),
		Topic:   firstNonEmpty(*kafkaTopic, os.Getenv("ARCHIVERSE_KAFKA_TOPIC"), "archive-transcode"),
		Logger:  logging.WithComponent(logger, "jobqueue"),
	})
	defer queue.Close()

	broadcaster := openBroadcaster(logger, *broadcastDriver, progress.RedisConfig{
		Addr:     firstNonEmpty(*redisAddr, os.Getenv("ARCHIVERSE_REDIS_ADDR")),
		Password: firstNonEmpty(*redisPassword, os.Getenv("ARCHIVERSE_REDIS_PASSWORD")),
		DB:       resolveInt(*redisDB, "ARCHIVERSE_REDIS_DB"),
		Logger:   logging.WithComponent(logger, "progress"),
	})
	defer broadcaster.Close()

	uploads, err := upload.NewService(upload.ServiceConfig{
		Store:    store,
		Blob:     blobs,
		Queue:    queue,
		Logger:   logging.WithComponent(logger, "uploads"),
		SpoolDir: firstNonEmpty(*spoolDir, os.Getenv("ARCHIVERSE_UPLOAD_SPOOL_DIR")),
	})
	if err != nil {
		logger.Error("failed to initialise upload service", "error", err)
		os.Exit(1)
	}

	gateway, err := ws.NewGateway(ws.GatewayConfig{
		Broadcaster:       broadcaster,
		Logger:            logging.WithComponent(logger, "ws"),
		HeartbeatInterval: 30 * time.Second,
	})
	if err != nil {
		logger.Error("failed to initialise websocket gateway", "error", err)
		os.Exit(1)
	}

	issuer := openTokenIssuer(logger, *playbackSecret, *playbackTTL)

	handler := api.NewHandler(store, sessions)
	handler.Blob = blobs
	handler.Uploads = uploads
	handler.Gateway = gateway
	handler.Playback = issuer
	handler.Logger = logging.WithComponent(logger, "api")
	if resolveBool(*cookieSecure, "ARCHIVERSE_COOKIE_SECURE") {
		handler.SessionCookiePolicy = api.SessionCookiePolicy{SecureMode: api.SessionCookieSecureAlways}
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	purgeStop := startSessionPurgeWorker(runCtx, logging.WithComponent(logger, "session-purger"), sessions, 15*time.Minute)
	defer purgeStop()

	// With the in-process queue nothing else consumes jobs, so the transcode
	// worker runs inside the API process.
	if consumer != nil {
		worker, err := transcode.NewWorker(transcode.WorkerConfig{
			Store:       store,
			Blob:        blobs,
			Broadcaster: broadcaster,
			Runner:      transcode.NewFFmpegRunner(logging.WithComponent(logger, "ffmpeg")),
			Logger:      logging.WithComponent(logger, "transcode"),
		})
		if err != nil {
			logger.Error("failed to initialise transcode worker", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := consumer.Consume(runCtx, worker.Process); err != nil && runCtx.Err() == nil {
				logger.Error("transcode consumer stopped", "error", err)
			}
		}()
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("ARCHIVERSE_ADDR"), ":8080")
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("ARCHIVERSE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("ARCHIVERSE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "ARCHIVERSE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "ARCHIVERSE_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "ARCHIVERSE_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "ARCHIVERSE_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("ARCHIVERSE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("ARCHIVERSE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "ARCHIVERSE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("ARCHIVERSE_CORS_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("archive API listening", "addr", listenAddr)
	if err := srv.Run(runCtx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	uploads.Wait()
	logger.Info("server stopped")
}

func openDatastore(ctx context.Context, logger *slog.Logger, driverFlag, dataFlag, dsnFlag string) (storage.Repository, func()) {
	driver := strings.ToLower(firstNonEmpty(driverFlag, os.Getenv("ARCHIVERSE_STORAGE_DRIVER")))
	dsn := firstNonEmpty(dsnFlag, os.Getenv("ARCHIVERSE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}

	switch driver {
	case "json":
		path := firstNonEmpty(dataFlag, os.Getenv("ARCHIVERSE_DATA"), "data/archive.json")
		store, err := storage.NewStorage(path)
		if err != nil {
			logger.Error("failed to open datastore", "error", err)
			os.Exit(1)
		}
		return store, func() {}
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: dsn})
		if err != nil {
			logger.Error("failed to open datastore", "error", err)
			os.Exit(1)
		}
		closeFn := func() {}
		if closer, ok := repo.(interface{ Close() }); ok {
			closeFn = closer.Close
		}
		return repo, closeFn
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
		return nil, nil
	}
}

func openSessionStore(logger *slog.Logger, driverFlag, dsnFlag, storageDSNFlag, storageDriverFlag string) (auth.SessionStore, func()) {
	driver := strings.ToLower(firstNonEmpty(driverFlag, os.Getenv("ARCHIVERSE_SESSION_STORE")))
	dsn := firstNonEmpty(dsnFlag, os.Getenv("ARCHIVERSE_SESSION_POSTGRES_DSN"))
	if dsn == "" {
		dsn = firstNonEmpty(storageDSNFlag, os.Getenv("ARCHIVERSE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	}
	if driver == "" {
		storageDriver := strings.ToLower(firstNonEmpty(storageDriverFlag, os.Getenv("ARCHIVERSE_STORAGE_DRIVER")))
		if storageDriver == "postgres" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return auth.NewMemorySessionStore(), func() {}
	case "postgres":
		if dsn == "" {
			logger.Error("postgres session store selected without DSN")
			os.Exit(1)
		}
		store, err := auth.NewPostgresSessionStore(dsn)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		return store, func() { _ = store.Close(context.Background()) }
	default:
		logger.Error("unsupported session store driver", "driver", driver)
		os.Exit(1)
		return nil, nil
	}
}

func openBlobStore(ctx context.Context, logger *slog.Logger, driverFlag string, cfg blob.MinioConfig) blob.Store {
	driver := strings.ToLower(firstNonEmpty(driverFlag, os.Getenv("ARCHIVERSE_BLOB_DRIVER")))
	if driver == "" {
		if cfg.Endpoint != "" {
			driver = "minio"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		logger.Warn("using in-memory blob store, uploads will not survive restarts")
		return blob.NewMemoryStore("")
	case "minio":
		store, err := blob.NewMinioStore(ctx, cfg)
		if err != nil {
			logger.Error("failed to connect object storage", "error", err)
			os.Exit(1)
		}
		return store
	default:
		logger.Error("unsupported blob driver", "driver", driver)
		os.Exit(1)
		return nil
	}
}

// openQueue returns the enqueue side plus an in-process consumer when the
// memory driver is selected. With Kafka the dedicated worker binary consumes.
func openQueue(logger *slog.Logger, driver string, cfg jobqueue.KafkaConfig) (jobqueue.Queue, jobqueue.Consumer) {
	switch driver {
	case "memory":
		queue := jobqueue.NewMemoryQueue(64)
		return queue, queue
	case "kafka":
		queue, err := jobqueue.NewKafkaQueue(cfg)
		if err != nil {
			logger.Error("failed to connect Kafka", "error", err)
			os.Exit(1)
		}
		return queue, nil
	default:
		logger.Error("unsupported queue driver", "driver", driver)
		os.Exit(1)
		return nil, nil
	}
}

func openBroadcaster(logger *slog.Logger, driverFlag string, cfg progress.RedisConfig) progress.Broadcaster {
	driver := strings.ToLower(firstNonEmpty(driverFlag, os.Getenv("ARCHIVERSE_BROADCAST_DRIVER")))
	if driver == "" {
		if cfg.Addr != "" {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return progress.NewMemoryBroadcaster()
	case "redis":
		if cfg.Addr == "" {
			logger.Error("redis broadcaster selected without address")
			os.Exit(1)
		}
		return progress.NewRedisBroadcaster(cfg)
	default:
		logger.Error("unsupported broadcast driver", "driver", driver)
		os.Exit(1)
		return nil
	}
}

func openTokenIssuer(logger *slog.Logger, secretFlag string, ttlFlag time.Duration) *hls.TokenIssuer {
	secret := firstNonEmpty(secretFlag, os.Getenv("ARCHIVERSE_PLAYBACK_SECRET"))
	if secret == "" {
		logger.Warn("no playback secret configured, HLS playback disabled")
		return nil
	}
	ttl := resolveDuration(ttlFlag, "ARCHIVERSE_PLAYBACK_TTL", time.Hour)
	issuer, err := hls.NewTokenIssuer([]byte(secret), ttl)
	if err != nil {
		logger.Error("failed to initialise playback tokens", "error", err)
		os.Exit(1)
	}
	return issuer
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
