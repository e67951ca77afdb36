// Command worker consumes transcode jobs from Kafka and processes them with
// ffmpeg, publishing stage progress over Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/froggyxyz/archiverse-infra/internal/blob"
	"github.com/froggyxyz/archiverse-infra/internal/jobqueue"
	"github.com/froggyxyz/archiverse-infra/internal/observability/logging"
	"github.com/froggyxyz/archiverse-infra/internal/progress"
	"github.com/froggyxyz/archiverse-infra/internal/storage"
	"github.com/froggyxyz/archiverse-infra/internal/transcode"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	kafkaBrokers := flag.String("kafka-brokers", "", "comma separated Kafka broker addresses")
	kafkaTopic := flag.String("kafka-topic", "", "Kafka topic for transcode jobs")
	kafkaGroup := flag.String("kafka-group", "", "Kafka consumer group")
	redisAddr := flag.String("redis-addr", "", "Redis address for progress broadcasts")
	redisPassword := flag.String("redis-password", "", "Redis password for progress broadcasts")
	redisDB := flag.Int("redis-db", 0, "Redis database for progress broadcasts")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	workDir := flag.String("work-dir", "", "parent directory for per-job scratch space")
	uploadConcurrency := flag.Int("upload-concurrency", 0, "parallel blob uploads of transcoded files")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	_ = godotenv.Load()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("ARCHIVERSE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("ARCHIVERSE_LOG_FORMAT")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("ARCHIVERSE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn or ARCHIVERSE_POSTGRES_DSN")
		os.Exit(1)
	}
	store, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{DSN: dsn})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	if closer, ok := store.(interface{ Close() }); ok {
		defer closer.Close()
	}

	blobs, err := blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("ARCHIVERSE_OBJECT_ENDPOINT")),
		AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("ARCHIVERSE_OBJECT_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("ARCHIVERSE_OBJECT_SECRET_KEY")),
		Bucket:    firstNonEmpty(*objectBucket, os.Getenv("ARCHIVERSE_OBJECT_BUCKET")),
		Region:    firstNonEmpty(*objectRegion, os.Getenv("ARCHIVERSE_OBJECT_REGION")),
		UseSSL:    resolveBool(*objectUseSSL, "ARCHIVERSE_OBJECT_USE_SSL"),
	})
	if err != nil {
		logger.Error("failed to connect object storage", "error", err)
		os.Exit(1)
	}

	consumer, err := jobqueue.NewKafkaConsumer(jobqueue.KafkaConfig{
		Brokers: splitAndTrim(firstNonEmpty(*kafkaBrokers, os.Getenv("ARCHIVERSE_KAFKA_BROKERS"))),
		Topic:   firstNonEmpty(*kafkaTopic, os.Getenv("ARCHIVERSE_KAFKA_TOPIC"), "archive-transcode"),
		GroupID: firstNonEmpty(*kafkaGroup, os.Getenv("ARCHIVERSE_KAFKA_GROUP")),
		Logger:  logging.WithComponent(logger, "jobqueue"),
	})
	if err != nil {
		logger.Error("failed to connect Kafka", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	var broadcaster progress.Broadcaster
	if addr := firstNonEmpty(*redisAddr, os.Getenv("ARCHIVERSE_REDIS_ADDR")); addr != "" {
		broadcaster = progress.NewRedisBroadcaster(progress.RedisConfig{
			Addr:     addr,
			Password: firstNonEmpty(*redisPassword, os.Getenv("ARCHIVERSE_REDIS_PASSWORD")),
			DB:       resolveInt(*redisDB, "ARCHIVERSE_REDIS_DB"),
			Logger:   logging.WithComponent(logger, "progress"),
		})
		defer broadcaster.Close()
	} else {
		logger.Warn("no Redis address configured, progress events stay local to this process")
		broadcaster = progress.NewMemoryBroadcaster()
	}

	runner := transcode.NewFFmpegRunner(logging.WithComponent(logger, "ffmpeg"))
	if path := firstNonEmpty(*ffmpegPath, os.Getenv("ARCHIVERSE_FFMPEG")); path != "" {
		runner.FFmpegPath = path
	}
	if path := firstNonEmpty(*ffprobePath, os.Getenv("ARCHIVERSE_FFPROBE")); path != "" {
		runner.FFprobePath = path
	}

	worker, err := transcode.NewWorker(transcode.WorkerConfig{
		Store:             store,
		Blob:              blobs,
		Broadcaster:       broadcaster,
		Runner:            runner,
		Logger:            logging.WithComponent(logger, "transcode"),
		WorkDir:           firstNonEmpty(*workDir, os.Getenv("ARCHIVERSE_WORK_DIR")),
		UploadConcurrency: resolveInt(*uploadConcurrency, "ARCHIVERSE_UPLOAD_CONCURRENCY"),
	})
	if err != nil {
		logger.Error("failed to initialise transcode worker", "error", err)
		os.Exit(1)
	}

	logger.Info("transcode worker consuming")
	if err := consumer.Consume(ctx, worker.Process); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
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
