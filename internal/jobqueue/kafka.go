package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/froggyxyz/archiverse-infra/internal/models"
)

// KafkaConfig carries broker connection settings for the transcode topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  *slog.Logger
}

// KafkaQueue publishes transcode jobs keyed by media so per-media ordering is
// preserved within a partition.
type KafkaQueue struct {
	writer *kafkago.Writer
}

var _ Queue = (*KafkaQueue)(nil)

// NewKafkaQueue initialises the producer side of the transcode topic.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &KafkaQueue{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafkago.LeastBytes{},
		},
	}, nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if job.MediaID == "" {
		return errors.New("job mediaId is required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(job.MediaID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

// KafkaConsumer pulls transcode jobs from the topic as part of a consumer
// group. Messages are committed only after the handler returns, so a crash
// mid-job leads to redelivery rather than a lost job.
type KafkaConsumer struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

var _ Consumer = (*KafkaConsumer)(nil)

// NewKafkaConsumer initialises the consumer side of the transcode topic.
func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "transcode-workers"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: groupID,
		}),
		logger: logger,
	}, nil
}

func (c *KafkaConsumer) Consume(ctx context.Context, handler Handler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		var job models.TranscodeJob
		if err := json.Unmarshal(message.Value, &job); err != nil {
			c.logger.Error("discarding malformed job", "error", err, "offset", message.Offset)
			if err := c.reader.CommitMessages(ctx, message); err != nil {
				return fmt.Errorf("kafka commit: %w", err)
			}
			continue
		}
		if err := handler(ctx, job); err != nil {
			// Leave the offset uncommitted; the group redelivers the job
			// after a rebalance or restart.
			c.logger.Error("job handler failed", "media_id", job.MediaID, "error", err)
			continue
		}
		if err := c.reader.CommitMessages(ctx, message); err != nil {
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
