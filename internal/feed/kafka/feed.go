// Package kafkafeed consumes seed URLs from a Kafka topic into a running crawl.
package kafkafeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/feed"
)

// MessageReader abstracts kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config configures the consumer.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// Feed reads messages whose value is either a bare URL or a JSON object
// {"url": "..."} and schedules each as a seed. Offsets are committed once
// the seed has been offered to the frontier, whatever its disposition.
type Feed struct {
	reader MessageReader
	seeder feed.Seeder
	logger *zap.Logger
}

// New builds a Feed backed by a kafka-go consumer group reader.
func New(cfg Config, seeder feed.Seeder, logger *zap.Logger) (*Feed, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
		MaxWait: cfg.MaxWait,
	})
	return NewWithReader(reader, seeder, logger), nil
}

// NewWithReader builds a Feed over an existing reader.
func NewWithReader(reader MessageReader, seeder feed.Seeder, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{reader: reader, seeder: seeder, logger: logger.Named("kafka_feed")}
}

// Run consumes until ctx is canceled, then closes the reader. A canceled
// context is a clean exit.
func (f *Feed) Run(ctx context.Context) error {
	defer func() {
		if err := f.reader.Close(); err != nil {
			f.logger.Warn("close kafka reader failed", zap.Error(err))
		}
	}()
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch seed message: %w", err)
		}
		f.handle(ctx, msg)
		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit seed message: %w", err)
		}
	}
}

func (f *Feed) handle(ctx context.Context, msg kafka.Message) {
	raw, err := feed.ParseSeed(msg.Value)
	if err != nil {
		f.logger.Warn("skipping malformed seed message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}
	disposition := f.seeder.Seed(ctx, raw)
	f.logger.Debug("seed received",
		zap.String("url", raw),
		zap.String("disposition", string(disposition)),
	)
}
