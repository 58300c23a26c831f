// Package pubsubfeed consumes seed URLs from a Pub/Sub subscription into a
// running crawl.
package pubsubfeed

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/feed"
)

// Receiver abstracts *pubsub.Subscriber.
type Receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Config selects the subscription.
type Config struct {
	ProjectID    string
	Subscription string
	// MaxOutstanding bounds unacknowledged messages held by the client.
	MaxOutstanding int
}

// Feed schedules every received message as a seed. Messages are acked once
// the seed has been offered to the frontier; malformed ones are acked and
// dropped so they are not redelivered forever.
type Feed struct {
	receiver Receiver
	seeder   feed.Seeder
	closer   func() error
	logger   *zap.Logger
}

// New connects a Pub/Sub client using Application Default Credentials.
// Run closes it.
func New(ctx context.Context, cfg Config, seeder feed.Seeder, logger *zap.Logger) (*Feed, error) {
	if cfg.ProjectID == "" || cfg.Subscription == "" {
		return nil, errors.New("pubsub project and subscription are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	sub := client.Subscriber(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}
	f := NewWithReceiver(sub, seeder, logger)
	f.closer = client.Close
	return f, nil
}

// NewWithReceiver builds a Feed over an existing receiver.
func NewWithReceiver(receiver Receiver, seeder feed.Seeder, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{receiver: receiver, seeder: seeder, logger: logger.Named("pubsub_feed")}
}

// Run receives until ctx is canceled. A canceled context is a clean exit.
func (f *Feed) Run(ctx context.Context) error {
	defer func() {
		if f.closer == nil {
			return
		}
		if err := f.closer(); err != nil {
			f.logger.Warn("failed to close pubsub client", zap.Error(err))
		}
	}()
	err := f.receiver.Receive(ctx, f.handle)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive seed messages: %w", err)
	}
	return nil
}

func (f *Feed) handle(ctx context.Context, msg *pubsub.Message) {
	defer msg.Ack()
	raw, err := feed.ParseSeed(msg.Data)
	if err != nil {
		f.logger.Warn("skipping malformed seed message", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	disposition := f.seeder.Seed(ctx, raw)
	f.logger.Debug("seed received",
		zap.String("url", raw),
		zap.String("disposition", string(disposition)),
	)
}
