package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/progress"
)

// Publisher sends payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// StateChange is the "crawl state changed" message.
type StateChange struct {
	RunID string    `json:"run_id"`
	Job   string    `json:"job"`
	Seq   int64     `json:"seq"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Exit  string    `json:"exit,omitempty"`
	At    time.Time `json:"at"`
}

// PublishSink announces every phase transition on a topic.
type PublishSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink returns a sink publishing transitions to topic.
func NewPublishSink(pub Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes transitions in order and stops at the first failure.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Kind != progress.KindTransition {
			continue
		}
		msg := StateChange{
			RunID: evt.RunUUID().String(),
			Job:   evt.Job,
			Seq:   evt.Seq,
			From:  evt.From,
			To:    evt.Phase,
			Exit:  evt.Exit,
			At:    evt.TS.UTC(),
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish state change %s->%s: %w", evt.From, evt.Phase, err)
		}
		s.logger.Debug("published state change", zap.String("message_id", id), zap.String("to", evt.Phase))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
