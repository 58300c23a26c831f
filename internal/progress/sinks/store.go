package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/progress"
	"github.com/JakeFAU/continuous-crawler/internal/store"
)

// StoreSink persists lifecycle events and run state via a store.RunRepository.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume registers runs that entered PREPARING, appends the batch as event
// rows, and then applies run-level updates. Repository errors are returned
// wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	latest := make(map[[16]byte]progress.Event)
	var order [][16]byte
	rows := make([]store.Event, 0, len(batch))
	for _, evt := range batch {
		rows = append(rows, store.Event{
			RunID:   evt.RunUUID(),
			Seq:     evt.Seq,
			At:      evt.TS,
			Level:   string(evt.Level),
			Kind:    string(evt.Kind),
			Phase:   evt.Phase,
			Message: evt.Message,
		})
		if evt.Kind != progress.KindTransition {
			continue
		}
		if evt.Phase == phasePreparing {
			if err := s.repo.UpsertRunStart(ctx, evt.RunUUID(), evt.Job, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		}
		if _, ok := latest[evt.RunID]; !ok {
			order = append(order, evt.RunID)
		}
		latest[evt.RunID] = evt
	}
	if err := s.repo.AppendEvents(ctx, rows); err != nil {
		return fmt.Errorf("append events: %w", err)
	}

	// One phase write per run per batch.
	for _, id := range order {
		evt := latest[id]
		if evt.Phase == phaseFinished {
			if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, evt.Exit); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
		if err := s.repo.UpdatePhase(ctx, evt.RunUUID(), evt.Phase, evt.TS); err != nil {
			return fmt.Errorf("update phase: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
