package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/continuous-crawler/internal/progress"
	"github.com/JakeFAU/continuous-crawler/internal/store"
)

func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	event := func(seq int64, kind progress.Kind, from, to string) progress.Event {
		return progress.Event{
			RunID: runID, Job: "weekly", Seq: seq, TS: now.Add(time.Duration(seq) * time.Second),
			Level: progress.LevelInfo, Kind: kind, From: from, Phase: to, Message: "msg",
		}
	}
	finished := event(5, progress.KindTransition, "STOPPING", "FINISHED")
	finished.Exit = "FINISHED_ABORTED"
	batch := []progress.Event{
		event(1, progress.KindNotice, "", "NASCENT"),
		event(2, progress.KindTransition, "NASCENT", "PREPARING"),
		event(3, progress.KindTransition, "PREPARING", "RUNNING"),
		event(4, progress.KindTransition, "RUNNING", "STOPPING"),
		finished,
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{runUUID}, repo.starts)
	require.Len(t, repo.events, 5)
	require.Equal(t, int64(5), repo.events[4].Seq)
	require.Equal(t, []string{"FINISHED_ABORTED"}, repo.exits)
	require.Equal(t, []string{"FINISHED"}, repo.phases)
}

func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Level: progress.LevelInfo, Kind: progress.KindNotice, Message: "x"},
	})
	require.ErrorContains(t, err, "append events")
}

func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), []progress.Event{{}}))
}

type fakeRunRepo struct {
	fail   bool
	starts []uuid.UUID
	events []store.Event
	exits  []string
	phases []string
}

var errRepo = errors.New("repository unavailable")

func (f *fakeRunRepo) UpsertRunStart(_ context.Context, runID uuid.UUID, _ string, _ time.Time) error {
	if f.fail {
		return errRepo
	}
	f.starts = append(f.starts, runID)
	return nil
}

func (f *fakeRunRepo) UpdatePhase(_ context.Context, _ uuid.UUID, phase string, _ time.Time) error {
	if f.fail {
		return errRepo
	}
	f.phases = append(f.phases, phase)
	return nil
}

func (f *fakeRunRepo) CompleteRun(_ context.Context, _ uuid.UUID, _ time.Time, exitClass string) error {
	if f.fail {
		return errRepo
	}
	f.exits = append(f.exits, exitClass)
	return nil
}

func (f *fakeRunRepo) AppendEvents(_ context.Context, events []store.Event) error {
	if f.fail {
		return errRepo
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, store.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, errRepo
}

func (f *fakeRunRepo) ListEvents(context.Context, uuid.UUID, int, int) ([]store.Event, error) {
	return nil, errRepo
}
