package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/continuous-crawler/internal/progress"
	"github.com/JakeFAU/continuous-crawler/internal/publisher/memory"
)

func TestPublishSinkAnnouncesTransitions(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "crawl-state-changed", nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Job: "weekly", Seq: 1, TS: at, Level: progress.LevelInfo, Kind: progress.KindNotice, Message: "Job launched"},
		{RunID: runID, Job: "weekly", Seq: 2, TS: at, Level: progress.LevelInfo, Kind: progress.KindTransition, From: "NASCENT", Phase: "PREPARING", Message: "Crawl preparing"},
		{RunID: runID, Job: "weekly", Seq: 9, TS: at, Level: progress.LevelInfo, Kind: progress.KindTransition, From: "STOPPING", Phase: "FINISHED", Exit: "FINISHED_SUCCESS", Message: "Crawl finished"},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "crawl-state-changed", msgs[0].Topic)

	var last StateChange
	require.NoError(t, msgs[1].Decode(&last))
	require.Equal(t, StateChange{
		RunID: runUUID.String(),
		Job:   "weekly",
		Seq:   9,
		From:  "STOPPING",
		To:    "FINISHED",
		Exit:  "FINISHED_SUCCESS",
		At:    at,
	}, last)
}

func TestPublishSinkReturnsPublishErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("topic not found"))
	sink := NewPublishSink(pub, "crawl-state-changed", nil)

	err := sink.Consume(context.Background(), []progress.Event{{
		RunID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Level: progress.LevelInfo,
		Kind: progress.KindTransition, From: "RUNNING", Phase: "PAUSING", Message: "Crawl pausing",
	}})
	require.ErrorContains(t, err, "RUNNING->PAUSING")
}
