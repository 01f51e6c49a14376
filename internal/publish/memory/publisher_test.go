package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrhive/harvester/internal/harvest"
)

func TestPublisherRecordsRunEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "runs", harvest.RunSummary{RunID: "run-a", Status: harvest.RunStatusCompleted})
	require.NoError(t, err)
	require.Equal(t, "run-event-1", id1)

	id2, err := pub.Publish(context.Background(), "runs", harvest.RunSummary{RunID: "run-b", Status: harvest.RunStatusFailed})
	require.NoError(t, err)
	require.Equal(t, "run-event-2", id2)

	events := pub.Events()
	require.Len(t, events, 2)
	require.Equal(t, "runs", events[0].Topic)
	require.Equal(t, "run-a", events[0].Summary.RunID)
	require.Equal(t, "run-b", events[1].Summary.RunID)

	events[0].Summary.RunID = "modified"
	require.Equal(t, "run-a", pub.Events()[0].Summary.RunID, "Events must return a copy")
}

func TestPublisherRejectsUnexpectedPayload(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "runs", "not a summary")
	require.Error(t, err)
	require.Empty(t, pub.Events())
}
