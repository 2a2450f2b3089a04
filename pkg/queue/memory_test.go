package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryPerKeyFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute, 3)

	require.NoError(t, q.Send(ctx, "k1", "a"))
	require.NoError(t, q.Send(ctx, "k1", "b"))
	require.NoError(t, q.Send(ctx, "k2", "x"))

	msgs, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "one head per key while k1 head is in flight")
	require.Equal(t, "a", msgs[0].Body)
	require.Equal(t, "x", msgs[1].Body)

	// k1's second message is held until the first is acked.
	more, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, more)

	require.NoError(t, q.Delete(ctx, msgs[0]))
	more, err = q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, more, 1)
	require.Equal(t, "b", more[0].Body)
}

func TestMemoryVisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(30*time.Second, 3)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.Send(ctx, "k", "payload"))
	first, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Not yet expired: nothing to deliver.
	msgs, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, msgs)

	now = now.Add(time.Minute)
	second, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "payload", second[0].Body)
	require.Equal(t, 2, second[0].Deliveries)

	// The stale receipt no longer acks.
	require.Error(t, q.Delete(ctx, first[0]))
	require.NoError(t, q.Delete(ctx, second[0]))
}

func TestMemoryDeadLetterAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Second, 2)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	require.NoError(t, q.Send(ctx, "k", "poison"))
	for i := 0; i < 2; i++ {
		msgs, err := q.Receive(ctx, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		now = now.Add(time.Minute) // let it time out, never ack
	}

	msgs, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, msgs, "poison message must not deliver a third time")
	require.Len(t, q.DeadLetters(), 1)
}
