package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markview/markview/internal/logging"
)

func event(path string, seq uint64) ChangeEvent {
	return ChangeEvent{
		Path:       path,
		Kind:       ChangeModified,
		Seq:        seq,
		ObservedAt: time.Now(),
	}
}

func TestFilterMatching(t *testing.T) {
	all := FilterAll()
	assert.True(t, all.Matches("any/path.md"))

	some := FilterPaths("a.md", "b.md")
	assert.True(t, some.Matches("a.md"))
	assert.False(t, some.Matches("c.md"))
}

func TestBroadcastReachesMatchingSubscribers(t *testing.T) {
	h := New(16, logging.NewNop())

	subAll := h.Subscribe(FilterAll())
	subA := h.Subscribe(FilterPaths("a.md"))

	h.Broadcast(event("a.md", 1))
	h.Broadcast(event("b.md", 2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := subAll.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, msg.Event.Seq)

	msg, err = subAll.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, msg.Event.Seq)

	// The filtered subscriber only sees a.md.
	msg, err = subA.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a.md", msg.Event.Path)
	assert.Empty(t, subA.Queued())
}

func TestOrderingPreservedPerSubscriber(t *testing.T) {
	h := New(64, logging.NewNop())
	sub := h.Subscribe(FilterAll())

	for seq := uint64(1); seq <= 20; seq++ {
		h.Broadcast(event("doc.md", seq))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var last uint64
	for i := 0; i < 20; i++ {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, MessageChange, msg.Type)
		assert.Greater(t, msg.Event.Seq, last, "sequence numbers must be monotonically increasing")
		last = msg.Event.Seq
	}
}

func TestSlowSubscriberOverflow(t *testing.T) {
	const depth = 5
	h := New(depth, logging.NewNop())
	sub := h.Subscribe(FilterAll())

	// Ten rapid events, none consumed.
	for seq := uint64(1); seq <= 10; seq++ {
		h.Broadcast(event("doc.md", seq))
	}

	queued := sub.Queued()
	require.LessOrEqual(t, len(queued), depth)

	// The queue holds the most recent events with a trailing Resync.
	last := queued[len(queued)-1]
	assert.Equal(t, MessageResync, last.Type)

	markers := 0
	var seqs []uint64
	for _, msg := range queued {
		if msg.Type == MessageResync {
			markers++
			continue
		}
		seqs = append(seqs, msg.Event.Seq)
	}
	assert.Equal(t, 1, markers, "exactly one pending Resync marker")
	assert.Equal(t, []uint64{7, 8, 9, 10}, seqs)
}

func TestResyncMarkerClearedAfterDelivery(t *testing.T) {
	h := New(2, logging.NewNop())
	sub := h.Subscribe(FilterAll())

	for seq := uint64(1); seq <= 5; seq++ {
		h.Broadcast(event("doc.md", seq))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sawResync := false
	for len(sub.Queued()) > 0 {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		if msg.Type == MessageResync {
			sawResync = true
		}
	}
	require.True(t, sawResync)

	// After the marker is consumed, new events queue normally again.
	h.Broadcast(event("doc.md", 6))
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageChange, msg.Type)
	assert.EqualValues(t, 6, msg.Event.Seq)
}

func TestUnsubscribeDiscardsQueue(t *testing.T) {
	h := New(16, logging.NewNop())
	sub := h.Subscribe(FilterAll())

	h.Broadcast(event("doc.md", 1))
	h.Unsubscribe(sub.ID())

	assert.Zero(t, h.Count())
	assert.Empty(t, sub.Queued())

	// Next returns promptly once removed.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.Error(t, err)
}

func TestBroadcastAfterUnsubscribeIsNoOp(t *testing.T) {
	h := New(16, logging.NewNop())
	sub := h.Subscribe(FilterAll())
	h.Unsubscribe(sub.ID())

	// Must not panic or error.
	h.Broadcast(event("doc.md", 1))
	assert.Empty(t, sub.Queued())
}

func TestUnsubscribeUnknownIDIsNoOp(t *testing.T) {
	h := New(16, logging.NewNop())
	sub := h.Subscribe(FilterAll())

	h.Unsubscribe(sub.ID())
	h.Unsubscribe(sub.ID())
	assert.Zero(t, h.Count())
}

func TestSetFilterTakesEffect(t *testing.T) {
	h := New(16, logging.NewNop())
	sub := h.Subscribe(FilterPaths("a.md"))

	h.Broadcast(event("b.md", 1))
	assert.Empty(t, sub.Queued())

	sub.SetFilter(FilterAll())
	h.Broadcast(event("b.md", 2))
	assert.Len(t, sub.Queued(), 1)
}

func TestNextHonorsContext(t *testing.T) {
	h := New(16, logging.NewNop())
	sub := h.Subscribe(FilterAll())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcastDoesNotBlockOnSlowSubscriber(t *testing.T) {
	h := New(1, logging.NewNop())
	_ = h.Subscribe(FilterAll())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := uint64(1); seq <= 1000; seq++ {
			h.Broadcast(event("doc.md", seq))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a subscriber that never reads")
	}
}
