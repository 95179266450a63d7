package feed_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"digistore/internal/feed"
)

func TestHubRoutesUserAndAdmin(t *testing.T) {
	hub := feed.NewHub()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	userEvents, stopUser, err := hub.Subscribe(ctx, feed.UserChannel("u1"))
	require.NoError(t, err)
	defer stopUser()
	adminEvents, stopAdmin, err := hub.Subscribe(ctx, feed.AdminChannel)
	require.NoError(t, err)
	defer stopAdmin()

	hub.Publish(ctx,
		feed.Event{Table: "orders", Type: feed.Insert, UserID: "u1", RowID: "o1"},
		feed.Event{Table: "profiles", Type: feed.Update, UserID: "u2", RowID: "u2"},
	)

	got := receive(t, userEvents)
	require.Equal(t, "o1", got.RowID)
	require.False(t, got.At.IsZero())

	require.Equal(t, "o1", receive(t, adminEvents).RowID)
	require.Equal(t, "u2", receive(t, adminEvents).RowID)

	select {
	case ev := <-userEvents:
		t.Fatalf("u1 received event for another user: %+v", ev)
	default:
	}
}

func TestHubStopsOnContextDone(t *testing.T) {
	hub := feed.NewHub()
	ctx, cancel := context.WithCancel(t.Context())

	events, _, err := hub.Subscribe(ctx, feed.AdminChannel)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func receive(t *testing.T, ch <-chan feed.Event) feed.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return feed.Event{}
	}
}
