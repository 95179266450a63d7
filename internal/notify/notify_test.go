package notify_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"digistore/internal/notify"
	"digistore/internal/repo/repotest"
)

func TestStoreSinkPersists(t *testing.T) {
	r := repotest.NewSQLite(t)
	user := repotest.SeedProfile(t, r, 0)

	sink := notify.NewStoreSink(r)
	err := sink.Notify(t.Context(), notify.Notice{
		UserID: user.ID,
		Kind:   notify.KindTransactionApproved,
		Title:  "Recharge approved",
		Detail: "5000 FCFA credited",
		Data:   map[string]any{"transaction_id": "tx-1"},
	})
	require.NoError(t, err)

	list, err := r.ListNotifications(t.Context(), user.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, notify.KindTransactionApproved, list[0].Kind)
	require.Equal(t, "tx-1", list[0].Data["transaction_id"])
	require.False(t, list[0].Read)
}

type sinkFunc func(ctx context.Context, n notify.Notice) error

func (f sinkFunc) Notify(ctx context.Context, n notify.Notice) error { return f(ctx, n) }

func TestMultiJoinsErrors(t *testing.T) {
	var calls int
	ok := sinkFunc(func(context.Context, notify.Notice) error {
		calls++
		return nil
	})
	boom := errors.New("boom")
	failing := sinkFunc(func(context.Context, notify.Notice) error {
		calls++
		return boom
	})

	err := notify.Multi{ok, failing, nil, ok}.Notify(t.Context(), notify.Notice{UserID: "u"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestLogAlerterWritesError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	notify.Alerters{notify.NewLogAlerter(logger)}.Alert(t.Context(), notify.Alert{
		Title:  "refund failed",
		Detail: "user u1 debited without order",
		Attrs:  map[string]any{"user_id": "u1"},
	})

	out := buf.String()
	require.Contains(t, out, "level=ERROR")
	require.Contains(t, out, "refund failed")
	require.Contains(t, out, "user_id=u1")
}
