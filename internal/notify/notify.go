// Package notify delivers user notices and operational alerts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"digistore/internal/repo"
)

// Notice kinds.
const (
	KindTransactionApproved = "transaction_approved"
	KindTransactionRejected = "transaction_rejected"
)

// Notice is a user-facing message about one of their orders or transactions.
type Notice struct {
	UserID string
	Kind   string
	Title  string
	Detail string
	Data   map[string]any
}

// Sink delivers notices.
type Sink interface {
	Notify(ctx context.Context, n Notice) error
}

// StoreSink persists notices in the notifications table.
type StoreSink struct {
	store repo.Store
}

// NewStoreSink binds a sink to store, which may be a transaction-scoped Store.
func NewStoreSink(store repo.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Notify(ctx context.Context, n Notice) error {
	if n.UserID == "" {
		return fmt.Errorf("notify: empty user id")
	}
	_, err := s.store.InsertNotification(ctx, repo.Notification{
		UserID:  n.UserID,
		Kind:    n.Kind,
		Title:   n.Title,
		Message: n.Detail,
		Data:    n.Data,
	})
	if err != nil {
		return fmt.Errorf("persist notice: %w", err)
	}
	return nil
}

// Multi fans a notice out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Alert is an operational incident that needs a human.
type Alert struct {
	Title  string
	Detail string
	Attrs  map[string]any
}

// Alerter raises operational alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts at error level.
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alert")}
}

func (l *LogAlerter) Alert(ctx context.Context, a Alert) {
	args := make([]any, 0, len(a.Attrs)*2+2)
	args = append(args, "detail", a.Detail)
	for k, v := range a.Attrs {
		args = append(args, k, v)
	}
	l.logger.ErrorContext(ctx, a.Title, args...)
}

// Alerters raises an alert on every member.
type Alerters []Alerter

func (m Alerters) Alert(ctx context.Context, a Alert) {
	for _, al := range m {
		if al != nil {
			al.Alert(ctx, a)
		}
	}
}
