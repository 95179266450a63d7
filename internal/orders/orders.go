// Package orders places orders against the user balance and exposes them
// back to their owner.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"digistore/internal/apperr"
	"digistore/internal/catalog"
	"digistore/internal/feed"
	"digistore/internal/ledger"
	"digistore/internal/metrics"
	"digistore/internal/notify"
	"digistore/internal/repo"
	"digistore/internal/session"
)

// AddFundsPath is where a user short on balance is sent.
const AddFundsPath = "/add-funds"

const (
	refundRetries       = 3
	refundRetryInterval = 100 * time.Millisecond
)

// Request is a user's order intent.
type Request struct {
	ServiceID  string
	Quantity   int
	InputValue string
}

// Placement is the result of a successful PlaceOrder.
type Placement struct {
	Order       repo.Order
	Transaction repo.Transaction
	Balance     decimal.Decimal
}

// Manager runs the order lifecycle up to the pending purchase transaction.
type Manager struct {
	repo    repo.Repository
	ledger  *ledger.Ledger
	catalog *catalog.Catalog
	feed    feed.Publisher
	alerter notify.Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewManager wires the order lifecycle.
func NewManager(r repo.Repository, l *ledger.Ledger, c *catalog.Catalog, pub feed.Publisher, alerter notify.Alerter, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if pub == nil {
		pub = feed.Nop{}
	}
	return &Manager{
		repo:    r,
		ledger:  l,
		catalog: c,
		feed:    pub,
		alerter: alerter,
		metrics: m,
		logger:  logger.With("component", "orders"),
	}
}

// PlaceOrder debits the order total and records the order together with its
// pending purchase transaction. When the records cannot be written the debit
// is refunded; if the refund fails too a CompensationError is returned and
// escalated.
func (m *Manager) PlaceOrder(ctx context.Context, sess session.Session, req Request) (*Placement, error) {
	if err := sess.RequireUser(); err != nil {
		return nil, err
	}

	svc, err := m.catalog.Get(ctx, req.ServiceID)
	if err != nil {
		m.observe("invalid")
		return nil, err
	}
	if req.Quantity < svc.MinQuantity || req.Quantity > svc.MaxQuantity {
		m.observe("invalid")
		return nil, apperr.Invalid("quantity", "must be between %d and %d", svc.MinQuantity, svc.MaxQuantity)
	}
	field, value, err := validateInput(svc.InputType, req.InputValue)
	if err != nil {
		m.observe("invalid")
		return nil, err
	}

	total := svc.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
	if !total.IsPositive() {
		m.observe("invalid")
		return nil, apperr.Invalid("service_id", "service has no price")
	}

	balance, err := m.ledger.Balance(ctx, sess.UserID)
	if err != nil {
		m.observe("error")
		return nil, err
	}
	if balance.LessThan(total) {
		m.observe("insufficient")
		return nil, &apperr.InsufficientFundsError{Balance: balance, Required: total}
	}

	after, err := m.ledger.Debit(ctx, sess.UserID, total)
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			m.observe("insufficient")
		} else {
			m.observe("error")
		}
		return nil, err
	}

	var placement Placement
	err = m.repo.InTx(ctx, func(s repo.Store) error {
		order, err := s.InsertOrder(ctx, repo.Order{
			Reference:   newReference(),
			UserID:      sess.UserID,
			ServiceID:   svc.ID,
			ServiceName: svc.Name,
			Quantity:    req.Quantity,
			UnitPrice:   svc.Price,
			TotalAmount: total,
			InputField:  field,
			InputValue:  value,
			Status:      repo.OrderInProgress,
		})
		if err != nil {
			return err
		}

		orderID := order.ID
		tx, err := s.InsertTransaction(ctx, repo.Transaction{
			UserID:       sess.UserID,
			Type:         repo.TxPurchase,
			Amount:       total,
			Status:       repo.TxPending,
			OrderID:      &orderID,
			Description:  fmt.Sprintf("%s x%d", svc.Name, req.Quantity),
			BalanceAfter: &after,
			Details: map[string]any{
				"order_reference": order.Reference,
				"service_id":      svc.ID,
			},
		})
		if err != nil {
			return err
		}

		placement = Placement{Order: *order, Transaction: *tx, Balance: after}
		return nil
	})
	if err != nil {
		m.observe("error")
		return nil, m.compensate(ctx, sess.UserID, total, err)
	}

	m.observe("ok")
	m.logger.Info("order placed",
		"order_id", placement.Order.ID,
		"reference", placement.Order.Reference,
		"user_id", sess.UserID,
		"total", total.String(),
	)
	m.feed.Publish(ctx,
		feed.Event{Table: "profiles", Type: feed.Update, UserID: sess.UserID, RowID: sess.UserID},
		feed.Event{Table: "orders", Type: feed.Insert, UserID: sess.UserID, RowID: placement.Order.ID},
		feed.Event{Table: "transactions", Type: feed.Insert, UserID: sess.UserID, RowID: placement.Transaction.ID},
	)
	return &placement, nil
}

// compensate refunds a debit whose order could not be recorded.
func (m *Manager) compensate(ctx context.Context, userID string, amount decimal.Decimal, cause error) error {
	createErr := fmt.Errorf("%w: %w", apperr.ErrCreationFailed, apperr.Persistence("create order", cause))

	// The refund must run even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	if err := m.refund(ctx, userID, amount); err != nil {
		compErr := &apperr.CompensationError{UserID: userID, Amount: amount, Trigger: cause, Cause: err}
		m.logger.Error("refund after failed order creation failed",
			"user_id", userID,
			"amount", amount.String(),
			"create_error", cause,
			"error", err,
		)
		if m.metrics != nil {
			m.metrics.CompensationFailures.Inc()
		}
		if m.alerter != nil {
			m.alerter.Alert(ctx, notify.Alert{
				Title:  "Refund failed after order creation error",
				Detail: compErr.Error(),
				Attrs: map[string]any{
					"user_id": userID,
					"amount":  amount.String(),
				},
			})
		}
		return compErr
	}

	m.logger.Warn("order creation failed, debit refunded", "user_id", userID, "amount", amount.String(), "error", cause)
	m.feed.Publish(ctx, feed.Event{Table: "profiles", Type: feed.Update, UserID: userID, RowID: userID})
	return createErr
}

// refund credits amount back, retrying transient store failures briefly.
func (m *Manager) refund(ctx context.Context, userID string, amount decimal.Decimal) error {
	policy := backoff.NewExponentialBackOff(backoff.WithInitialInterval(refundRetryInterval))
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		_, err := m.ledger.Credit(ctx, userID, amount)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrValidation):
			return backoff.Permanent(err)
		}
		m.logger.Warn("refund attempt failed", "user_id", userID, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, refundRetries), ctx))
}

// ListOrders returns the caller's most recent orders.
func (m *Manager) ListOrders(ctx context.Context, sess session.Session, limit int) ([]repo.Order, error) {
	if !sess.Authenticated() {
		return nil, apperr.ErrAuthenticationRequired
	}
	list, err := m.repo.ListOrdersByUser(ctx, sess.UserID, limit)
	if err != nil {
		return nil, apperr.Persistence("list orders", err)
	}
	return list, nil
}

// GetOrder returns one order with its purchase transaction. Only the owner
// and administrators may read it.
func (m *Manager) GetOrder(ctx context.Context, sess session.Session, id string) (*repo.Order, *repo.Transaction, error) {
	if !sess.Authenticated() {
		return nil, nil, apperr.ErrAuthenticationRequired
	}
	order, err := m.repo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
		}
		return nil, nil, apperr.Persistence("get order", err)
	}
	if order.UserID != sess.UserID && !sess.IsAdmin() {
		return nil, nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}

	tx, err := m.repo.GetTransactionByOrder(ctx, order.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, nil, apperr.Persistence("get order transaction", err)
	}
	return order, tx, nil
}

func (m *Manager) observe(outcome string) {
	if m.metrics == nil {
		return
	}
	m.metrics.OrdersPlaced.WithLabelValues(outcome).Inc()
}

func newReference() string {
	return "CMD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
