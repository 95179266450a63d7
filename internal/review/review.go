// Package review implements the admin approval workflow over pending
// transactions.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"digistore/internal/apperr"
	"digistore/internal/feed"
	"digistore/internal/ledger"
	"digistore/internal/metrics"
	"digistore/internal/notify"
	"digistore/internal/repo"
	"digistore/internal/session"
)

// Decision is the admin verdict on a pending transaction.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Outcome describes a committed resolution.
type Outcome struct {
	Transaction repo.Transaction
	Order       *repo.Order
	// Balance is the owner's balance after a credit, nil when unchanged.
	Balance *decimal.Decimal
}

// Workflow resolves pending transactions. Every effect of a decision commits
// in one database transaction.
type Workflow struct {
	repo     repo.Repository
	ledger   *ledger.Ledger
	feed     feed.Publisher
	notifier notify.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorkflow wires the review workflow. notifier receives a copy of every
// user notice after commit and may be nil.
func NewWorkflow(r repo.Repository, l *ledger.Ledger, pub feed.Publisher, notifier notify.Sink, m *metrics.Metrics, logger *slog.Logger) *Workflow {
	if pub == nil {
		pub = feed.Nop{}
	}
	return &Workflow{
		repo:     r,
		ledger:   l,
		feed:     pub,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "review"),
		now:      time.Now,
	}
}

// Approve marks a pending transaction succeeded. Recharges credit their
// amount to the owner; purchases mark their order processed.
func (w *Workflow) Approve(ctx context.Context, sess session.Session, txID string) (*Outcome, error) {
	return w.resolve(ctx, sess, txID, Approve, "")
}

// Reject marks a pending transaction failed with a reason. Purchases are
// refunded and their order rejected; recharges leave the balance unchanged.
func (w *Workflow) Reject(ctx context.Context, sess session.Session, txID, reason string) (*Outcome, error) {
	return w.resolve(ctx, sess, txID, Reject, reason)
}

// ResolveOrder applies decision to the purchase transaction of orderID.
func (w *Workflow) ResolveOrder(ctx context.Context, sess session.Session, orderID string, decision Decision, reason string) (*Outcome, error) {
	if err := sess.RequireAdmin(); err != nil {
		return nil, err
	}
	tx, err := w.repo.GetTransactionByOrder(ctx, orderID)
	if err != nil {
		return nil, translate("find order transaction", err)
	}
	return w.resolve(ctx, sess, tx.ID, decision, reason)
}

// ListPending returns pending transactions, oldest first.
func (w *Workflow) ListPending(ctx context.Context, sess session.Session, limit int) ([]repo.Transaction, error) {
	return w.ListByStatus(ctx, sess, repo.TxPending, limit)
}

// ListByStatus returns transactions in status, oldest first. Legacy status
// names are accepted.
func (w *Workflow) ListByStatus(ctx context.Context, sess session.Session, status string, limit int) ([]repo.Transaction, error) {
	if err := sess.RequireAdmin(); err != nil {
		return nil, err
	}
	status = repo.CanonicalTxStatus(strings.TrimSpace(status))
	switch status {
	case repo.TxPending, repo.TxSucceeded, repo.TxFailed:
	default:
		return nil, apperr.Invalid("status", "unknown status %q", status)
	}
	list, err := w.repo.ListTransactionsByStatus(ctx, status, limit)
	if err != nil {
		return nil, apperr.Persistence("list transactions", err)
	}
	return list, nil
}

// SetBlocked blocks or unblocks a user. Blocked users cannot order or recharge.
func (w *Workflow) SetBlocked(ctx context.Context, sess session.Session, userID string, blocked bool) error {
	if err := sess.RequireAdmin(); err != nil {
		return err
	}
	if userID == sess.UserID {
		return apperr.Invalid("user_id", "cannot block yourself")
	}
	if err := w.repo.SetProfileBlocked(ctx, userID, blocked); err != nil {
		return translate("set blocked", err)
	}
	w.logger.Info("profile block changed", "user_id", userID, "blocked", blocked, "admin_id", sess.UserID)
	w.feed.Publish(ctx, feed.Event{Table: "profiles", Type: feed.Update, UserID: userID, RowID: userID})
	return nil
}

func (w *Workflow) resolve(ctx context.Context, sess session.Session, txID string, decision Decision, reason string) (*Outcome, error) {
	if err := sess.RequireAdmin(); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	switch decision {
	case Approve:
	case Reject:
		if reason == "" {
			return nil, apperr.Invalid("reason", "is required")
		}
	default:
		return nil, apperr.Invalid("decision", "unknown decision %q", decision)
	}

	var (
		out    Outcome
		notice notify.Notice
	)
	err := w.repo.InTx(ctx, func(s repo.Store) error {
		current, err := s.GetTransaction(ctx, txID)
		if err != nil {
			return translate("get transaction", err)
		}
		if current.Status != repo.TxPending {
			return fmt.Errorf("transaction %s is %s: %w", txID, current.Status, apperr.ErrAlreadyProcessed)
		}

		balance, err := w.applyBalance(ctx, s, current, decision)
		if err != nil {
			return err
		}

		res := w.resolution(sess, decision, reason, balance)
		resolved, err := s.ResolveTransaction(ctx, txID, res)
		if err != nil {
			return translate("resolve transaction", err)
		}
		out = Outcome{Transaction: *resolved, Balance: balance}

		if resolved.Type == repo.TxPurchase && resolved.OrderID != nil {
			order, err := w.applyOrder(ctx, s, *resolved.OrderID, sess, decision, reason)
			if err != nil {
				return err
			}
			out.Order = order
		}

		notice = buildNotice(out, decision, reason)
		if err := notify.NewStoreSink(s).Notify(ctx, notice); err != nil {
			return apperr.Persistence("store notice", err)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("review failed", "transaction_id", txID, "decision", decision, "error", err)
		return nil, err
	}

	w.afterCommit(ctx, sess, &out, decision, notice)
	return &out, nil
}

// applyBalance credits recharges on approval and refunds purchases on
// rejection. It returns the new balance, or nil when nothing moved.
func (w *Workflow) applyBalance(ctx context.Context, s repo.Store, tx *repo.Transaction, decision Decision) (*decimal.Decimal, error) {
	credit := (tx.Type == repo.TxRecharge && decision == Approve) ||
		(tx.Type == repo.TxPurchase && decision == Reject)
	if !credit {
		return nil, nil
	}
	balance, err := w.ledger.WithStore(s).Credit(ctx, tx.UserID, tx.Amount)
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (w *Workflow) applyOrder(ctx context.Context, s repo.Store, orderID string, sess session.Session, decision Decision, reason string) (*repo.Order, error) {
	status := repo.OrderProcessed
	meta := map[string]any{"resolved_by": sess.UserID}
	if decision == Reject {
		status = repo.OrderRejected
		meta["rejection_reason"] = reason
	}
	if err := s.UpdateOrderStatus(ctx, orderID, status, meta); err != nil {
		return nil, translate("update order", err)
	}
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, translate("get order", err)
	}
	return order, nil
}

func (w *Workflow) resolution(sess session.Session, decision Decision, reason string, balance *decimal.Decimal) repo.Resolution {
	at := w.now().UTC().Format(time.RFC3339)
	res := repo.Resolution{
		BalanceAfter: balance,
		Details:      map[string]any{"resolved_by": sess.UserID},
	}
	if decision == Approve {
		res.Status = repo.TxSucceeded
		res.Details["approved_at"] = at
		return res
	}
	res.Status = repo.TxFailed
	res.RejectionReason = &reason
	res.Details["rejected_at"] = at
	return res
}

func (w *Workflow) afterCommit(ctx context.Context, sess session.Session, out *Outcome, decision Decision, notice notify.Notice) {
	tx := out.Transaction
	if w.metrics != nil {
		w.metrics.ReviewDecisions.WithLabelValues(tx.Type, string(decision)).Inc()
	}
	w.logger.Info("transaction resolved",
		"transaction_id", tx.ID,
		"type", tx.Type,
		"decision", decision,
		"user_id", tx.UserID,
		"admin_id", sess.UserID,
		"amount", tx.Amount.String(),
	)

	events := []feed.Event{
		{Table: "transactions", Type: feed.Update, UserID: tx.UserID, RowID: tx.ID},
		{Table: "notifications", Type: feed.Insert, UserID: tx.UserID},
	}
	if out.Balance != nil {
		events = append(events, feed.Event{Table: "profiles", Type: feed.Update, UserID: tx.UserID, RowID: tx.UserID})
	}
	if out.Order != nil {
		events = append(events, feed.Event{Table: "orders", Type: feed.Update, UserID: tx.UserID, RowID: out.Order.ID})
	}
	w.feed.Publish(ctx, events...)

	if w.notifier != nil {
		if err := w.notifier.Notify(ctx, notice); err != nil {
			w.logger.Warn("deliver notice failed", "user_id", tx.UserID, "error", err)
		}
	}
}

func buildNotice(out Outcome, decision Decision, reason string) notify.Notice {
	tx := out.Transaction
	amount := tx.Amount.StringFixed(0) + " FCFA"
	n := notify.Notice{
		UserID: tx.UserID,
		Kind:   notify.KindTransactionApproved,
		Data: map[string]any{
			"transaction_id": tx.ID,
			"type":           tx.Type,
			"amount":         tx.Amount.String(),
		},
	}
	if decision == Reject {
		n.Kind = notify.KindTransactionRejected
		n.Data["reason"] = reason
	}
	if out.Order != nil {
		n.Data["order_id"] = out.Order.ID
		n.Data["order_reference"] = out.Order.Reference
	}
	if out.Balance != nil {
		n.Data["balance"] = out.Balance.String()
	}

	switch {
	case tx.Type == repo.TxRecharge && decision == Approve:
		n.Title = "Recharge approved"
		n.Detail = fmt.Sprintf("Your recharge of %s has been credited. New balance: %s FCFA.", amount, out.Balance.StringFixed(0))
	case tx.Type == repo.TxRecharge:
		n.Title = "Recharge rejected"
		n.Detail = fmt.Sprintf("Your recharge of %s was rejected: %s", amount, reason)
	case decision == Approve:
		n.Title = "Order processed"
		n.Detail = fmt.Sprintf("Your order %s has been processed.", orderLabel(out.Order))
	default:
		n.Title = "Order rejected"
		n.Detail = fmt.Sprintf("Your order %s was rejected: %s. %s has been refunded.", orderLabel(out.Order), reason, amount)
	}
	return n
}

func orderLabel(o *repo.Order) string {
	if o == nil {
		return ""
	}
	return o.Reference
}

func translate(op string, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotPending):
		return fmt.Errorf("%s: %w", op, apperr.ErrAlreadyProcessed)
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	default:
		return apperr.Persistence(op, err)
	}
}
