// Package ledger owns every mutation of profiles.balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"digistore/internal/apperr"
	"digistore/internal/metrics"
	"digistore/internal/repo"
)

// Ledger debits and credits user balances with single conditional statements,
// so concurrent debits can never drive a balance below zero.
type Ledger struct {
	store   repo.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New constructs a Ledger over store.
func New(store repo.Store, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "ledger"),
	}
}

// WithStore returns a copy of the ledger bound to store, typically one
// database transaction handed out by repo.Repository.InTx.
func (l *Ledger) WithStore(store repo.Store) *Ledger {
	cp := *l
	cp.store = store
	return &cp
}

// Balance reads the current balance of userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, apperr.ErrAuthenticationRequired
	}
	profile, err := l.store.GetProfile(ctx, userID)
	if err != nil {
		return decimal.Zero, translate("read balance", err)
	}
	return profile.Balance, nil
}

// Debit removes amount from the balance of userID and returns the new
// balance. The debit is refused as a whole when the balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := checkArgs(userID, amount); err != nil {
		return decimal.Zero, err
	}

	balance, err := l.store.DebitBalance(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, repo.ErrInsufficientBalance) {
			l.observe("debit", "insufficient")
			current, readErr := l.store.GetProfile(ctx, userID)
			if readErr != nil {
				return decimal.Zero, &apperr.InsufficientFundsError{Required: amount}
			}
			return decimal.Zero, &apperr.InsufficientFundsError{Balance: current.Balance, Required: amount}
		}
		l.observe("debit", "error")
		return decimal.Zero, translate("debit balance", err)
	}

	l.observe("debit", "ok")
	l.logger.Debug("balance debited", "user_id", userID, "amount", amount.String(), "balance", balance.String())
	return balance, nil
}

// Credit adds amount to the balance of userID and returns the new balance.
// Refunds are credits too; negative amounts are rejected.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := checkArgs(userID, amount); err != nil {
		return decimal.Zero, err
	}

	balance, err := l.store.CreditBalance(ctx, userID, amount)
	if err != nil {
		l.observe("credit", "error")
		return decimal.Zero, translate("credit balance", err)
	}

	l.observe("credit", "ok")
	l.logger.Debug("balance credited", "user_id", userID, "amount", amount.String(), "balance", balance.String())
	return balance, nil
}

func (l *Ledger) observe(op, outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.BalanceMutations.WithLabelValues(op, outcome).Inc()
}

func checkArgs(userID string, amount decimal.Decimal) error {
	if userID == "" {
		return apperr.ErrAuthenticationRequired
	}
	if !amount.IsPositive() {
		return apperr.Invalid("amount", "must be greater than zero")
	}
	return nil
}

func translate(op string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s: profile %w", op, apperr.ErrNotFound)
	}
	return apperr.Persistence(op, err)
}
