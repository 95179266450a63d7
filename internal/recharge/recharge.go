// Package recharge records user-declared balance top-ups as pending
// transactions awaiting admin review.
package recharge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"digistore/internal/apperr"
	"digistore/internal/feed"
	"digistore/internal/metrics"
	"digistore/internal/repo"
	"digistore/internal/session"
)

// DefaultClaimWindow is how long a user has to report the transfer reference.
const DefaultClaimWindow = 10 * time.Minute

var (
	phonePattern     = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
	referencePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{4,64}$`)
)

// Request declares a transfer the user made out of band.
type Request struct {
	Method            string
	Amount            decimal.Decimal
	Phone             string
	ExternalReference string
}

// Recorder persists recharge declarations. It never touches the balance.
type Recorder struct {
	store   repo.Store
	claims  ClaimStore
	window  time.Duration
	feed    feed.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder wires a Recorder. claims may be nil, in which case an
// in-process store is used.
func NewRecorder(store repo.Store, claims ClaimStore, window time.Duration, pub feed.Publisher, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if claims == nil {
		claims = NewMemoryClaims()
	}
	if window <= 0 {
		window = DefaultClaimWindow
	}
	if pub == nil {
		pub = feed.Nop{}
	}
	return &Recorder{
		store:   store,
		claims:  claims,
		window:  window,
		feed:    pub,
		metrics: m,
		logger:  logger.With("component", "recharge"),
		now:     time.Now,
	}
}

// SubmitRecharge records a pending recharge transaction.
func (r *Recorder) SubmitRecharge(ctx context.Context, sess session.Session, req Request) (*repo.Transaction, error) {
	if err := sess.RequireUser(); err != nil {
		return nil, err
	}
	method, err := validateIntent(req.Method, req.Amount, req.Phone)
	if err != nil {
		r.observe(req.Method, "invalid")
		return nil, err
	}
	reference := strings.TrimSpace(req.ExternalReference)
	if !referencePattern.MatchString(reference) {
		r.observe(method.ID, "invalid")
		return nil, apperr.Invalid("external_reference", "must be 4 to 64 letters, digits, dots, dashes or underscores")
	}

	phone := strings.TrimSpace(req.Phone)
	methodID := method.ID
	tx, err := r.store.InsertTransaction(ctx, repo.Transaction{
		UserID:            sess.UserID,
		Type:              repo.TxRecharge,
		Amount:            req.Amount,
		Status:            repo.TxPending,
		ExternalReference: &reference,
		PaymentMethod:     &methodID,
		PhoneNumber:       &phone,
		Description:       fmt.Sprintf("Recharge via %s", method.Name),
		Details: map[string]any{
			"method":      method.ID,
			"method_name": method.Name,
			"fee":         method.Fee(req.Amount).String(),
			"timestamp":   r.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateReference) {
			r.observe(method.ID, "duplicate")
			return nil, fmt.Errorf("reference %s: %w", reference, apperr.ErrDuplicateReference)
		}
		r.observe(method.ID, "error")
		return nil, apperr.Persistence("record recharge", err)
	}

	r.observe(method.ID, "ok")
	r.logger.Info("recharge submitted",
		"transaction_id", tx.ID,
		"user_id", sess.UserID,
		"method", method.ID,
		"amount", req.Amount.String(),
	)
	r.feed.Publish(ctx, feed.Event{Table: "transactions", Type: feed.Insert, UserID: sess.UserID, RowID: tx.ID})
	return tx, nil
}

// StartClaim opens the reporting window for a recharge intent.
func (r *Recorder) StartClaim(ctx context.Context, sess session.Session, req Request) (*Claim, error) {
	if err := sess.RequireUser(); err != nil {
		return nil, err
	}
	method, err := validateIntent(req.Method, req.Amount, req.Phone)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	claim := Claim{
		ID:        uuid.NewString(),
		UserID:    sess.UserID,
		Method:    method.ID,
		Amount:    req.Amount,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: now,
		ExpiresAt: now.Add(r.window),
	}
	if err := r.claims.Put(ctx, claim, r.window); err != nil {
		return nil, apperr.Persistence("store claim", err)
	}
	return &claim, nil
}

// SubmitClaim consumes an open claim and records its recharge. Claims are
// single use; an unknown or expired claim records nothing. A rejected
// reference leaves the claim open for the rest of its window.
func (r *Recorder) SubmitClaim(ctx context.Context, sess session.Session, claimID, externalReference string) (*repo.Transaction, error) {
	if err := sess.RequireUser(); err != nil {
		return nil, err
	}
	if !referencePattern.MatchString(strings.TrimSpace(externalReference)) {
		return nil, apperr.Invalid("external_reference", "must be 4 to 64 letters, digits, dots, dashes or underscores")
	}

	claim, err := r.claims.Get(ctx, claimID)
	if err != nil {
		return nil, apperr.Persistence("read claim", err)
	}
	if claim == nil || claim.UserID != sess.UserID || !r.now().Before(claim.ExpiresAt) {
		return nil, fmt.Errorf("claim %s: %w", claimID, apperr.ErrClaimExpired)
	}
	// Take races concurrent submits for the same claim; only one wins.
	claim, err = r.claims.Take(ctx, claimID)
	if err != nil {
		return nil, apperr.Persistence("take claim", err)
	}
	if claim == nil {
		return nil, fmt.Errorf("claim %s: %w", claimID, apperr.ErrClaimExpired)
	}

	tx, err := r.SubmitRecharge(ctx, sess, Request{
		Method:            claim.Method,
		Amount:            claim.Amount,
		Phone:             claim.Phone,
		ExternalReference: externalReference,
	})
	if err != nil && (errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrDuplicateReference)) {
		r.reopen(ctx, *claim)
	}
	return tx, err
}

// reopen puts a claim back for whatever is left of its window.
func (r *Recorder) reopen(ctx context.Context, claim Claim) {
	ttl := claim.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return
	}
	if err := r.claims.Put(context.WithoutCancel(ctx), claim, ttl); err != nil {
		r.logger.Warn("reopen claim", "claim_id", claim.ID, "error", err)
	}
}

// ListTransactions returns the caller's recent transactions of both types.
func (r *Recorder) ListTransactions(ctx context.Context, sess session.Session, limit int) ([]repo.Transaction, error) {
	if !sess.Authenticated() {
		return nil, apperr.ErrAuthenticationRequired
	}
	list, err := r.store.ListTransactionsByUser(ctx, sess.UserID, limit)
	if err != nil {
		return nil, apperr.Persistence("list transactions", err)
	}
	return list, nil
}

func validateIntent(methodID string, amount decimal.Decimal, phone string) (Method, error) {
	method, ok := lookupMethod(strings.TrimSpace(methodID))
	if !ok {
		return Method{}, apperr.Invalid("method", "unknown payment method %q", methodID)
	}
	if !method.Available {
		return Method{}, apperr.Invalid("method", "%s is not available yet", method.Name)
	}
	if amount.LessThan(method.Min) || amount.GreaterThan(method.Max) {
		return Method{}, apperr.Invalid("amount", "must be between %s and %s", method.Min, method.Max)
	}
	if !phonePattern.MatchString(strings.TrimSpace(phone)) {
		return Method{}, apperr.Invalid("phone", "invalid phone number")
	}
	return method, nil
}

func (r *Recorder) observe(method, outcome string) {
	if r.metrics == nil {
		return
	}
	if _, ok := lookupMethod(method); !ok {
		method = "unknown"
	}
	r.metrics.RechargeSubmissions.WithLabelValues(method, outcome).Inc()
}
