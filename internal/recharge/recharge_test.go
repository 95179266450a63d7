package recharge

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"digistore/internal/apperr"
	"digistore/internal/metrics"
	"digistore/internal/repo"
	"digistore/internal/repo/repotest"
	"digistore/internal/session"
)

func newRecorder(t *testing.T) (*Recorder, *repo.SQLiteRepository) {
	t.Helper()
	r := repotest.NewSQLite(t)
	return NewRecorder(r, nil, time.Minute, nil, metrics.Registry(""), repotest.Logger(t)), r
}

func TestSubmitRechargeLeavesBalanceUntouched(t *testing.T) {
	rec, r := newRecorder(t)
	user := repotest.SeedProfile(t, r, 1000)
	sess := session.Session{UserID: user.ID, Role: session.RoleUser}

	tx, err := rec.SubmitRecharge(t.Context(), sess, Request{
		Method:            "momopay",
		Amount:            decimal.NewFromInt(5000),
		Phone:             "+237690000000",
		ExternalReference: "  MP240101.1234 ",
	})
	require.NoError(t, err)
	require.Equal(t, repo.TxRecharge, tx.Type)
	require.Equal(t, repo.TxPending, tx.Status)
	require.Equal(t, "MP240101.1234", *tx.ExternalReference)
	require.Equal(t, "momopay", *tx.PaymentMethod)
	require.Equal(t, "MoMoPay", tx.Details["method_name"])
	require.Equal(t, "250", tx.Details["fee"])
	require.Nil(t, tx.OrderID)

	repotest.RequireBalance(t, r, user.ID, 1000)

	_, err = rec.SubmitRecharge(t.Context(), sess, Request{
		Method:            "momopay",
		Amount:            decimal.NewFromInt(3000),
		Phone:             "+237690000000",
		ExternalReference: "MP240101.1234",
	})
	require.ErrorIs(t, err, apperr.ErrDuplicateReference)
}

func TestSubmitRechargeValidation(t *testing.T) {
	rec, r := newRecorder(t)
	user := repotest.SeedProfile(t, r, 0)
	sess := session.Session{UserID: user.ID}

	valid := Request{Method: "noupia", Amount: decimal.NewFromInt(1000), Phone: "690000000", ExternalReference: "NP-0001"}
	cases := map[string]func(Request) Request{
		"method": func(q Request) Request { q.Method = "paypal"; return q },
		"amount": func(q Request) Request { q.Amount = decimal.NewFromInt(999); return q },
		"phone":  func(q Request) Request { q.Phone = "abc"; return q },
		"external_reference": func(q Request) Request {
			q.ExternalReference = "x!"
			return q
		},
	}
	for field, mutate := range cases {
		_, err := rec.SubmitRecharge(t.Context(), sess, mutate(valid))
		var verr *apperr.ValidationError
		require.ErrorAs(t, err, &verr, field)
		require.Equal(t, field, verr.Field)
	}

	_, err := rec.SubmitRecharge(t.Context(), sess, Request{Method: "binance", Amount: decimal.NewFromInt(1000), Phone: "690000000", ExternalReference: "BN-0001"})
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "method", verr.Field)

	_, err = rec.SubmitRecharge(t.Context(), session.Session{}, valid)
	require.ErrorIs(t, err, apperr.ErrAuthenticationRequired)

	list, err := rec.ListTransactions(t.Context(), sess, 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestClaimWindow(t *testing.T) {
	rec, r := newRecorder(t)
	user := repotest.SeedProfile(t, r, 0)
	sess := session.Session{UserID: user.ID}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	claims := NewMemoryClaims()
	claims.now = func() time.Time { return now }
	rec.claims = claims
	rec.now = func() time.Time { return now }

	claim, err := rec.StartClaim(t.Context(), sess, Request{Method: "momopay", Amount: decimal.NewFromInt(2000), Phone: "690000000"})
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute), claim.ExpiresAt)

	tx, err := rec.SubmitClaim(t.Context(), sess, claim.ID, "MP-777")
	require.NoError(t, err)
	require.True(t, tx.Amount.Equal(decimal.NewFromInt(2000)))

	_, err = rec.SubmitClaim(t.Context(), sess, claim.ID, "MP-778")
	require.ErrorIs(t, err, apperr.ErrClaimExpired, "claims are single use")

	late, err := rec.StartClaim(t.Context(), sess, Request{Method: "momopay", Amount: decimal.NewFromInt(2000), Phone: "690000000"})
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = rec.SubmitClaim(t.Context(), sess, late.ID, "MP-779")
	require.ErrorIs(t, err, apperr.ErrClaimExpired)

	list, err := rec.ListTransactions(t.Context(), sess, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestClaimBelongsToOwner(t *testing.T) {
	rec, r := newRecorder(t)
	owner := repotest.SeedProfile(t, r, 0)
	thief := repotest.SeedProfile(t, r, 0)

	claim, err := rec.StartClaim(t.Context(), session.Session{UserID: owner.ID}, Request{Method: "noupia", Amount: decimal.NewFromInt(1000), Phone: "690000000"})
	require.NoError(t, err)

	_, err = rec.SubmitClaim(t.Context(), session.Session{UserID: thief.ID}, claim.ID, "NP-1234")
	require.ErrorIs(t, err, apperr.ErrClaimExpired)

	tx, err := rec.SubmitClaim(t.Context(), session.Session{UserID: owner.ID}, claim.ID, "NP-1234")
	require.NoError(t, err, "a stranger's submit leaves the owner's claim open")
	require.Equal(t, owner.ID, tx.UserID)
}

func TestClaimSurvivesRejectedReference(t *testing.T) {
	rec, r := newRecorder(t)
	user := repotest.SeedProfile(t, r, 0)
	sess := session.Session{UserID: user.ID}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	claims := NewMemoryClaims()
	claims.now = func() time.Time { return now }
	rec.claims = claims
	rec.now = func() time.Time { return now }

	intent := Request{Method: "momopay", Amount: decimal.NewFromInt(2000), Phone: "690000000"}
	first, err := rec.StartClaim(t.Context(), sess, intent)
	require.NoError(t, err)
	_, err = rec.SubmitClaim(t.Context(), sess, first.ID, "MP2401011234")
	require.NoError(t, err)

	claim, err := rec.StartClaim(t.Context(), sess, intent)
	require.NoError(t, err)

	_, err = rec.SubmitClaim(t.Context(), sess, claim.ID, "ab")
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "external_reference", verr.Field)

	now = now.Add(20 * time.Second)
	_, err = rec.SubmitClaim(t.Context(), sess, claim.ID, "MP2401011234")
	require.ErrorIs(t, err, apperr.ErrDuplicateReference)

	now = now.Add(20 * time.Second)
	tx, err := rec.SubmitClaim(t.Context(), sess, claim.ID, "MP2401015678")
	require.NoError(t, err)
	require.Equal(t, "MP2401015678", *tx.ExternalReference)

	_, err = rec.SubmitClaim(t.Context(), sess, claim.ID, "MP2401019999")
	require.ErrorIs(t, err, apperr.ErrClaimExpired)

	list, err := rec.ListTransactions(t.Context(), sess, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestReopenedClaimKeepsDeadline(t *testing.T) {
	rec, r := newRecorder(t)
	user := repotest.SeedProfile(t, r, 0)
	sess := session.Session{UserID: user.ID}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	claims := NewMemoryClaims()
	claims.now = func() time.Time { return now }
	rec.claims = claims
	rec.now = func() time.Time { return now }

	intent := Request{Method: "momopay", Amount: decimal.NewFromInt(2000), Phone: "690000000"}
	first, err := rec.StartClaim(t.Context(), sess, intent)
	require.NoError(t, err)
	_, err = rec.SubmitClaim(t.Context(), sess, first.ID, "MP-900")
	require.NoError(t, err)

	claim, err := rec.StartClaim(t.Context(), sess, intent)
	require.NoError(t, err)
	now = now.Add(50 * time.Second)
	_, err = rec.SubmitClaim(t.Context(), sess, claim.ID, "MP-900")
	require.ErrorIs(t, err, apperr.ErrDuplicateReference)

	now = now.Add(15 * time.Second)
	_, err = rec.SubmitClaim(t.Context(), sess, claim.ID, "MP-901")
	require.ErrorIs(t, err, apperr.ErrClaimExpired)
}

type fakeJSON struct {
	data map[string]Claim
}

func (f *fakeJSON) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	f.data[key] = value.(Claim)
	return nil
}

func (f *fakeJSON) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	c, ok := f.data[key]
	if !ok {
		return false, nil
	}
	*dest.(*Claim) = c
	return true, nil
}

func (f *fakeJSON) GetDelJSON(_ context.Context, key string, dest any) (bool, error) {
	c, ok := f.data[key]
	if !ok {
		return false, nil
	}
	delete(f.data, key)
	*dest.(*Claim) = c
	return true, nil
}

func TestRedisClaimsKeys(t *testing.T) {
	store := &fakeJSON{data: map[string]Claim{}}
	claims := NewRedisClaims(store)

	require.NoError(t, claims.Put(t.Context(), Claim{ID: "c1", UserID: "u"}, time.Minute))
	require.Contains(t, store.data, "recharge:claim:c1")

	got, err := claims.Get(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, "u", got.UserID)
	require.Contains(t, store.data, "recharge:claim:c1", "get does not consume")

	got, err = claims.Take(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, "u", got.UserID)

	got, err = claims.Take(t.Context(), "c1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMethodsCopy(t *testing.T) {
	list := Methods()
	require.Len(t, list, 3)
	list[0].Available = false
	m, ok := lookupMethod(list[0].ID)
	require.True(t, ok)
	require.True(t, m.Available)
}
