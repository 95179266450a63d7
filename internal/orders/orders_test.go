package orders_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"digistore/internal/apperr"
	"digistore/internal/catalog"
	"digistore/internal/feed"
	"digistore/internal/ledger"
	"digistore/internal/metrics"
	"digistore/internal/notify"
	"digistore/internal/orders"
	"digistore/internal/repo"
	"digistore/internal/repo/repotest"
	"digistore/internal/session"
)

// faultyRepo fails selected writes to exercise the compensation path.
type faultyRepo struct {
	repo.Repository
	failInsert  error
	failCredit  error
	creditCalls atomic.Int32
}

func (f *faultyRepo) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	f.creditCalls.Add(1)
	if f.failCredit != nil {
		return decimal.Zero, f.failCredit
	}
	return f.Repository.CreditBalance(ctx, userID, amount)
}

func (f *faultyRepo) InTx(ctx context.Context, fn func(repo.Store) error) error {
	return f.Repository.InTx(ctx, func(s repo.Store) error {
		return fn(&faultyStore{Store: s, failInsert: f.failInsert})
	})
}

type faultyStore struct {
	repo.Store
	failInsert error
}

func (f *faultyStore) InsertTransaction(ctx context.Context, tx repo.Transaction) (*repo.Transaction, error) {
	if f.failInsert != nil {
		return nil, f.failInsert
	}
	return f.Store.InsertTransaction(ctx, tx)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a notify.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

type fixture struct {
	repo    repo.Repository
	manager *orders.Manager
	hub     *feed.Hub
	alerter *recordingAlerter
}

func newFixture(t *testing.T, r repo.Repository) *fixture {
	t.Helper()
	logger := repotest.Logger(t)
	m := metrics.Registry("")
	hub := feed.NewHub()
	alerter := &recordingAlerter{}
	l := ledger.New(r, m, logger)
	c := catalog.New(r, nil, 0, logger)
	return &fixture{
		repo:    r,
		manager: orders.NewManager(r, l, c, hub, alerter, m, logger),
		hub:     hub,
		alerter: alerter,
	}
}

func userSession(p *repo.Profile) session.Session {
	return session.Session{UserID: p.ID, Role: session.RoleUser}
}

func TestPlaceOrderDebitsAndRecords(t *testing.T) {
	r := repotest.NewSQLite(t)
	f := newFixture(t, r)
	user := repotest.SeedProfile(t, r, 10000)
	svc := repotest.SeedService(t, r, "Canva Pro", 6000, "email")

	events, stop, err := f.hub.Subscribe(t.Context(), feed.UserChannel(user.ID))
	require.NoError(t, err)
	defer stop()

	placement, err := f.manager.PlaceOrder(t.Context(), userSession(user), orders.Request{
		ServiceID:  svc.ID,
		Quantity:   1,
		InputValue: "buyer@example.com",
	})
	require.NoError(t, err)

	require.True(t, placement.Balance.Equal(decimal.NewFromInt(4000)))
	repotest.RequireBalance(t, r, user.ID, 4000)

	order := placement.Order
	require.NotEmpty(t, order.ID)
	require.Regexp(t, `^CMD-[0-9A-F]{8}$`, order.Reference)
	require.Equal(t, repo.OrderInProgress, order.Status)
	require.Equal(t, "email", order.InputField)
	require.Equal(t, "buyer@example.com", order.InputValue)
	require.True(t, order.TotalAmount.Equal(decimal.NewFromInt(6000)))

	tx := placement.Transaction
	require.Equal(t, repo.TxPurchase, tx.Type)
	require.Equal(t, repo.TxPending, tx.Status)
	require.NotNil(t, tx.OrderID)
	require.Equal(t, order.ID, *tx.OrderID)
	require.NotNil(t, tx.BalanceAfter)
	require.True(t, tx.BalanceAfter.Equal(decimal.NewFromInt(4000)))

	list, err := r.ListOrdersByUser(t.Context(), user.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	txs, err := r.ListTransactionsByUser(t.Context(), user.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)

	tables := map[string]bool{}
	for i := 0; i < 3; i++ {
		tables[(<-events).Table] = true
	}
	require.Equal(t, map[string]bool{"profiles": true, "orders": true, "transactions": true}, tables)
}

func TestPlaceOrderInsufficientFundsCreatesNothing(t *testing.T) {
	r := repotest.NewSQLite(t)
	f := newFixture(t, r)
	user := repotest.SeedProfile(t, r, 5000)
	svc := repotest.SeedService(t, r, "Followers pack", 2000, "url")

	_, err := f.manager.PlaceOrder(t.Context(), userSession(user), orders.Request{
		ServiceID:  svc.ID,
		Quantity:   3,
		InputValue: "https://instagram.com/shop",
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	var insufficient *apperr.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Required.Equal(decimal.NewFromInt(6000)))

	repotest.RequireBalance(t, r, user.ID, 5000)
	list, err := r.ListOrdersByUser(t.Context(), user.ID, 10)
	require.NoError(t, err)
	require.Empty(t, list)
	txs, err := r.ListTransactionsByUser(t.Context(), user.ID, 10)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestPlaceOrderValidation(t *testing.T) {
	r := repotest.NewSQLite(t)
	f := newFixture(t, r)
	user := repotest.SeedProfile(t, r, 100000)
	email := repotest.SeedService(t, r, "Netflix", 3000, "email")
	phone := repotest.SeedService(t, r, "Airtime", 1000, "telephone")
	text := repotest.SeedService(t, r, "Free Fire diamonds", 500, "text")

	cases := []struct {
		name  string
		req   orders.Request
		field string
	}{
		{"unknown service", orders.Request{ServiceID: "nope", Quantity: 1}, "service_id"},
		{"zero quantity", orders.Request{ServiceID: email.ID, Quantity: 0, InputValue: "a@b.co"}, "quantity"},
		{"quantity above max", orders.Request{ServiceID: email.ID, Quantity: 5000, InputValue: "a@b.co"}, "quantity"},
		{"bad email", orders.Request{ServiceID: email.ID, Quantity: 1, InputValue: "not-an-email"}, "input_value"},
		{"bad phone", orders.Request{ServiceID: phone.ID, Quantity: 1, InputValue: "12ab"}, "input_value"},
		{"empty username", orders.Request{ServiceID: text.ID, Quantity: 1, InputValue: "   "}, "input_value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.PlaceOrder(t.Context(), userSession(user), tc.req)
			var verr *apperr.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
	repotest.RequireBalance(t, r, user.ID, 100000)

	placement, err := f.manager.PlaceOrder(t.Context(), userSession(user), orders.Request{ServiceID: text.ID, Quantity: 2, InputValue: "player_42"})
	require.NoError(t, err)
	require.Equal(t, "username", placement.Order.InputField)
	require.True(t, placement.Order.TotalAmount.Equal(decimal.NewFromInt(1000)))
}

func TestPlaceOrderRequiresActiveSession(t *testing.T) {
	r := repotest.NewSQLite(t)
	f := newFixture(t, r)
	svc := repotest.SeedService(t, r, "Netflix", 3000, "email")

	_, err := f.manager.PlaceOrder(t.Context(), session.Session{}, orders.Request{ServiceID: svc.ID, Quantity: 1})
	require.ErrorIs(t, err, apperr.ErrAuthenticationRequired)

	_, err = f.manager.PlaceOrder(t.Context(), session.Session{UserID: "u", Blocked: true}, orders.Request{ServiceID: svc.ID, Quantity: 1})
	require.ErrorIs(t, err, apperr.ErrAccountBlocked)
}

func TestPlaceOrderRefundsWhenRecordsFail(t *testing.T) {
	base := repotest.NewSQLite(t)
	user := repotest.SeedProfile(t, base, 10000)
	svc := repotest.SeedService(t, base, "Canva Pro", 6000, "")
	faulty := &faultyRepo{Repository: base, failInsert: errors.New("disk full")}
	f := newFixture(t, faulty)

	_, err := f.manager.PlaceOrder(t.Context(), userSession(user), orders.Request{ServiceID: svc.ID, Quantity: 1})
	require.ErrorIs(t, err, apperr.ErrCreationFailed)
	require.ErrorIs(t, err, apperr.ErrPersistence)
	require.NotErrorIs(t, err, apperr.ErrCompensation)

	repotest.RequireBalance(t, base, user.ID, 10000)
	list, err := base.ListOrdersByUser(t.Context(), user.ID, 10)
	require.NoError(t, err)
	require.Empty(t, list, "order insert must roll back with the transaction insert")
	require.Empty(t, f.alerter.alerts)
}

func TestPlaceOrderEscalatesFailedRefund(t *testing.T) {
	base := repotest.NewSQLite(t)
	user := repotest.SeedProfile(t, base, 10000)
	svc := repotest.SeedService(t, base, "Canva Pro", 6000, "")
	faulty := &faultyRepo{
		Repository: base,
		failInsert: errors.New("disk full"),
		failCredit: errors.New("connection reset"),
	}
	f := newFixture(t, faulty)
	m := metrics.Registry("")
	before := testutil.ToFloat64(m.CompensationFailures)

	_, err := f.manager.PlaceOrder(t.Context(), userSession(user), orders.Request{ServiceID: svc.ID, Quantity: 1})
	require.ErrorIs(t, err, apperr.ErrCompensation)

	var compErr *apperr.CompensationError
	require.ErrorAs(t, err, &compErr)
	require.Equal(t, user.ID, compErr.UserID)
	require.True(t, compErr.Amount.Equal(decimal.NewFromInt(6000)))

	repotest.RequireBalance(t, base, user.ID, 4000)
	require.EqualValues(t, 4, faulty.creditCalls.Load(), "one refund plus three retries")
	require.Len(t, f.alerter.alerts, 1)
	require.Equal(t, before+1, testutil.ToFloat64(m.CompensationFailures))
}

func TestConcurrentOrdersNeverOverdraw(t *testing.T) {
	r := repotest.NewSQLite(t)
	f := newFixture(t, r)
	user := repotest.SeedProfile(t, r, 5000)
	svc := repotest.SeedService(t, r, "Gift card", 2000, "")

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.PlaceOrder(t.Context(), userSession(user), orders.Request{ServiceID: svc.ID, Quantity: 1})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, apperr.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 2, ok)
	repotest.RequireBalance(t, r, user.ID, 1000)
	list, err := r.ListOrdersByUser(t.Context(), user.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestGetOrderOwnerOnly(t *testing.T) {
	r := repotest.NewSQLite(t)
	f := newFixture(t, r)
	owner := repotest.SeedProfile(t, r, 5000)
	other := repotest.SeedProfile(t, r, 0)
	svc := repotest.SeedService(t, r, "Gift card", 2000, "")

	placement, err := f.manager.PlaceOrder(t.Context(), userSession(owner), orders.Request{ServiceID: svc.ID, Quantity: 1})
	require.NoError(t, err)

	order, tx, err := f.manager.GetOrder(t.Context(), userSession(owner), placement.Order.ID)
	require.NoError(t, err)
	require.Equal(t, placement.Order.ID, order.ID)
	require.Equal(t, placement.Transaction.ID, tx.ID)

	_, _, err = f.manager.GetOrder(t.Context(), userSession(other), placement.Order.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	admin := session.Session{UserID: "admin", Role: session.RoleAdmin}
	_, _, err = f.manager.GetOrder(t.Context(), admin, placement.Order.ID)
	require.NoError(t, err)

	list, err := f.manager.ListOrders(t.Context(), userSession(other), 10)
	require.NoError(t, err)
	require.Empty(t, list)
}
