package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"digistore/internal/auth"
	"digistore/internal/catalog"
	"digistore/internal/feed"
	"digistore/internal/ledger"
	"digistore/internal/metrics"
	"digistore/internal/notify"
	"digistore/internal/orders"
	"digistore/internal/recharge"
	"digistore/internal/repo"
	"digistore/internal/repo/repotest"
	"digistore/internal/review"
)

const testSecret = "test-secret"

type fixture struct {
	repo    *repo.SQLiteRepository
	server  *Server
	hub     *feed.Hub
	locker  *memoryLocker
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, basePath string) *fixture {
	t.Helper()
	r := repotest.NewSQLite(t)
	logger := repotest.Logger(t)
	m := metrics.Registry("")
	hub := feed.NewHub()
	l := ledger.New(r, m, logger)
	c := catalog.New(r, nil, time.Minute, logger)
	locker := newMemoryLocker()

	srv := New(":0", logger, m, Dependencies{
		Repository: r,
		Auth:       auth.NewVerifier(testSecret, "", r, logger),
		Catalog:    c,
		Orders:     orders.NewManager(r, l, c, hub, notify.NewLogAlerter(logger), m, logger),
		Recharge:   recharge.NewRecorder(r, nil, time.Minute, hub, m, logger),
		Review:     review.NewWorkflow(r, l, hub, nil, m, logger),
		Feed:       hub,
		Locker:     locker,
	}, basePath)
	return &fixture{repo: r, server: srv, hub: hub, locker: locker, metrics: m}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, "", userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, userID string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthAndBasePath(t *testing.T) {
	f := newFixture(t, "shop/")

	rec, body := f.do(t, http.MethodGet, "/shop/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])

	rec, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/shop/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNormaliseBasePath(t *testing.T) {
	require.Equal(t, "", normaliseBasePath(" / "))
	require.Equal(t, "/api", normaliseBasePath("api/"))
	require.Equal(t, "/api/v2", normaliseBasePath("/api/v2"))
}

func TestRequiresBearerToken(t *testing.T) {
	f := newFixture(t, "")

	rec, body := f.do(t, http.MethodGet, "/v1/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "authentication_required", body["error"])

	rec, _ = f.do(t, http.MethodGet, "/v1/me", "no-such-profile", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceOrderFlow(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 10000)
	svc := repotest.SeedService(t, f.repo, "Followers", 6000, "")

	before := testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("POST /v1/orders", "201"))
	rec, body := f.do(t, http.MethodPost, "/v1/orders", user.ID, map[string]any{
		"service_id": svc.ID,
		"quantity":   1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, "4000", body["balance"])
	order := body["order"].(map[string]any)
	require.Equal(t, repo.OrderInProgress, order["status"])
	require.Regexp(t, `^CMD-[0-9A-F]{8}$`, order["reference"])
	require.Equal(t, repo.TxPending, body["transaction"].(map[string]any)["status"])
	require.Equal(t, before+1, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("POST /v1/orders", "201")))

	rec, body = f.do(t, http.MethodGet, "/v1/me", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "4000", body["balance"])
	require.Equal(t, "6000", body["total_spent"])

	rec, body = f.do(t, http.MethodGet, "/v1/orders/"+order["id"].(string), user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body["transaction"])

	other := repotest.SeedProfile(t, f.repo, 0)
	rec, _ = f.do(t, http.MethodGet, "/v1/orders/"+order["id"].(string), other.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaceOrderErrors(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 5000)
	svc := repotest.SeedService(t, f.repo, "Netflix", 2000, "email")

	rec, body := f.do(t, http.MethodPost, "/v1/orders", user.ID, map[string]any{
		"service_id":  svc.ID,
		"quantity":    3,
		"input_value": "me@example.com",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, orders.AddFundsPath, body["redirect"])
	require.Equal(t, "5000", body["balance"])
	require.Equal(t, "6000", body["required"])
	repotest.RequireBalance(t, f.repo, user.ID, 5000)

	rec, body = f.do(t, http.MethodPost, "/v1/orders", user.ID, map[string]any{
		"service_id":  svc.ID,
		"quantity":    1,
		"input_value": "not-an-email",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "input_value", body["field"])

	rec, body = f.do(t, http.MethodPost, "/v1/orders", user.ID, map[string]any{"bogus": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "body", body["field"])
}

func TestPlaceOrderInFlightGuard(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 10000)
	svc := repotest.SeedService(t, f.repo, "Followers", 1000, "")

	ok, err := f.locker.TryLock(context.Background(), "orders:inflight:"+user.ID, "other-request", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec, body := f.do(t, http.MethodPost, "/v1/orders", user.ID, map[string]any{"service_id": svc.ID, "quantity": 1})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "order_in_flight", body["error"])
	repotest.RequireBalance(t, f.repo, user.ID, 10000)

	require.NoError(t, f.locker.Unlock(context.Background(), "orders:inflight:"+user.ID, "other-request"))
	rec, _ = f.do(t, http.MethodPost, "/v1/orders", user.ID, map[string]any{"service_id": svc.ID, "quantity": 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	// released after the placement
	ok, err = f.locker.TryLock(context.Background(), "orders:inflight:"+user.ID, "next-request", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRechargeReviewFlow(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 1000)
	admin := repotest.SeedAdmin(t, f.repo)

	payload := map[string]any{
		"method":             "momopay",
		"amount":             5000,
		"phone":              "+237690000000",
		"external_reference": "MP240101.1234.A",
	}
	rec, body := f.do(t, http.MethodPost, "/v1/recharges", user.ID, payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	txID := body["transaction"].(map[string]any)["id"].(string)
	repotest.RequireBalance(t, f.repo, user.ID, 1000)

	rec, body = f.do(t, http.MethodPost, "/v1/recharges", user.ID, payload)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "duplicate_reference", body["error"])

	rec, _ = f.do(t, http.MethodPost, "/v1/admin/transactions/"+txID+"/approve", user.ID, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/v1/admin/transactions", admin.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["transactions"], 1)

	rec, body = f.do(t, http.MethodPost, "/v1/admin/transactions/"+txID+"/approve", admin.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "6000", body["balance"])
	require.Equal(t, repo.TxSucceeded, body["transaction"].(map[string]any)["status"])

	rec, body = f.do(t, http.MethodPost, "/v1/admin/transactions/"+txID+"/approve", admin.ID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_processed", body["error"])
	repotest.RequireBalance(t, f.repo, user.ID, 6000)

	rec, body = f.do(t, http.MethodGet, "/v1/notifications", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["notifications"], 1)
}

func TestRejectOrderRefunds(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 10000)
	admin := repotest.SeedAdmin(t, f.repo)
	svc := repotest.SeedService(t, f.repo, "Followers", 6000, "")

	_, body := f.do(t, http.MethodPost, "/v1/orders", user.ID, map[string]any{"service_id": svc.ID, "quantity": 1})
	orderID := body["order"].(map[string]any)["id"].(string)

	rec, body := f.do(t, http.MethodPost, "/v1/admin/orders/"+orderID+"/reject", admin.ID, map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "reason", body["field"])

	rec, body = f.do(t, http.MethodPost, "/v1/admin/orders/"+orderID+"/reject", admin.ID, map[string]any{"reason": "out of stock"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, repo.OrderRejected, body["order"].(map[string]any)["status"])
	require.Equal(t, "10000", body["balance"])
	repotest.RequireBalance(t, f.repo, user.ID, 10000)
}

func TestClaimExpired(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 0)

	rec, body := f.do(t, http.MethodPost, "/v1/recharges/claims", user.ID, map[string]any{
		"method": "noupia",
		"amount": "2500",
		"phone":  "690000000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	claimID := body["claim"].(map[string]any)["id"].(string)

	rec, _ = f.do(t, http.MethodPost, "/v1/recharges/claims/"+claimID+"/submit", user.ID, map[string]any{"external_reference": "NP-0001"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body = f.do(t, http.MethodPost, "/v1/recharges/claims/"+claimID+"/submit", user.ID, map[string]any{"external_reference": "NP-0002"})
	require.Equal(t, http.StatusGone, rec.Code)
	require.Equal(t, "claim_expired", body["error"])
}

func TestBlockedUserCannotOrder(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 10000)
	admin := repotest.SeedAdmin(t, f.repo)
	svc := repotest.SeedService(t, f.repo, "Followers", 1000, "")

	rec, _ := f.do(t, http.MethodPost, "/v1/admin/users/"+user.ID+"/block", admin.ID, map[string]any{"blocked": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodPost, "/v1/orders", user.ID, map[string]any{"service_id": svc.ID, "quantity": 1})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "account_blocked", body["error"])
}

func TestUpsertServiceAdminOnly(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 0)
	admin := repotest.SeedAdmin(t, f.repo)
	svc := map[string]any{"name": "Spotify Premium", "category": "streaming", "price": "3500", "input_type": "email"}

	id := uuid.NewString()

	rec, _ := f.do(t, http.MethodPut, "/v1/admin/services/"+id, user.ID, svc)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := f.do(t, http.MethodPut, "/v1/admin/services/spotify", admin.ID, svc)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "id", body["field"])

	rec, body = f.do(t, http.MethodPut, "/v1/admin/services/"+id, admin.ID, svc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, id, body["service"].(map[string]any)["id"])

	rec, body = f.do(t, http.MethodGet, "/v1/services?q=spotify", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["services"], 1)
}

func TestUserEventStream(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 0)
	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?access_token="+token(t, user.ID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	f.hub.Publish(ctx, feed.Event{Table: "transactions", Type: feed.Insert, UserID: user.ID, RowID: "tx-1"})

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var ev feed.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	require.Equal(t, "tx-1", ev.RowID)
}

func TestAdminEventsRequireAdmin(t *testing.T) {
	f := newFixture(t, "")
	user := repotest.SeedProfile(t, f.repo, 0)

	rec, _ := f.do(t, http.MethodGet, "/v1/admin/events", user.ID, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMemoryLockerExpires(t *testing.T) {
	l := newMemoryLocker()
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	ok, _ := l.TryLock(context.Background(), "k", "a", time.Second)
	require.True(t, ok)
	ok, _ = l.TryLock(context.Background(), "k", "b", time.Second)
	require.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = l.TryLock(context.Background(), "k", "b", time.Second)
	require.True(t, ok)
}

func TestStaleReleaseKeepsNewerGuard(t *testing.T) {
	f := newFixture(t, "")
	now := time.Unix(0, 0)
	f.locker.now = func() time.Time { return now }
	key := "orders:inflight:user-1"

	releaseSlow, err := f.server.acquireOrderSlot(context.Background(), "user-1")
	require.NoError(t, err)

	// the slow placement outlives its guard and a second request takes over
	now = now.Add(time.Minute)
	releaseNext, err := f.server.acquireOrderSlot(context.Background(), "user-1")
	require.NoError(t, err)

	releaseSlow()
	ok, err := f.locker.TryLock(context.Background(), key, "third", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "the newer guard must survive a stale release")

	_, err = f.server.acquireOrderSlot(context.Background(), "user-1")
	require.ErrorIs(t, err, errOrderInFlight)

	releaseNext()
	ok, err = f.locker.TryLock(context.Background(), key, "third", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
