package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"digistore/internal/apperr"
	"digistore/internal/orders"
	"digistore/internal/recharge"
	"digistore/internal/repo"
	"digistore/internal/session"
)

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func storeErr(op string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.ErrNotFound
	}
	return apperr.Persistence(op, err)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	profile, err := s.deps.Repository.GetProfile(r.Context(), sess.UserID)
	if err != nil {
		s.writeError(w, r, storeErr("get profile", err))
		return
	}
	spent, err := s.deps.Repository.TotalSpent(r.Context(), sess.UserID)
	if err != nil {
		s.writeError(w, r, storeErr("total spent", err))
		return
	}
	writeJSON(w, http.StatusOK, profileView{
		ID:          profile.ID,
		FullName:    profile.FullName,
		PhoneNumber: profile.PhoneNumber,
		Role:        profile.Role,
		Balance:     profile.Balance,
		TotalSpent:  spent,
		IsBlocked:   profile.IsBlocked,
		CreatedAt:   profile.CreatedAt,
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	services, err := s.deps.Catalog.Search(r.Context(), q.Get("q"), q.Get("category"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]serviceView, 0, len(services))
	for _, svc := range services {
		out = append(out, newServiceView(svc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

type placeOrderRequest struct {
	ServiceID  string `json:"service_id"`
	Quantity   int    `json:"quantity"`
	InputValue string `json:"input_value"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	var req placeOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	release, err := s.acquireOrderSlot(r.Context(), sess.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer release()

	placement, err := s.deps.Orders.PlaceOrder(r.Context(), sess, orders.Request{
		ServiceID:  req.ServiceID,
		Quantity:   req.Quantity,
		InputValue: req.InputValue,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"order":       newOrderView(placement.Order),
		"transaction": newTransactionView(placement.Transaction),
		"balance":     placement.Balance,
	})
}

// acquireOrderSlot holds the per-user in-flight key for the duration of one
// placement. A locker failure does not block ordering; the ledger still
// refuses overdrafts.
func (s *Server) acquireOrderSlot(ctx context.Context, userID string) (func(), error) {
	key := "orders:inflight:" + userID
	token := uuid.NewString()
	ok, err := s.deps.Locker.TryLock(ctx, key, token, s.deps.InflightTTL)
	if err != nil {
		s.logger.Warn("in-flight guard unavailable", "user_id", userID, "error", err)
		return func() {}, nil
	}
	if !ok {
		return nil, errOrderInFlight
	}
	return func() {
		if err := s.deps.Locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("release in-flight guard", "user_id", userID, "error", err)
		}
	}, nil
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Orders.ListOrders(r.Context(), session.FromContext(r.Context()), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	order, tx, err := s.deps.Orders.GetOrder(r.Context(), session.FromContext(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"order": newOrderView(*order)}
	if tx != nil {
		body["transaction"] = newTransactionView(*tx)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Recharge.ListTransactions(r.Context(), session.FromContext(r.Context()), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": newTransactionViews(list)})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	list, err := s.deps.Repository.ListNotifications(r.Context(), sess.UserID, queryLimit(r))
	if err != nil {
		s.writeError(w, r, storeErr("list notifications", err))
		return
	}
	out := make([]notificationView, 0, len(list))
	for _, n := range list {
		out = append(out, notificationView{
			ID:        n.ID,
			Kind:      n.Kind,
			Title:     n.Title,
			Message:   n.Message,
			Data:      n.Data,
			Read:      n.Read,
			CreatedAt: n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (s *Server) handleMethods(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"methods": recharge.Methods()})
}

type rechargeRequest struct {
	Method            string          `json:"method"`
	Amount            decimal.Decimal `json:"amount"`
	Phone             string          `json:"phone"`
	ExternalReference string          `json:"external_reference"`
}

func (s *Server) handleSubmitRecharge(w http.ResponseWriter, r *http.Request) {
	var req rechargeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.deps.Recharge.SubmitRecharge(r.Context(), session.FromContext(r.Context()), recharge.Request{
		Method:            req.Method,
		Amount:            req.Amount,
		Phone:             req.Phone,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": newTransactionView(*tx)})
}

type claimRequest struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
	Phone  string          `json:"phone"`
}

func (s *Server) handleStartClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	claim, err := s.deps.Recharge.StartClaim(r.Context(), session.FromContext(r.Context()), recharge.Request{
		Method: req.Method,
		Amount: req.Amount,
		Phone:  req.Phone,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"claim": claim})
}

type submitClaimRequest struct {
	ExternalReference string `json:"external_reference"`
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req submitClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.deps.Recharge.SubmitClaim(r.Context(), session.FromContext(r.Context()), id, req.ExternalReference)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": newTransactionView(*tx)})
}
