package httpserver

import (
	"net/http"

	"github.com/shopspring/decimal"

	"digistore/internal/repo"
	"digistore/internal/review"
	"digistore/internal/session"
)

func (s *Server) handleAdminTransactions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = repo.TxPending
	}
	list, err := s.deps.Review.ListByStatus(r.Context(), session.FromContext(r.Context()), status, queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": newTransactionViews(list)})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleApproveTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Review.Approve(r.Context(), session.FromContext(r.Context()), id)
	s.writeOutcome(w, r, out, err)
}

func (s *Server) handleRejectTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Review.Reject(r.Context(), session.FromContext(r.Context()), id, req.Reason)
	s.writeOutcome(w, r, out, err)
}

func (s *Server) handleApproveOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Review.ResolveOrder(r.Context(), session.FromContext(r.Context()), id, review.Approve, "")
	s.writeOutcome(w, r, out, err)
}

func (s *Server) handleRejectOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Review.ResolveOrder(r.Context(), session.FromContext(r.Context()), id, review.Reject, req.Reason)
	s.writeOutcome(w, r, out, err)
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, out *review.Outcome, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := outcomeView{
		Transaction: newTransactionView(out.Transaction),
		Balance:     out.Balance,
	}
	if out.Order != nil {
		ov := newOrderView(*out.Order)
		body.Order = &ov
	}
	writeJSON(w, http.StatusOK, body)
}

type serviceRequest struct {
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	InputType    string          `json:"input_type"`
	MinQuantity  int             `json:"min_quantity"`
	MaxQuantity  int             `json:"max_quantity"`
	Active       *bool           `json:"active"`
	Instructions string          `json:"instructions"`
}

func (s *Server) handleUpsertService(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req serviceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	if req.MinQuantity == 0 {
		req.MinQuantity = 1
	}
	if req.MaxQuantity == 0 {
		req.MaxQuantity = 100
	}
	svc, err := s.deps.Catalog.Upsert(r.Context(), session.FromContext(r.Context()), repo.Service{
		ID:           id,
		Name:         req.Name,
		Category:     req.Category,
		Description:  req.Description,
		Price:        req.Price,
		InputType:    req.InputType,
		MinQuantity:  req.MinQuantity,
		MaxQuantity:  req.MaxQuantity,
		Active:       active,
		Instructions: req.Instructions,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": newServiceView(*svc)})
}

type blockRequest struct {
	Blocked bool `json:"blocked"`
}

func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Review.SetBlocked(r.Context(), session.FromContext(r.Context()), id, req.Blocked); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "blocked": req.Blocked})
}
