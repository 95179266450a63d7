package httpserver

import (
	"time"

	"github.com/shopspring/decimal"

	"digistore/internal/repo"
)

type profileView struct {
	ID          string          `json:"id"`
	FullName    *string         `json:"full_name"`
	PhoneNumber *string         `json:"phone_number"`
	Role        string          `json:"role"`
	Balance     decimal.Decimal `json:"balance"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
	IsBlocked   bool            `json:"is_blocked"`
	CreatedAt   time.Time       `json:"created_at"`
}

type serviceView struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	InputType    string          `json:"input_type"`
	MinQuantity  int             `json:"min_quantity"`
	MaxQuantity  int             `json:"max_quantity"`
	Active       bool            `json:"active"`
	Instructions string          `json:"instructions,omitempty"`
}

func newServiceView(s repo.Service) serviceView {
	return serviceView{
		ID:           s.ID,
		Name:         s.Name,
		Category:     s.Category,
		Description:  s.Description,
		Price:        s.Price,
		InputType:    s.InputType,
		MinQuantity:  s.MinQuantity,
		MaxQuantity:  s.MaxQuantity,
		Active:       s.Active,
		Instructions: s.Instructions,
	}
}

type orderView struct {
	ID          string          `json:"id"`
	Reference   string          `json:"reference"`
	UserID      string          `json:"user_id"`
	ServiceID   string          `json:"service_id"`
	ServiceName string          `json:"service_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	InputField  string          `json:"input_field,omitempty"`
	InputValue  string          `json:"input_value,omitempty"`
	Status      string          `json:"status"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func newOrderView(o repo.Order) orderView {
	return orderView{
		ID:          o.ID,
		Reference:   o.Reference,
		UserID:      o.UserID,
		ServiceID:   o.ServiceID,
		ServiceName: o.ServiceName,
		Quantity:    o.Quantity,
		UnitPrice:   o.UnitPrice,
		TotalAmount: o.TotalAmount,
		InputField:  o.InputField,
		InputValue:  o.InputValue,
		Status:      o.Status,
		Metadata:    o.Metadata,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

type transactionView struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	Type              string           `json:"type"`
	Amount            decimal.Decimal  `json:"amount"`
	Status            string           `json:"status"`
	OrderID           *string          `json:"order_id,omitempty"`
	ExternalReference *string          `json:"external_reference,omitempty"`
	PaymentMethod     *string          `json:"payment_method,omitempty"`
	PhoneNumber       *string          `json:"phone_number,omitempty"`
	Description       string           `json:"description,omitempty"`
	BalanceAfter      *decimal.Decimal `json:"balance_after,omitempty"`
	RejectionReason   *string          `json:"rejection_reason,omitempty"`
	Details           map[string]any   `json:"details,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
}

func newTransactionView(t repo.Transaction) transactionView {
	return transactionView{
		ID:                t.ID,
		UserID:            t.UserID,
		Type:              t.Type,
		Amount:            t.Amount,
		Status:            t.Status,
		OrderID:           t.OrderID,
		ExternalReference: t.ExternalReference,
		PaymentMethod:     t.PaymentMethod,
		PhoneNumber:       t.PhoneNumber,
		Description:       t.Description,
		BalanceAfter:      t.BalanceAfter,
		RejectionReason:   t.RejectionReason,
		Details:           t.Details,
		CreatedAt:         t.CreatedAt,
		ResolvedAt:        t.ResolvedAt,
	}
}

func newTransactionViews(list []repo.Transaction) []transactionView {
	out := make([]transactionView, 0, len(list))
	for _, t := range list {
		out = append(out, newTransactionView(t))
	}
	return out
}

type notificationView struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"created_at"`
}

// outcomeView is the body of every review decision.
type outcomeView struct {
	Transaction transactionView  `json:"transaction"`
	Order       *orderView       `json:"order,omitempty"`
	Balance     *decimal.Decimal `json:"balance,omitempty"`
}
