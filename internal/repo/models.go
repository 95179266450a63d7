package repo

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile represents the profiles table row.
type Profile struct {
	ID          string
	FullName    *string
	PhoneNumber *string
	Role        string
	Balance     decimal.Decimal
	IsBlocked   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Service represents a catalog entry in the services table.
type Service struct {
	ID           string
	Name         string
	Category     string
	Description  string
	Price        decimal.Decimal
	InputType    string
	MinQuantity  int
	MaxQuantity  int
	Active       bool
	Instructions string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Order represents a row in orders table.
type Order struct {
	ID          string
	Reference   string
	UserID      string
	ServiceID   string
	ServiceName string
	Quantity    int
	UnitPrice   decimal.Decimal
	TotalAmount decimal.Decimal
	InputField  string
	InputValue  string
	Status      string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transaction represents a row in transactions table.
type Transaction struct {
	ID                string
	UserID            string
	Type              string
	Amount            decimal.Decimal
	Status            string
	OrderID           *string
	ExternalReference *string
	PaymentMethod     *string
	PhoneNumber       *string
	Description       string
	BalanceAfter      *decimal.Decimal
	RejectionReason   *string
	Details           map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}

// Notification represents a user-facing notice persisted in notifications table.
type Notification struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Message   string
	Data      map[string]any
	Read      bool
	CreatedAt time.Time
}

// Resolution carries the terminal status written by ResolveTransaction.
type Resolution struct {
	Status          string
	RejectionReason *string
	BalanceAfter    *decimal.Decimal
	Details         map[string]any
}

// Order statuses.
const (
	OrderInProgress = "in_progress"
	OrderProcessed  = "processed"
	OrderRejected   = "rejected"
)

// Transaction types and statuses.
const (
	TxPurchase = "purchase"
	TxRecharge = "recharge"

	TxPending   = "pending"
	TxSucceeded = "succeeded"
	TxFailed    = "failed"
)

// Profile roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var legacyTxStatuses = map[string]string{
	"en_cours": TxPending,
	"reussi":   TxSucceeded,
	"complete": TxSucceeded,
	"termine":  TxSucceeded,
	"echec":    TxFailed,
	"echoue":   TxFailed,
	"refuser":  TxFailed,
	"annule":   TxFailed,
}

// CanonicalTxStatus maps the historical transaction vocabulary
// (en_cours/reussi/echec/...) onto pending/succeeded/failed.
// Unknown values are returned unchanged.
func CanonicalTxStatus(status string) string {
	if canonical, ok := legacyTxStatuses[status]; ok {
		return canonical
	}
	return status
}
