package repo

import (
	"context"
	"io/fs"

	"github.com/shopspring/decimal"
)

// Store defines the queries available both on the pool and inside a
// database transaction.
type Store interface {
	// Profiles
	GetProfile(ctx context.Context, id string) (*Profile, error)
	UpsertProfile(ctx context.Context, profile Profile) (*Profile, error)
	SetProfileBlocked(ctx context.Context, id string, blocked bool) error
	DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	TotalSpent(ctx context.Context, userID string) (decimal.Decimal, error)

	// Services
	GetService(ctx context.Context, id string) (*Service, error)
	ListServices(ctx context.Context, activeOnly bool) ([]Service, error)
	UpsertService(ctx context.Context, svc Service) (*Service, error)

	// Orders
	InsertOrder(ctx context.Context, order Order) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id, status string, metadata map[string]any) error

	// Transactions
	InsertTransaction(ctx context.Context, tx Transaction) (*Transaction, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByOrder(ctx context.Context, orderID string) (*Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]Transaction, error)
	ListTransactionsByStatus(ctx context.Context, status string, limit int) ([]Transaction, error)
	ResolveTransaction(ctx context.Context, id string, res Resolution) (*Transaction, error)

	// Notifications
	InsertNotification(ctx context.Context, n Notification) (*Notification, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
}

// Repository is a Store bound to a connection pool.
type Repository interface {
	Store

	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// InTx runs fn against a Store bound to one database transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(Store) error) error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
