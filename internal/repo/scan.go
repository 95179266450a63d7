package repo

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const (
	profileColumns      = "id, full_name, phone_number, role, balance, is_blocked, created_at, updated_at"
	serviceColumns      = "id, name, category, description, price, input_type, min_quantity, max_quantity, active, instructions, created_at, updated_at"
	orderColumns        = "id, reference, user_id, service_id, service_name, quantity, unit_price, total_amount, input_field, input_value, status, metadata, created_at, updated_at"
	transactionColumns  = "id, user_id, type, amount, status, order_id, external_reference, payment_method, phone_number, description, balance_after, rejection_reason, details, created_at, updated_at, resolved_at"
	notificationColumns = "id, user_id, kind, title, message, data, read, created_at"
)

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	if err := row.Scan(&p.ID, &p.FullName, &p.PhoneNumber, &p.Role, &p.Balance, &p.IsBlocked, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanService(row rowScanner) (*Service, error) {
	var s Service
	if err := row.Scan(&s.ID, &s.Name, &s.Category, &s.Description, &s.Price, &s.InputType, &s.MinQuantity, &s.MaxQuantity, &s.Active, &s.Instructions, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var metaJSON []byte
	if err := row.Scan(&o.ID, &o.Reference, &o.UserID, &o.ServiceID, &o.ServiceName, &o.Quantity, &o.UnitPrice, &o.TotalAmount, &o.InputField, &o.InputValue, &o.Status, &metaJSON, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Metadata = fromJSON(metaJSON)
	return &o, nil
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var balanceAfter decimal.NullDecimal
	var detailsJSON []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Status, &t.OrderID, &t.ExternalReference, &t.PaymentMethod, &t.PhoneNumber, &t.Description, &balanceAfter, &t.RejectionReason, &detailsJSON, &t.CreatedAt, &t.UpdatedAt, &t.ResolvedAt); err != nil {
		return nil, err
	}
	if balanceAfter.Valid {
		t.BalanceAfter = &balanceAfter.Decimal
	}
	t.Details = fromJSON(detailsJSON)
	return &t, nil
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var dataJSON []byte
	if err := row.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &dataJSON, &n.Read, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Data = fromJSON(dataJSON)
	return &n, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// isUniqueViolation reports whether err is a unique index violation on the
// named index, for either driver.
func isUniqueViolation(err error, index string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (index == "" || pgErr.ConstraintName == index)
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && (index == "" || strings.Contains(msg, uniqueIndexColumns[index]))
}

// SQLite reports the offending columns rather than the index name.
var uniqueIndexColumns = map[string]string{
	externalReferenceIndex: "transactions.external_reference",
	orderTransactionIndex:  "transactions.order_id",
}

const (
	externalReferenceIndex = "transactions_external_reference_key"
	orderTransactionIndex  = "transactions_order_id_key"
)
