package repo

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// dbtx is implemented by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepository provides access to a local SQLite database.
type SQLiteRepository struct {
	sqliteStore
	db     *sql.DB
	logger *slog.Logger
}

type sqliteStore struct {
	q dbtx
}

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	// Write transactions take the lock up front so a read-then-write
	// transaction never fails with SQLITE_BUSY mid-way.
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON&_txlock=immediate", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteRepository{
		sqliteStore: sqliteStore{q: db},
		db:          db,
		logger:      logger.With("component", "repo_sqlite"),
	}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the sqlite schema files.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := subFS(filesystem, sqliteMigrationsDir)
	if err != nil {
		return err
	}
	if err := ApplySQLiteMigrations(ctx, r.db, sub); err != nil {
		return err
	}
	r.logger.Info("migrations applied")
	return nil
}

// InTx executes fn within a database transaction.
func (r *SQLiteRepository) InTx(ctx context.Context, fn func(Store) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqliteStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// -- Profiles --

func (s *sqliteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles WHERE id = ?`
	p, err := scanProfile(s.q.QueryRowContext(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpsertProfile writes then re-reads the row; RETURNING drops the column
// declared types the driver needs to parse timestamps.
func (s *sqliteStore) UpsertProfile(ctx context.Context, profile Profile) (*Profile, error) {
	const q = `
INSERT INTO profiles (id, full_name, phone_number, role, balance, is_blocked, updated_at)
VALUES (?, ?, ?, COALESCE(NULLIF(?, ''), 'user'), ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (id) DO UPDATE SET
    full_name = COALESCE(excluded.full_name, profiles.full_name),
    phone_number = COALESCE(excluded.phone_number, profiles.phone_number),
    role = excluded.role,
    is_blocked = excluded.is_blocked,
    updated_at = CURRENT_TIMESTAMP`
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, q,
		profile.ID,
		profile.FullName,
		profile.PhoneNumber,
		profile.Role,
		profile.Balance,
		profile.IsBlocked,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}
	return s.GetProfile(ctx, profile.ID)
}

func (s *sqliteStore) SetProfileBlocked(ctx context.Context, id string, blocked bool) error {
	res, err := s.q.ExecContext(ctx, `UPDATE profiles SET is_blocked = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, blocked, id)
	if err != nil {
		return fmt.Errorf("set profile blocked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	const q = `
UPDATE profiles SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND balance >= ?
RETURNING balance`
	var balance decimal.Decimal
	err := s.q.QueryRowContext(ctx, q, amount, userID, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !isNoRows(err) {
		return decimal.Zero, fmt.Errorf("debit balance: %w", err)
	}
	if _, err := s.GetProfile(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, ErrInsufficientBalance
}

func (s *sqliteStore) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	const q = `
UPDATE profiles SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?
RETURNING balance`
	var balance decimal.Decimal
	if err := s.q.QueryRowContext(ctx, q, amount, userID).Scan(&balance); err != nil {
		if isNoRows(err) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

func (s *sqliteStore) TotalSpent(ctx context.Context, userID string) (decimal.Decimal, error) {
	const q = `
SELECT COALESCE(SUM(amount), 0) FROM transactions
WHERE user_id = ? AND type = 'purchase' AND status <> 'failed'`
	var total decimal.Decimal
	if err := s.q.QueryRowContext(ctx, q, userID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("total spent: %w", err)
	}
	return total, nil
}

// -- Services --

func (s *sqliteStore) GetService(ctx context.Context, id string) (*Service, error) {
	q := `SELECT ` + serviceColumns + ` FROM services WHERE id = ?`
	svc, err := scanService(s.q.QueryRowContext(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

func (s *sqliteStore) ListServices(ctx context.Context, activeOnly bool) ([]Service, error) {
	q := `SELECT ` + serviceColumns + ` FROM services WHERE (? = 0 OR active = 1) ORDER BY category, name`
	rows, err := s.q.QueryContext(ctx, q, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, *svc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertService(ctx context.Context, svc Service) (*Service, error) {
	const q = `
INSERT INTO services (id, name, category, description, price, input_type, min_quantity, max_quantity, active, instructions, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    category = excluded.category,
    description = excluded.description,
    price = excluded.price,
    input_type = excluded.input_type,
    min_quantity = excluded.min_quantity,
    max_quantity = excluded.max_quantity,
    active = excluded.active,
    instructions = excluded.instructions,
    updated_at = CURRENT_TIMESTAMP`
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, q,
		svc.ID,
		svc.Name,
		svc.Category,
		svc.Description,
		svc.Price,
		svc.InputType,
		svc.MinQuantity,
		svc.MaxQuantity,
		svc.Active,
		svc.Instructions,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert service: %w", err)
	}
	return s.GetService(ctx, svc.ID)
}

// -- Orders --

func (s *sqliteStore) InsertOrder(ctx context.Context, order Order) (*Order, error) {
	const q = `
INSERT INTO orders (id, reference, user_id, service_id, service_name, quantity, unit_price, total_amount, input_field, input_value, status, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	meta, err := toJSON(order.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.q.ExecContext(ctx, q,
		order.ID,
		order.Reference,
		order.UserID,
		order.ServiceID,
		order.ServiceName,
		order.Quantity,
		order.UnitPrice,
		order.TotalAmount,
		order.InputField,
		order.InputValue,
		order.Status,
		jsonParam(meta),
	)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return s.GetOrder(ctx, order.ID)
}

func (s *sqliteStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	o, err := scanOrder(s.q.QueryRowContext(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *sqliteStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	rows, err := s.q.QueryContext(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateOrderStatus(ctx context.Context, id, status string, metadata map[string]any) error {
	const q = `
UPDATE orders SET status = ?,
    metadata = json_patch(COALESCE(metadata, '{}'), COALESCE(?, '{}')),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`
	meta, err := toJSON(metadata)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, q, status, jsonParam(meta), id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Transactions --

func (s *sqliteStore) InsertTransaction(ctx context.Context, tx Transaction) (*Transaction, error) {
	const q = `
INSERT INTO transactions (id, user_id, type, amount, status, order_id, external_reference, payment_method, phone_number, description, balance_after, details)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	details, err := toJSON(tx.Details)
	if err != nil {
		return nil, err
	}
	_, err = s.q.ExecContext(ctx, q,
		tx.ID,
		tx.UserID,
		tx.Type,
		tx.Amount,
		tx.Status,
		tx.OrderID,
		tx.ExternalReference,
		tx.PaymentMethod,
		tx.PhoneNumber,
		tx.Description,
		nullDecimal(tx.BalanceAfter),
		jsonParam(details),
	)
	if err != nil {
		if isUniqueViolation(err, externalReferenceIndex) {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return s.GetTransaction(ctx, tx.ID)
}

func (s *sqliteStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`
	t, err := scanTransaction(s.q.QueryRowContext(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *sqliteStore) GetTransactionByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM transactions WHERE order_id = ?`
	t, err := scanTransaction(s.q.QueryRowContext(ctx, q, orderID))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by order: %w", err)
	}
	return t, nil
}

func (s *sqliteStore) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	return s.listTransactions(ctx, q, userID, clampLimit(limit))
}

func (s *sqliteStore) ListTransactionsByStatus(ctx context.Context, status string, limit int) ([]Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`
	return s.listTransactions(ctx, q, status, clampLimit(limit))
}

func (s *sqliteStore) listTransactions(ctx context.Context, q string, args ...any) ([]Transaction, error) {
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResolveTransaction(ctx context.Context, id string, res Resolution) (*Transaction, error) {
	const q = `
UPDATE transactions SET status = ?,
    rejection_reason = ?,
    balance_after = COALESCE(?, balance_after),
    details = json_patch(COALESCE(details, '{}'), COALESCE(?, '{}')),
    resolved_at = CURRENT_TIMESTAMP,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'pending'`
	details, err := toJSON(res.Details)
	if err != nil {
		return nil, err
	}
	result, err := s.q.ExecContext(ctx, q, res.Status, res.RejectionReason, nullDecimal(res.BalanceAfter), jsonParam(details), id)
	if err != nil {
		return nil, fmt.Errorf("resolve transaction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("resolve transaction: %w", err)
	}
	t, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotPending
	}
	return t, nil
}

// -- Notifications --

func (s *sqliteStore) InsertNotification(ctx context.Context, n Notification) (*Notification, error) {
	const q = `
INSERT INTO notifications (id, user_id, kind, title, message, data)
VALUES (?, ?, ?, ?, ?, ?)`
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	data, err := toJSON(n.Data)
	if err != nil {
		return nil, err
	}
	if _, err := s.q.ExecContext(ctx, q, n.ID, n.UserID, n.Kind, n.Title, n.Message, jsonParam(data)); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	row := s.q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, n.ID)
	out, err := scanNotification(row)
	if err != nil {
		return nil, fmt.Errorf("read notification: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
	rows, err := s.q.QueryContext(ctx, q, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

var _ Repository = (*SQLiteRepository)(nil)
