package repo

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// pgQuerier is implemented by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository provides typed access to Supabase (Postgres) resources.
type PostgresRepository struct {
	pgStore
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// pgStore implements Store on top of a pool or a single transaction.
type pgStore struct {
	q pgQuerier
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pgStore: pgStore{q: pool},
		pool:    pool,
		logger:  logger.With("component", "repo"),
		schema:  schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies the postgres schema files.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := subFS(filesystem, postgresMigrationsDir)
	if err != nil {
		return err
	}
	if err := ApplyMigrations(ctx, r.pool, sub); err != nil {
		return err
	}
	r.logger.Info("migrations applied", "schema", r.schema)
	return nil
}

// InTx executes fn within a database transaction.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(Store) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgStore{q: tx})
	})
}

// -- Profiles --

func (s *pgStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	p, err := scanProfile(s.q.QueryRow(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *pgStore) UpsertProfile(ctx context.Context, profile Profile) (*Profile, error) {
	q := `
INSERT INTO profiles (id, full_name, phone_number, role, balance, is_blocked, updated_at)
VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'user'), $5, $6, NOW())
ON CONFLICT (id) DO UPDATE SET
    full_name = COALESCE(EXCLUDED.full_name, profiles.full_name),
    phone_number = COALESCE(EXCLUDED.phone_number, profiles.phone_number),
    role = EXCLUDED.role,
    is_blocked = EXCLUDED.is_blocked,
    updated_at = NOW()
RETURNING ` + profileColumns
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	p, err := scanProfile(s.q.QueryRow(ctx, q,
		profile.ID,
		profile.FullName,
		profile.PhoneNumber,
		profile.Role,
		profile.Balance,
		profile.IsBlocked,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}
	return p, nil
}

func (s *pgStore) SetProfileBlocked(ctx context.Context, id string, blocked bool) error {
	tag, err := s.q.Exec(ctx, `UPDATE profiles SET is_blocked = $2, updated_at = NOW() WHERE id = $1`, id, blocked)
	if err != nil {
		return fmt.Errorf("set profile blocked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) DebitBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	const q = `
UPDATE profiles SET balance = balance - $2, updated_at = NOW()
WHERE id = $1 AND balance >= $2
RETURNING balance`
	var balance decimal.Decimal
	err := s.q.QueryRow(ctx, q, userID, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !isNoRows(err) {
		return decimal.Zero, fmt.Errorf("debit balance: %w", err)
	}
	// Either the profile is missing or the guard rejected the debit.
	if _, err := s.GetProfile(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, ErrInsufficientBalance
}

func (s *pgStore) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	const q = `
UPDATE profiles SET balance = balance + $2, updated_at = NOW()
WHERE id = $1
RETURNING balance`
	var balance decimal.Decimal
	if err := s.q.QueryRow(ctx, q, userID, amount).Scan(&balance); err != nil {
		if isNoRows(err) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("credit balance: %w", err)
	}
	return balance, nil
}

func (s *pgStore) TotalSpent(ctx context.Context, userID string) (decimal.Decimal, error) {
	const q = `
SELECT COALESCE(SUM(amount), 0) FROM transactions
WHERE user_id = $1 AND type = 'purchase' AND status <> 'failed'`
	var total decimal.Decimal
	if err := s.q.QueryRow(ctx, q, userID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("total spent: %w", err)
	}
	return total, nil
}

// -- Services --

func (s *pgStore) GetService(ctx context.Context, id string) (*Service, error) {
	q := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	svc, err := scanService(s.q.QueryRow(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

func (s *pgStore) ListServices(ctx context.Context, activeOnly bool) ([]Service, error) {
	q := `SELECT ` + serviceColumns + ` FROM services WHERE ($1 = FALSE OR active) ORDER BY category, name`
	rows, err := s.q.Query(ctx, q, activeOnly)
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

func (s *pgStore) UpsertService(ctx context.Context, svc Service) (*Service, error) {
	q := `
INSERT INTO services (id, name, category, description, price, input_type, min_quantity, max_quantity, active, instructions, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    category = EXCLUDED.category,
    description = EXCLUDED.description,
    price = EXCLUDED.price,
    input_type = EXCLUDED.input_type,
    min_quantity = EXCLUDED.min_quantity,
    max_quantity = EXCLUDED.max_quantity,
    active = EXCLUDED.active,
    instructions = EXCLUDED.instructions,
    updated_at = NOW()
RETURNING ` + serviceColumns
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	out, err := scanService(s.q.QueryRow(ctx, q,
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
	))
	if err != nil {
		return nil, fmt.Errorf("upsert service: %w", err)
	}
	return out, nil
}

// -- Orders --

func (s *pgStore) InsertOrder(ctx context.Context, order Order) (*Order, error) {
	q := `
INSERT INTO orders (id, reference, user_id, service_id, service_name, quantity, unit_price, total_amount, input_field, input_value, status, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + orderColumns
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	meta, err := toJSON(order.Metadata)
	if err != nil {
		return nil, err
	}
	out, err := scanOrder(s.q.QueryRow(ctx, q,
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
	))
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return out, nil
}

func (s *pgStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(s.q.QueryRow(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (s *pgStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.q.Query(ctx, q, userID, clampLimit(limit))
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

func (s *pgStore) UpdateOrderStatus(ctx context.Context, id, status string, metadata map[string]any) error {
	const q = `
UPDATE orders SET status = $2,
    metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb),
    updated_at = NOW()
WHERE id = $1`
	meta, err := toJSON(metadata)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, q, id, status, jsonParam(meta))
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Transactions --

func (s *pgStore) InsertTransaction(ctx context.Context, tx Transaction) (*Transaction, error) {
	q := `
INSERT INTO transactions (id, user_id, type, amount, status, order_id, external_reference, payment_method, phone_number, description, balance_after, details)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + transactionColumns
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	details, err := toJSON(tx.Details)
	if err != nil {
		return nil, err
	}
	out, err := scanTransaction(s.q.QueryRow(ctx, q,
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
	))
	if err != nil {
		if isUniqueViolation(err, externalReferenceIndex) {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return out, nil
}

func (s *pgStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	t, err := scanTransaction(s.q.QueryRow(ctx, q, id))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (s *pgStore) GetTransactionByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM transactions WHERE order_id = $1`
	t, err := scanTransaction(s.q.QueryRow(ctx, q, orderID))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by order: %w", err)
	}
	return t, nil
}

func (s *pgStore) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	return s.listTransactions(ctx, q, userID, clampLimit(limit))
}

func (s *pgStore) ListTransactionsByStatus(ctx context.Context, status string, limit int) ([]Transaction, error) {
	q := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	return s.listTransactions(ctx, q, status, clampLimit(limit))
}

func (s *pgStore) listTransactions(ctx context.Context, q string, args ...any) ([]Transaction, error) {
	rows, err := s.q.Query(ctx, q, args...)
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

func (s *pgStore) ResolveTransaction(ctx context.Context, id string, res Resolution) (*Transaction, error) {
	q := `
UPDATE transactions SET status = $2,
    rejection_reason = $3,
    balance_after = COALESCE($4, balance_after),
    details = COALESCE(details, '{}'::jsonb) || COALESCE($5::jsonb, '{}'::jsonb),
    resolved_at = NOW(),
    updated_at = NOW()
WHERE id = $1 AND status = 'pending'
RETURNING ` + transactionColumns
	details, err := toJSON(res.Details)
	if err != nil {
		return nil, err
	}
	t, err := scanTransaction(s.q.QueryRow(ctx, q, id, res.Status, res.RejectionReason, nullDecimal(res.BalanceAfter), jsonParam(details)))
	if err == nil {
		return t, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("resolve transaction: %w", err)
	}
	if _, err := s.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrNotPending
}

// -- Notifications --

func (s *pgStore) InsertNotification(ctx context.Context, n Notification) (*Notification, error) {
	q := `
INSERT INTO notifications (id, user_id, kind, title, message, data)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + notificationColumns
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	data, err := toJSON(n.Data)
	if err != nil {
		return nil, err
	}
	out, err := scanNotification(s.q.QueryRow(ctx, q, n.ID, n.UserID, n.Kind, n.Title, n.Message, jsonParam(data)))
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return out, nil
}

func (s *pgStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.q.Query(ctx, q, userID, clampLimit(limit))
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

var _ Repository = (*PostgresRepository)(nil)
