package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"komisiku/backend/internal/domain"
	"komisiku/backend/internal/store"
	"komisiku/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			username VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(20) NOT NULL,
			referred_by UUID REFERENCES users(id),
			referred_at TIMESTAMPTZ,
			pending_cents BIGINT NOT NULL DEFAULT 0 CHECK (pending_cents >= 0),
			available_cents BIGINT NOT NULL DEFAULT 0 CHECK (available_cents >= 0),
			locked_cents BIGINT NOT NULL DEFAULT 0 CHECK (locked_cents >= 0),
			lifetime_cents BIGINT NOT NULL DEFAULT 0 CHECK (lifetime_cents >= 0),
			withdrawn_cents BIGINT NOT NULL DEFAULT 0 CHECK (withdrawn_cents >= 0),
			assigned_orders INT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			sku VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			category VARCHAR(64) NOT NULL,
			price_cents BIGINT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			buyer_id UUID NOT NULL REFERENCES users(id),
			items JSONB NOT NULL,
			amount_cents BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			marketer_id UUID REFERENCES users(id),
			marketer_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			direct_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			indirect_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			commission_posted BOOLEAN NOT NULL DEFAULT false,
			commission_released BOOLEAN NOT NULL DEFAULT false,
			withdrawal_processed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			confirmed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS commission_transactions (
			id VARCHAR(64) PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			order_id VARCHAR(64) NOT NULL REFERENCES orders(id),
			amount_cents BIGINT NOT NULL,
			rate DOUBLE PRECISION NOT NULL,
			tier VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			UNIQUE (user_id, order_id)
		)`,
		`CREATE TABLE IF NOT EXISTS seasonal_promotions (
			name VARCHAR(128) PRIMARY KEY,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			rate DOUBLE PRECISION NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS withdrawal_requests (
			id VARCHAR(64) PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			order_id VARCHAR(64) NOT NULL REFERENCES orders(id),
			amount_cents BIGINT NOT NULL,
			status VARCHAR(16) NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			processed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS withdrawal_requests_open_order
			ON withdrawal_requests (order_id) WHERE status <> 'rejected'`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id VARCHAR(64) PRIMARY KEY,
			actor_id VARCHAR(64) NOT NULL,
			actor_role VARCHAR(20) NOT NULL,
			action VARCHAR(64) NOT NULL,
			entity_type VARCHAR(32) NOT NULL,
			entity_id VARCHAR(64) NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const userColumns = `id, username, password_hash, role, referred_by, referred_at,
	pending_cents, available_cents, locked_cents, lifetime_cents, withdrawn_cents,
	assigned_orders, active, created_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var user domain.User
	var referredBy sql.NullString
	var referredAt sql.NullTime
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &referredBy, &referredAt,
		&user.Balance.PendingCents, &user.Balance.AvailableCents, &user.Balance.LockedCents,
		&user.Balance.LifetimeCents, &user.Balance.WithdrawnCents,
		&user.AssignedOrders, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if referredBy.Valid && referredAt.Valid {
		user.ReferredBy = &domain.ReferredBy{UserID: referredBy.String, Date: referredAt.Time.UTC()}
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.Username == "" || user.PasswordHash == "" || user.Role == "" {
		return nil, store.ErrValidation
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	var referredBy, referredAt any
	if user.ReferredBy != nil {
		if user.ReferredBy.UserID == user.ID {
			return nil, store.ErrValidation
		}
		referredBy = user.ReferredBy.UserID
		referredAt = user.ReferredBy.Date.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, referred_by, referred_at, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,true,$7)
	`, user.ID, user.Username, user.PasswordHash, user.Role, referredBy, referredAt, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	user.Active = true
	created := user
	return &created, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE username = $1`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetReferrer(ctx context.Context, userID string, referrerID string, at time.Time) error {
	if userID == referrerID {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET referred_by = $2, referred_at = $3
		WHERE id = $1 AND referred_by IS NULL
	`, userID, referrerID, at.UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the user does not exist or a referrer is already set.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) ListActiveMarketers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE role = $1 AND active = true
		ORDER BY assigned_orders, username
	`, domain.RoleMarketer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marketers := make([]domain.User, 0, 16)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		marketers = append(marketers, *user)
	}
	return marketers, rows.Err()
}

func (s *Store) ReferredVolumeCents(ctx context.Context, referrerID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(o.amount_cents), 0)
		FROM orders o
		JOIN users u ON u.id = o.buyer_id
		WHERE u.referred_by = $1 AND o.status = $2
	`, referrerID, domain.OrderStatusConfirmed).Scan(&total)
	return total, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, active
		FROM products WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, category, price_cents, active)
		VALUES ($1,$2,$3,$4,$5)
	`, product.SKU, product.Name, product.Category, product.PriceCents, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, category, price_cents, active
		FROM products WHERE active = true AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		result[p.SKU] = p
	}
	return result, rows.Err()
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET name = $2, category = $3, price_cents = $4, active = $5
		WHERE sku = $1
	`, product.SKU, product.Name, product.Category, product.PriceCents, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := product
	return &updated, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.BuyerID == "" || order.AmountCents < 1 || len(order.Items) == 0 {
		return nil, store.ErrValidation
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusCreated
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, items, amount_cents, status, marketer_id,
			marketer_rate, direct_rate, indirect_rate, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, order.ID, order.BuyerID, items, order.AmountCents, order.Status, nullIfEmpty(order.MarketerID),
		order.MarketerRate, order.DirectRate, order.IndirectRate, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if order.MarketerID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET assigned_orders = assigned_orders + 1 WHERE id = $1
		`, order.MarketerID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := order
	return &created, nil
}

const orderColumns = `id, buyer_id, items, amount_cents, status, marketer_id,
	marketer_rate, direct_rate, indirect_rate, commission_posted, commission_released,
	withdrawal_processed, created_at, confirmed_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var order domain.Order
	var items []byte
	var marketerID sql.NullString
	var confirmedAt sql.NullTime
	err := row.Scan(&order.ID, &order.BuyerID, &items, &order.AmountCents, &order.Status, &marketerID,
		&order.MarketerRate, &order.DirectRate, &order.IndirectRate, &order.CommissionPosted,
		&order.CommissionReleased, &order.WithdrawalProcessed, &order.CreatedAt, &confirmedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, err
	}
	if marketerID.Valid {
		order.MarketerID = marketerID.String
	}
	if confirmedAt.Valid {
		at := confirmedAt.Time.UTC()
		order.ConfirmedAt = &at
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return &order, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	return scanOrder(row)
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE buyer_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 16)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (s *Store) ListUnconfirmedOrdersBefore(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
	`, domain.OrderStatusCreated, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 16)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (s *Store) ReassignOrderMarketer(ctx context.Context, orderID string, marketerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var previous sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT status, marketer_id FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&status, &previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status != domain.OrderStatusCreated {
		return store.ErrConflict
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET assigned_orders = assigned_orders + 1
		WHERE id = $1 AND role = $2 AND active = true
	`, marketerID, domain.RoleMarketer)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	if previous.Valid {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET assigned_orders = GREATEST(assigned_orders - 1, 0) WHERE id = $1
		`, previous.String); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET marketer_id = $2 WHERE id = $1`, orderID, marketerID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) CreateCommissionPostings(ctx context.Context, orderID string, postings []domain.CommissionTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var posted bool
	err = tx.QueryRowContext(ctx, `
		SELECT commission_posted FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&posted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if posted {
		return store.ErrConflict
	}

	now := time.Now().UTC()
	for _, posting := range postings {
		if posting.UserID == "" || posting.OrderID != orderID || posting.AmountCents < 0 {
			return store.ErrValidation
		}
		if posting.ID == "" {
			posting.ID = xid.New("ctx")
		}
		if posting.CreatedAt.IsZero() {
			posting.CreatedAt = now
		}

		var completedAt any
		balanceUpdate := `UPDATE users SET pending_cents = pending_cents + $2, lifetime_cents = lifetime_cents + $2 WHERE id = $1`
		if posting.Status == domain.CommissionStatusCompleted {
			completedAt = now
			balanceUpdate = `UPDATE users SET available_cents = available_cents + $2, lifetime_cents = lifetime_cents + $2 WHERE id = $1`
		} else {
			posting.Status = domain.CommissionStatusPending
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO commission_transactions (id, user_id, order_id, amount_cents, rate, tier, status, created_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, posting.ID, posting.UserID, orderID, posting.AmountCents, posting.Rate, posting.Tier, posting.Status, posting.CreatedAt, completedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			if isForeignKeyViolation(err) {
				return store.ErrNotFound
			}
			return err
		}

		res, err := tx.ExecContext(ctx, balanceUpdate, posting.UserID, posting.AmountCents)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE orders SET commission_posted = true WHERE id = $1`, orderID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) ReleaseOrderCommissions(ctx context.Context, orderID string, marketer *domain.CommissionTransaction, at time.Time) error {
	if marketer != nil && (marketer.UserID == "" || marketer.OrderID != orderID || marketer.AmountCents < 0) {
		return store.ErrValidation
	}

	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var released bool
	err = tx.QueryRowContext(ctx, `
		SELECT status, commission_released FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&status, &released)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status == domain.OrderStatusConfirmed || released {
		return store.ErrConflict
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, amount_cents FROM commission_transactions
		WHERE order_id = $1 AND status = $2
		FOR UPDATE
	`, orderID, domain.CommissionStatusPending)
	if err != nil {
		return err
	}

	type pendingEntry struct {
		id          string
		userID      string
		amountCents int64
	}
	entries := make([]pendingEntry, 0, 3)
	for rows.Next() {
		var entry pendingEntry
		if err := rows.Scan(&entry.id, &entry.userID, &entry.amountCents); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, entry := range entries {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET pending_cents = pending_cents - $2, available_cents = available_cents + $2
			WHERE id = $1 AND pending_cents >= $2
		`, entry.userID, entry.amountCents)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrInsufficientBalance
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE commission_transactions SET status = $2, completed_at = $3 WHERE id = $1
		`, entry.id, domain.CommissionStatusCompleted, at); err != nil {
			return err
		}
	}

	if marketer != nil {
		entry := *marketer
		if entry.ID == "" {
			entry.ID = xid.New("ctx")
		}
		entry.Status = domain.CommissionStatusCompleted

		_, err = tx.ExecContext(ctx, `
			INSERT INTO commission_transactions (id, user_id, order_id, amount_cents, rate, tier, status, created_at, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		`, entry.ID, entry.UserID, orderID, entry.AmountCents, entry.Rate, entry.Tier, entry.Status, at)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			if isForeignKeyViolation(err) {
				return store.ErrNotFound
			}
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE users SET available_cents = available_cents + $2, lifetime_cents = lifetime_cents + $2 WHERE id = $1
		`, entry.UserID, entry.AmountCents)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrNotFound
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, commission_released = true, confirmed_at = $3 WHERE id = $1
	`, orderID, domain.OrderStatusConfirmed, at); err != nil {
		return err
	}

	return tx.Commit()
}

const ledgerColumns = `id, user_id, order_id, amount_cents, rate, tier, status, created_at, completed_at`

func scanLedger(row interface{ Scan(...any) error }) (*domain.CommissionTransaction, error) {
	var entry domain.CommissionTransaction
	var completedAt sql.NullTime
	err := row.Scan(&entry.ID, &entry.UserID, &entry.OrderID, &entry.AmountCents, &entry.Rate,
		&entry.Tier, &entry.Status, &entry.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		entry.CompletedAt = &at
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

func (s *Store) ListCommissionsByUser(ctx context.Context, userID string, limit int) ([]domain.CommissionTransaction, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM commission_transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CommissionTransaction, 0, limit)
	for rows.Next() {
		entry, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *Store) ListCommissionsByOrder(ctx context.Context, orderID string) ([]domain.CommissionTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM commission_transactions
		WHERE order_id = $1 ORDER BY tier
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CommissionTransaction, 0, 3)
	for rows.Next() {
		entry, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *Store) SumLedgerByUser(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM commission_transactions
		WHERE user_id = $1 AND status <> $2
	`, userID, domain.CommissionStatusCancelled).Scan(&total)
	return total, err
}

func (s *Store) GetBalance(ctx context.Context, userID string) (domain.CommissionBalance, error) {
	var balance domain.CommissionBalance
	err := s.db.QueryRowContext(ctx, `
		SELECT pending_cents, available_cents, locked_cents, lifetime_cents, withdrawn_cents
		FROM users WHERE id = $1
	`, userID).Scan(&balance.PendingCents, &balance.AvailableCents, &balance.LockedCents,
		&balance.LifetimeCents, &balance.WithdrawnCents)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CommissionBalance{}, store.ErrNotFound
		}
		return domain.CommissionBalance{}, err
	}
	return balance, nil
}

var balanceColumnByField = map[string]string{
	store.BalancePending:   "pending_cents",
	store.BalanceAvailable: "available_cents",
	store.BalanceLocked:    "locked_cents",
	store.BalanceWithdrawn: "withdrawn_cents",
}

func (s *Store) MoveBalance(ctx context.Context, userID string, from string, to string, amountCents int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := moveBalanceTx(ctx, tx, userID, from, to, amountCents); err != nil {
		return err
	}
	return tx.Commit()
}

// moveBalanceTx shifts amountCents between two balance columns of a row
// locked for the duration of the enclosing transaction. The guarded
// UPDATE returns zero rows when the source column cannot cover the move.
func moveBalanceTx(ctx context.Context, tx *sql.Tx, userID string, from string, to string, amountCents int64) error {
	if amountCents <= 0 || from == to {
		return store.ErrValidation
	}
	fromCol, okFrom := balanceColumnByField[from]
	toCol, okTo := balanceColumnByField[to]
	if !okFrom || !okTo {
		return store.ErrValidation
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT true FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE users SET %s = %s - $2, %s = %s + $2
		WHERE id = $1 AND %s >= $2
	`, fromCol, fromCol, toCol, toCol, fromCol), userID, amountCents)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInsufficientBalance
	}
	return nil
}

func (s *Store) UpsertPromotion(ctx context.Context, promo domain.SeasonalPromotion) (*domain.SeasonalPromotion, error) {
	if promo.Name == "" || promo.Rate <= 0 || !promo.StartDate.Before(promo.EndDate) {
		return nil, store.ErrValidation
	}
	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	promo.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var overlapping int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM seasonal_promotions
		WHERE name <> $1 AND start_date <= $3 AND $2 <= end_date
	`, promo.Name, promo.StartDate.UTC(), promo.EndDate.UTC()).Scan(&overlapping)
	if err != nil {
		return nil, err
	}
	if overlapping > 0 {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO seasonal_promotions (name, start_date, end_date, rate, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (name) DO UPDATE
		SET start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
			rate = EXCLUDED.rate, active = EXCLUDED.active
	`, promo.Name, promo.StartDate.UTC(), promo.EndDate.UTC(), promo.Rate, promo.Active, promo.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := promo
	return &saved, nil
}

func (s *Store) DeletePromotion(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seasonal_promotions WHERE name = $1`, name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]domain.SeasonalPromotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, start_date, end_date, rate, active, created_at
		FROM seasonal_promotions ORDER BY start_date
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	promos := make([]domain.SeasonalPromotion, 0, 8)
	for rows.Next() {
		var promo domain.SeasonalPromotion
		if err := rows.Scan(&promo.Name, &promo.StartDate, &promo.EndDate, &promo.Rate, &promo.Active, &promo.CreatedAt); err != nil {
			return nil, err
		}
		promo.StartDate = promo.StartDate.UTC()
		promo.EndDate = promo.EndDate.UTC()
		promo.CreatedAt = promo.CreatedAt.UTC()
		promos = append(promos, promo)
	}
	return promos, rows.Err()
}

func (s *Store) ActivePromotion(ctx context.Context, at time.Time) (*domain.SeasonalPromotion, error) {
	var promo domain.SeasonalPromotion
	err := s.db.QueryRowContext(ctx, `
		SELECT name, start_date, end_date, rate, active, created_at
		FROM seasonal_promotions
		WHERE active = true AND start_date <= $1 AND $1 <= end_date
		LIMIT 1
	`, at.UTC()).Scan(&promo.Name, &promo.StartDate, &promo.EndDate, &promo.Rate, &promo.Active, &promo.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	promo.StartDate = promo.StartDate.UTC()
	promo.EndDate = promo.EndDate.UTC()
	promo.CreatedAt = promo.CreatedAt.UTC()
	return &promo, nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, withdrawal domain.WithdrawalRequest) (*domain.WithdrawalRequest, error) {
	if withdrawal.UserID == "" || withdrawal.OrderID == "" || withdrawal.AmountCents < 1 {
		return nil, store.ErrValidation
	}
	if withdrawal.ID == "" {
		withdrawal.ID = xid.New("wd")
	}
	withdrawal.Status = domain.WithdrawalStatusRequested
	if withdrawal.RequestedAt.IsZero() {
		withdrawal.RequestedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := moveBalanceTx(ctx, tx, withdrawal.UserID, store.BalanceAvailable, store.BalanceLocked, withdrawal.AmountCents); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (id, user_id, order_id, amount_cents, status, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, withdrawal.ID, withdrawal.UserID, withdrawal.OrderID, withdrawal.AmountCents, withdrawal.Status, withdrawal.RequestedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := withdrawal
	return &created, nil
}

const withdrawalColumns = `id, user_id, order_id, amount_cents, status, requested_at, processed_at`

func scanWithdrawal(row interface{ Scan(...any) error }) (*domain.WithdrawalRequest, error) {
	var withdrawal domain.WithdrawalRequest
	var processedAt sql.NullTime
	err := row.Scan(&withdrawal.ID, &withdrawal.UserID, &withdrawal.OrderID, &withdrawal.AmountCents,
		&withdrawal.Status, &withdrawal.RequestedAt, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if processedAt.Valid {
		at := processedAt.Time.UTC()
		withdrawal.ProcessedAt = &at
	}
	withdrawal.RequestedAt = withdrawal.RequestedAt.UTC()
	return &withdrawal, nil
}

func (s *Store) GetWithdrawalByOrder(ctx context.Context, orderID string) (*domain.WithdrawalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE order_id = $1
		ORDER BY requested_at DESC LIMIT 1
	`, orderID)
	return scanWithdrawal(row)
}

func (s *Store) ListRequestedWithdrawals(ctx context.Context) ([]domain.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE status = $1 ORDER BY requested_at
	`, domain.WithdrawalStatusRequested)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]domain.WithdrawalRequest, 0, 32)
	for rows.Next() {
		withdrawal, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *withdrawal)
	}
	return requests, rows.Err()
}

func (s *Store) ListWithdrawalsByUser(ctx context.Context, userID string) ([]domain.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE user_id = $1 ORDER BY requested_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]domain.WithdrawalRequest, 0, 16)
	for rows.Next() {
		withdrawal, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *withdrawal)
	}
	return requests, rows.Err()
}

func (s *Store) ProcessWithdrawal(ctx context.Context, withdrawalID string, at time.Time) (*domain.WithdrawalRequest, error) {
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE
	`, withdrawalID)
	withdrawal, err := scanWithdrawal(row)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status != domain.WithdrawalStatusRequested {
		return nil, store.ErrConflict
	}

	if err := moveBalanceTx(ctx, tx, withdrawal.UserID, store.BalanceLocked, store.BalanceWithdrawn, withdrawal.AmountCents); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = $2, processed_at = $3 WHERE id = $1
	`, withdrawalID, domain.WithdrawalStatusProcessed, at); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET withdrawal_processed = true WHERE id = $1
	`, withdrawal.OrderID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	withdrawal.Status = domain.WithdrawalStatusProcessed
	withdrawal.ProcessedAt = &at
	return withdrawal, nil
}

func (s *Store) RejectWithdrawal(ctx context.Context, withdrawalID string) (*domain.WithdrawalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE
	`, withdrawalID)
	withdrawal, err := scanWithdrawal(row)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status != domain.WithdrawalStatusRequested {
		return nil, store.ErrConflict
	}

	if err := moveBalanceTx(ctx, tx, withdrawal.UserID, store.BalanceLocked, store.BalanceAvailable, withdrawal.AmountCents); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = $2 WHERE id = $1
	`, withdrawalID, domain.WithdrawalStatusRejected); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	withdrawal.Status = domain.WithdrawalStatusRejected
	return withdrawal, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at BETWEEN $1 AND $2
		ORDER BY created_at DESC LIMIT $3
	`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
