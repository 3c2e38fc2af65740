package store

import (
	"context"
	"errors"
	"time"

	"komisiku/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWindowClosed        = errors.New("withdrawal window closed")
)

// Balance field names accepted by MoveBalance.
const (
	BalancePending   = "pending"
	BalanceAvailable = "available"
	BalanceLocked    = "locked"
	BalanceWithdrawn = "withdrawn"
)

type Repository interface {
	// Users and referral chain.
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	UpdateUserPassword(ctx context.Context, username string, passwordHash string) error
	SetReferrer(ctx context.Context, userID string, referrerID string, at time.Time) error
	ListActiveMarketers(ctx context.Context) ([]domain.User, error)
	ReferredVolumeCents(ctx context.Context, referrerID string) (int64, error)

	// Products.
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// Orders. CreateOrder also increments the assigned marketer's order
	// counter in the same transaction.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error)
	ListUnconfirmedOrdersBefore(ctx context.Context, cutoff time.Time) ([]domain.Order, error)
	ReassignOrderMarketer(ctx context.Context, orderID string, marketerID string) error

	// Commission ledger. CreateCommissionPostings inserts all entries,
	// applies the matching balance increments (pending+lifetime for
	// pending entries, available+lifetime for completed ones) and flips
	// the order's commission_posted flag, all in one transaction. A
	// duplicate (user, order) pair or an already-posted order fails the
	// whole batch with ErrConflict.
	CreateCommissionPostings(ctx context.Context, orderID string, postings []domain.CommissionTransaction) error
	// ReleaseOrderCommissions confirms the order, completes its pending
	// ledger entries and moves each beneficiary's amount pending ->
	// available atomically. A non-nil marketer posting is inserted in the
	// same transaction as a completed entry credited straight to
	// available.
	ReleaseOrderCommissions(ctx context.Context, orderID string, marketer *domain.CommissionTransaction, at time.Time) error
	ListCommissionsByUser(ctx context.Context, userID string, limit int) ([]domain.CommissionTransaction, error)
	ListCommissionsByOrder(ctx context.Context, orderID string) ([]domain.CommissionTransaction, error)
	SumLedgerByUser(ctx context.Context, userID string) (int64, error)

	// Wallet. MoveBalance shifts amountCents between two balance fields
	// of one user atomically; it fails with ErrInsufficientBalance (and
	// mutates nothing) if the source field would go negative.
	GetBalance(ctx context.Context, userID string) (domain.CommissionBalance, error)
	MoveBalance(ctx context.Context, userID string, from string, to string, amountCents int64) error

	// Seasonal promotions. Overlap and date-order constraints are
	// enforced at write time.
	UpsertPromotion(ctx context.Context, promo domain.SeasonalPromotion) (*domain.SeasonalPromotion, error)
	DeletePromotion(ctx context.Context, name string) error
	ListPromotions(ctx context.Context) ([]domain.SeasonalPromotion, error)
	ActivePromotion(ctx context.Context, at time.Time) (*domain.SeasonalPromotion, error)

	// Withdrawals. CreateWithdrawal locks available -> locked together
	// with the insert; ProcessWithdrawal moves locked -> withdrawn and
	// marks the order processed; RejectWithdrawal reverses the lock.
	CreateWithdrawal(ctx context.Context, withdrawal domain.WithdrawalRequest) (*domain.WithdrawalRequest, error)
	GetWithdrawalByOrder(ctx context.Context, orderID string) (*domain.WithdrawalRequest, error)
	ListRequestedWithdrawals(ctx context.Context) ([]domain.WithdrawalRequest, error)
	ListWithdrawalsByUser(ctx context.Context, userID string) ([]domain.WithdrawalRequest, error)
	ProcessWithdrawal(ctx context.Context, withdrawalID string, at time.Time) (*domain.WithdrawalRequest, error)
	RejectWithdrawal(ctx context.Context, withdrawalID string) (*domain.WithdrawalRequest, error)

	// Audit.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}
