package domain

import "time"

const (
	RoleCustomer  = "customer"
	RoleAffiliate = "affiliate"
	RoleMarketer  = "marketer"
	RoleAdmin     = "admin"
)

const (
	OrderStatusCreated   = "created"
	OrderStatusConfirmed = "confirmed"
)

const (
	CommissionTierSelf     = "self"
	CommissionTierDirect   = "direct"
	CommissionTierIndirect = "indirect"
	CommissionTierMarketer = "marketer"
)

const (
	CommissionStatusPending   = "pending"
	CommissionStatusCompleted = "completed"
	CommissionStatusCancelled = "cancelled"
)

const (
	WithdrawalStatusRequested = "requested"
	WithdrawalStatusProcessed = "processed"
	WithdrawalStatusRejected  = "rejected"
)

// ReferredBy links a user to the upstream referrer that recruited them.
// The date anchors the sharing period for commission splits.
type ReferredBy struct {
	UserID string    `json:"user_id"`
	Date   time.Time `json:"date"`
}

// CommissionBalance is the per-user wallet. All fields are cents and must
// stay non-negative; LifetimeCents only ever grows.
type CommissionBalance struct {
	PendingCents   int64 `json:"pending_cents"`
	AvailableCents int64 `json:"available_cents"`
	LockedCents    int64 `json:"locked_cents"`
	LifetimeCents  int64 `json:"lifetime_cents"`
	WithdrawnCents int64 `json:"withdrawn_cents"`
}

type User struct {
	ID             string            `json:"id"`
	Username       string            `json:"username"`
	Role           string            `json:"role"`
	ReferredBy     *ReferredBy       `json:"referred_by,omitempty"`
	Balance        CommissionBalance `json:"balance"`
	AssignedOrders int               `json:"assigned_orders"`
	Active         bool              `json:"active"`
	CreatedAt      time.Time         `json:"created_at"`

	// PasswordHash is internal persistence state and never serialized.
	PasswordHash string `json:"-"`
}

type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Active     bool   `json:"active"`
}

type ProductCreateRequest struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

type OrderLine struct {
	SKU            string `json:"sku"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// Order is a sale. Direct/indirect referral rates are snapshotted from the
// rate table at creation time; the marketer rate is the order-level
// delivery commission rate.
type Order struct {
	ID                  string      `json:"id"`
	BuyerID             string      `json:"buyer_id"`
	Items               []OrderLine `json:"items"`
	AmountCents         int64       `json:"amount_cents"`
	Status              string      `json:"status"`
	MarketerID          string      `json:"marketer_id,omitempty"`
	MarketerRate        float64     `json:"marketer_rate"`
	DirectRate          float64     `json:"direct_rate"`
	IndirectRate        float64     `json:"indirect_rate"`
	CommissionPosted    bool        `json:"commission_posted"`
	CommissionReleased  bool        `json:"commission_released"`
	WithdrawalProcessed bool        `json:"withdrawal_processed"`
	CreatedAt           time.Time   `json:"created_at"`
	ConfirmedAt         *time.Time  `json:"confirmed_at,omitempty"`
}

type OrderCreateRequest struct {
	BuyerID string      `json:"buyer_id,omitempty"`
	Items   []OrderLine `json:"items"`
}

type OrderResponse struct {
	Order Order `json:"order"`
}

type OrderListResponse struct {
	Orders []Order `json:"orders"`
}

// CommissionTransaction is an immutable ledger entry. At most one entry
// may exist per (UserID, OrderID) pair.
type CommissionTransaction struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	OrderID     string     `json:"order_id"`
	AmountCents int64      `json:"amount_cents"`
	Rate        float64    `json:"rate"`
	Tier        string     `json:"tier"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type CommissionListResponse struct {
	Commissions []CommissionTransaction `json:"commissions"`
}

type BalanceResponse struct {
	UserID  string            `json:"user_id"`
	Balance CommissionBalance `json:"balance"`
}

// SeasonalPromotion overrides computed commission rates inside its
// inclusive date range. Ranges of distinct promotions never overlap.
type SeasonalPromotion struct {
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Rate      float64   `json:"rate"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type PromotionUpsertRequest struct {
	Name      string  `json:"name"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
	Rate      float64 `json:"rate"`
}

type PromotionListResponse struct {
	Promotions []SeasonalPromotion `json:"promotions"`
}

// WithdrawalWindow is derived, never stored.
type WithdrawalWindow struct {
	AvailableFrom  time.Time `json:"available_from"`
	AvailableUntil time.Time `json:"available_until"`
	Active         bool      `json:"active"`
}

type WithdrawalRequest struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	OrderID     string     `json:"order_id"`
	AmountCents int64      `json:"amount_cents"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

type WithdrawalCreateRequest struct {
	OrderID string `json:"order_id"`
}

type WithdrawalResponse struct {
	Withdrawal WithdrawalRequest `json:"withdrawal"`
}

type WithdrawalListResponse struct {
	Withdrawals []WithdrawalRequest `json:"withdrawals"`
}

type EligibilityResponse struct {
	OrderID  string           `json:"order_id"`
	Eligible bool             `json:"eligible"`
	Reason   string           `json:"reason,omitempty"`
	Window   WithdrawalWindow `json:"window"`
}

type SweepResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type RegisterRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Role       string `json:"role,omitempty"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

type RegisterResponse struct {
	User        User   `json:"user"`
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	UserID      string `json:"user_id"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated principal attached to a request context.
type Actor struct {
	UserID   string
	Username string
	Role     string
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditLogListResponse struct {
	Logs []AuditLog `json:"logs"`
}
