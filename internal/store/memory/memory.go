package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"komisiku/backend/internal/domain"
	"komisiku/backend/internal/logger"
	"komisiku/backend/internal/store"
	"komisiku/backend/internal/xid"
)

type Store struct {
	mu                sync.RWMutex
	usersByID         map[string]*domain.User
	userIDByUsername  map[string]string
	products          map[string]domain.Product
	ordersByID        map[string]*domain.Order
	ledger            map[string]domain.CommissionTransaction
	ledgerKeys        map[string]string // userID|orderID -> ledger ID
	promosByName      map[string]domain.SeasonalPromotion
	withdrawalsByID   map[string]*domain.WithdrawalRequest
	withdrawalByOrder map[string]string
	auditLogs         []domain.AuditLog
}

// seedUsers builds the initial accounts for dev/demo mode. Passwords come
// from SEED_ADMIN_PASSWORD and SEED_MARKETER_PASSWORD; hardcoded dev
// defaults apply when unset. Production deployments use PostgreSQL.
func seedUsers() []domain.User {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	marketerPwd := envOr("SEED_MARKETER_PASSWORD", "marketer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MARKETER_PASSWORD") == "" {
		logger.Log.Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_MARKETER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.User, 0, 3)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"marketer-a", marketerPwd, domain.RoleMarketer},
		{"marketer-b", marketerPwd, domain.RoleMarketer},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Log.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users = append(users, domain.User{
			ID:           uuid.NewString(),
			Username:     u.username,
			Role:         u.role,
			PasswordHash: string(hash),
			Active:       true,
			CreatedAt:    now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	products := []domain.Product{
		{SKU: "SKU-HP-01", Name: "Ponsel Andal X2", Category: "electronics", PriceCents: 2_450_000, Active: true},
		{SKU: "SKU-TV-01", Name: "Smart TV 43\"", Category: "electronics", PriceCents: 4_100_000, Active: true},
		{SKU: "SKU-BLENDER-01", Name: "Blender Dapur", Category: "appliance", PriceCents: 389_000, Active: true},
		{SKU: "SKU-SEPATU-01", Name: "Sepatu Lari", Category: "fashion", PriceCents: 520_000, Active: true},
		{SKU: "SKU-TAS-01", Name: "Tas Ransel", Category: "fashion", PriceCents: 275_000, Active: true},
		{SKU: "SKU-KIPAS-01", Name: "Kipas Angin", Category: "appliance", PriceCents: 310_000, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.SKU] = p
	}

	s := &Store{
		usersByID:         make(map[string]*domain.User),
		userIDByUsername:  make(map[string]string),
		products:          productMap,
		ordersByID:        make(map[string]*domain.Order),
		ledger:            make(map[string]domain.CommissionTransaction),
		ledgerKeys:        make(map[string]string),
		promosByName:      make(map[string]domain.SeasonalPromotion),
		withdrawalsByID:   make(map[string]*domain.WithdrawalRequest),
		withdrawalByOrder: make(map[string]string),
		auditLogs:         make([]domain.AuditLog, 0, 128),
	}

	for _, u := range seedUsers() {
		user := u
		s.usersByID[user.ID] = &user
		s.userIDByUsername[user.Username] = user.ID
	}

	return s
}

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.PasswordHash == "" || user.Role == "" {
		return nil, store.ErrValidation
	}
	if _, exists := s.userIDByUsername[user.Username]; exists {
		return nil, store.ErrConflict
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	if user.ReferredBy != nil {
		referrer, exists := s.usersByID[user.ReferredBy.UserID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if referrer.ID == user.ID {
			return nil, store.ErrValidation
		}
	}

	stored := user
	s.usersByID[stored.ID] = &stored
	s.userIDByUsername[stored.Username] = stored.ID

	created := stored
	return &created, nil
}

func (s *Store) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUserLocked(userID)
}

func (s *Store) getUserLocked(userID string) (*domain.User, error) {
	user, exists := s.usersByID[userID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.userIDByUsername[username]
	if !exists {
		return nil, store.ErrNotFound
	}
	return s.getUserLocked(id)
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.userIDByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	s.usersByID[id].PasswordHash = passwordHash
	return nil
}

func (s *Store) SetReferrer(_ context.Context, userID string, referrerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userID == referrerID {
		return store.ErrValidation
	}
	user, exists := s.usersByID[userID]
	if !exists {
		return store.ErrNotFound
	}
	if _, exists := s.usersByID[referrerID]; !exists {
		return store.ErrNotFound
	}
	if user.ReferredBy != nil {
		return store.ErrConflict
	}

	user.ReferredBy = &domain.ReferredBy{UserID: referrerID, Date: at.UTC()}
	return nil
}

func (s *Store) ListActiveMarketers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	marketers := make([]domain.User, 0, 8)
	for _, user := range s.usersByID {
		if user.Role != domain.RoleMarketer || !user.Active {
			continue
		}
		marketers = append(marketers, *user)
	}
	slices.SortFunc(marketers, func(a, b domain.User) int {
		if a.AssignedOrders != b.AssignedOrders {
			return a.AssignedOrders - b.AssignedOrders
		}
		return strings.Compare(a.Username, b.Username)
	})
	return marketers, nil
}

func (s *Store) ReferredVolumeCents(_ context.Context, referrerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, order := range s.ordersByID {
		if order.Status != domain.OrderStatusConfirmed {
			continue
		}
		buyer, exists := s.usersByID[order.BuyerID]
		if !exists || buyer.ReferredBy == nil || buyer.ReferredBy.UserID != referrerID {
			continue
		}
		total += order.AmountCents
	}
	return total, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if _, exists := s.products[product.SKU]; exists {
		return nil, store.ErrConflict
	}

	product.Active = true
	s.products[product.SKU] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, exists := s.products[sku]; exists && p.Active {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.Category == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if _, exists := s.products[product.SKU]; !exists {
		return nil, store.ErrNotFound
	}

	s.products[product.SKU] = product
	updated := product
	return &updated, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.BuyerID == "" || order.AmountCents < 1 || len(order.Items) == 0 {
		return nil, store.ErrValidation
	}
	if _, exists := s.usersByID[order.BuyerID]; !exists {
		return nil, store.ErrNotFound
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, store.ErrConflict
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusCreated
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	if order.MarketerID != "" {
		marketer, exists := s.usersByID[order.MarketerID]
		if !exists {
			return nil, store.ErrNotFound
		}
		marketer.AssignedOrders++
	}

	stored := order
	s.ordersByID[stored.ID] = &stored
	created := stored
	return &created, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (s *Store) ListOrdersByUser(_ context.Context, userID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, 16)
	for _, order := range s.ordersByID {
		if order.BuyerID == userID {
			orders = append(orders, *order)
		}
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return orders, nil
}

func (s *Store) ListUnconfirmedOrdersBefore(_ context.Context, cutoff time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, 16)
	for _, order := range s.ordersByID {
		if order.Status == domain.OrderStatusCreated && order.CreatedAt.Before(cutoff) {
			orders = append(orders, *order)
		}
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return orders, nil
}

func (s *Store) ReassignOrderMarketer(_ context.Context, orderID string, marketerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return store.ErrNotFound
	}
	next, exists := s.usersByID[marketerID]
	if !exists || next.Role != domain.RoleMarketer {
		return store.ErrNotFound
	}
	if order.Status != domain.OrderStatusCreated {
		return store.ErrConflict
	}

	if prev, exists := s.usersByID[order.MarketerID]; exists && prev.AssignedOrders > 0 {
		prev.AssignedOrders--
	}
	next.AssignedOrders++
	order.MarketerID = marketerID
	return nil
}

func ledgerKey(userID, orderID string) string {
	return userID + "|" + orderID
}

func (s *Store) CreateCommissionPostings(_ context.Context, orderID string, postings []domain.CommissionTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return store.ErrNotFound
	}
	if order.CommissionPosted {
		return store.ErrConflict
	}

	// Validate the whole batch before mutating anything so a failure
	// leaves balances and ledger untouched.
	for _, posting := range postings {
		if posting.UserID == "" || posting.OrderID != orderID || posting.AmountCents < 0 {
			return store.ErrValidation
		}
		if _, exists := s.usersByID[posting.UserID]; !exists {
			return store.ErrNotFound
		}
		if _, exists := s.ledgerKeys[ledgerKey(posting.UserID, orderID)]; exists {
			return store.ErrConflict
		}
	}

	now := time.Now().UTC()
	for _, posting := range postings {
		if posting.ID == "" {
			posting.ID = xid.New("ctx")
		}
		if posting.CreatedAt.IsZero() {
			posting.CreatedAt = now
		}

		user := s.usersByID[posting.UserID]
		switch posting.Status {
		case domain.CommissionStatusCompleted:
			user.Balance.AvailableCents += posting.AmountCents
			completedAt := now
			posting.CompletedAt = &completedAt
		default:
			posting.Status = domain.CommissionStatusPending
			user.Balance.PendingCents += posting.AmountCents
		}
		user.Balance.LifetimeCents += posting.AmountCents

		s.ledger[posting.ID] = posting
		s.ledgerKeys[ledgerKey(posting.UserID, orderID)] = posting.ID
	}

	order.CommissionPosted = true
	return nil
}

func (s *Store) ReleaseOrderCommissions(_ context.Context, orderID string, marketer *domain.CommissionTransaction, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return store.ErrNotFound
	}
	if order.Status == domain.OrderStatusConfirmed || order.CommissionReleased {
		return store.ErrConflict
	}

	if marketer != nil {
		if marketer.UserID == "" || marketer.OrderID != orderID || marketer.AmountCents < 0 {
			return store.ErrValidation
		}
		if _, exists := s.usersByID[marketer.UserID]; !exists {
			return store.ErrNotFound
		}
		if _, exists := s.ledgerKeys[ledgerKey(marketer.UserID, orderID)]; exists {
			return store.ErrConflict
		}
	}

	at = at.UTC()
	for id, entry := range s.ledger {
		if entry.OrderID != orderID || entry.Status != domain.CommissionStatusPending {
			continue
		}
		user, exists := s.usersByID[entry.UserID]
		if !exists {
			return store.ErrNotFound
		}
		if user.Balance.PendingCents < entry.AmountCents {
			return store.ErrInsufficientBalance
		}
		user.Balance.PendingCents -= entry.AmountCents
		user.Balance.AvailableCents += entry.AmountCents

		entry.Status = domain.CommissionStatusCompleted
		completedAt := at
		entry.CompletedAt = &completedAt
		s.ledger[id] = entry
	}

	if marketer != nil {
		entry := *marketer
		if entry.ID == "" {
			entry.ID = xid.New("ctx")
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = at
		}
		entry.Status = domain.CommissionStatusCompleted
		completedAt := at
		entry.CompletedAt = &completedAt

		user := s.usersByID[entry.UserID]
		user.Balance.AvailableCents += entry.AmountCents
		user.Balance.LifetimeCents += entry.AmountCents

		s.ledger[entry.ID] = entry
		s.ledgerKeys[ledgerKey(entry.UserID, orderID)] = entry.ID
	}

	order.Status = domain.OrderStatusConfirmed
	order.CommissionReleased = true
	order.ConfirmedAt = &at
	return nil
}

func (s *Store) ListCommissionsByUser(_ context.Context, userID string, limit int) ([]domain.CommissionTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CommissionTransaction, 0, 16)
	for _, entry := range s.ledger {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	slices.SortFunc(entries, func(a, b domain.CommissionTransaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) ListCommissionsByOrder(_ context.Context, orderID string) ([]domain.CommissionTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CommissionTransaction, 0, 3)
	for _, entry := range s.ledger {
		if entry.OrderID == orderID {
			entries = append(entries, entry)
		}
	}
	slices.SortFunc(entries, func(a, b domain.CommissionTransaction) int {
		return strings.Compare(a.Tier, b.Tier)
	})
	return entries, nil
}

func (s *Store) SumLedgerByUser(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, entry := range s.ledger {
		if entry.UserID != userID || entry.Status == domain.CommissionStatusCancelled {
			continue
		}
		total += entry.AmountCents
	}
	return total, nil
}

func (s *Store) GetBalance(_ context.Context, userID string) (domain.CommissionBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByID[userID]
	if !exists {
		return domain.CommissionBalance{}, store.ErrNotFound
	}
	return user.Balance, nil
}

func (s *Store) MoveBalance(_ context.Context, userID string, from string, to string, amountCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByID[userID]
	if !exists {
		return store.ErrNotFound
	}
	return moveBalance(&user.Balance, from, to, amountCents)
}

func moveBalance(balance *domain.CommissionBalance, from string, to string, amountCents int64) error {
	if amountCents <= 0 || from == to {
		return store.ErrValidation
	}

	source := balanceField(balance, from)
	target := balanceField(balance, to)
	if source == nil || target == nil {
		return store.ErrValidation
	}
	if *source < amountCents {
		return store.ErrInsufficientBalance
	}

	*source -= amountCents
	*target += amountCents
	return nil
}

func balanceField(balance *domain.CommissionBalance, name string) *int64 {
	switch name {
	case store.BalancePending:
		return &balance.PendingCents
	case store.BalanceAvailable:
		return &balance.AvailableCents
	case store.BalanceLocked:
		return &balance.LockedCents
	case store.BalanceWithdrawn:
		return &balance.WithdrawnCents
	}
	return nil
}

func (s *Store) UpsertPromotion(_ context.Context, promo domain.SeasonalPromotion) (*domain.SeasonalPromotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if promo.Name == "" || promo.Rate <= 0 || !promo.StartDate.Before(promo.EndDate) {
		return nil, store.ErrValidation
	}

	for name, existing := range s.promosByName {
		if name == promo.Name {
			continue
		}
		if rangesOverlap(promo.StartDate, promo.EndDate, existing.StartDate, existing.EndDate) {
			return nil, store.ErrConflict
		}
	}

	if promo.CreatedAt.IsZero() {
		promo.CreatedAt = time.Now().UTC()
	}
	promo.Active = true
	s.promosByName[promo.Name] = promo
	saved := promo
	return &saved, nil
}

func rangesOverlap(aFrom, aTo, bFrom, bTo time.Time) bool {
	return !aFrom.After(bTo) && !bFrom.After(aTo)
}

func (s *Store) DeletePromotion(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.promosByName[name]; !exists {
		return store.ErrNotFound
	}
	delete(s.promosByName, name)
	return nil
}

func (s *Store) ListPromotions(_ context.Context) ([]domain.SeasonalPromotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	promos := make([]domain.SeasonalPromotion, 0, len(s.promosByName))
	for _, promo := range s.promosByName {
		promos = append(promos, promo)
	}
	slices.SortFunc(promos, func(a, b domain.SeasonalPromotion) int {
		return a.StartDate.Compare(b.StartDate)
	})
	return promos, nil
}

func (s *Store) ActivePromotion(_ context.Context, at time.Time) (*domain.SeasonalPromotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, promo := range s.promosByName {
		if !promo.Active {
			continue
		}
		if !at.Before(promo.StartDate) && !at.After(promo.EndDate) {
			found := promo
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateWithdrawal(_ context.Context, withdrawal domain.WithdrawalRequest) (*domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if withdrawal.UserID == "" || withdrawal.OrderID == "" || withdrawal.AmountCents < 1 {
		return nil, store.ErrValidation
	}
	user, exists := s.usersByID[withdrawal.UserID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.ordersByID[withdrawal.OrderID]; !exists {
		return nil, store.ErrNotFound
	}

	if existingID, exists := s.withdrawalByOrder[withdrawal.OrderID]; exists {
		if existing := s.withdrawalsByID[existingID]; existing.Status != domain.WithdrawalStatusRejected {
			return nil, store.ErrConflict
		}
	}

	if err := moveBalance(&user.Balance, store.BalanceAvailable, store.BalanceLocked, withdrawal.AmountCents); err != nil {
		return nil, err
	}

	if withdrawal.ID == "" {
		withdrawal.ID = xid.New("wd")
	}
	withdrawal.Status = domain.WithdrawalStatusRequested
	if withdrawal.RequestedAt.IsZero() {
		withdrawal.RequestedAt = time.Now().UTC()
	}

	stored := withdrawal
	s.withdrawalsByID[stored.ID] = &stored
	s.withdrawalByOrder[stored.OrderID] = stored.ID
	created := stored
	return &created, nil
}

func (s *Store) GetWithdrawalByOrder(_ context.Context, orderID string) (*domain.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.withdrawalByOrder[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copied := *s.withdrawalsByID[id]
	return &copied, nil
}

func (s *Store) ListRequestedWithdrawals(_ context.Context) ([]domain.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requests := make([]domain.WithdrawalRequest, 0, 16)
	for _, withdrawal := range s.withdrawalsByID {
		if withdrawal.Status == domain.WithdrawalStatusRequested {
			requests = append(requests, *withdrawal)
		}
	}
	slices.SortFunc(requests, func(a, b domain.WithdrawalRequest) int {
		return a.RequestedAt.Compare(b.RequestedAt)
	})
	return requests, nil
}

func (s *Store) ListWithdrawalsByUser(_ context.Context, userID string) ([]domain.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requests := make([]domain.WithdrawalRequest, 0, 8)
	for _, withdrawal := range s.withdrawalsByID {
		if withdrawal.UserID == userID {
			requests = append(requests, *withdrawal)
		}
	}
	slices.SortFunc(requests, func(a, b domain.WithdrawalRequest) int {
		return b.RequestedAt.Compare(a.RequestedAt)
	})
	return requests, nil
}

func (s *Store) ProcessWithdrawal(_ context.Context, withdrawalID string, at time.Time) (*domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	withdrawal, exists := s.withdrawalsByID[withdrawalID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if withdrawal.Status != domain.WithdrawalStatusRequested {
		return nil, store.ErrConflict
	}
	user, exists := s.usersByID[withdrawal.UserID]
	if !exists {
		return nil, store.ErrNotFound
	}
	order, exists := s.ordersByID[withdrawal.OrderID]
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := moveBalance(&user.Balance, store.BalanceLocked, store.BalanceWithdrawn, withdrawal.AmountCents); err != nil {
		return nil, err
	}

	at = at.UTC()
	withdrawal.Status = domain.WithdrawalStatusProcessed
	withdrawal.ProcessedAt = &at
	order.WithdrawalProcessed = true

	copied := *withdrawal
	return &copied, nil
}

func (s *Store) RejectWithdrawal(_ context.Context, withdrawalID string) (*domain.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	withdrawal, exists := s.withdrawalsByID[withdrawalID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if withdrawal.Status != domain.WithdrawalStatusRequested {
		return nil, store.ErrConflict
	}
	user, exists := s.usersByID[withdrawal.UserID]
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := moveBalance(&user.Balance, store.BalanceLocked, store.BalanceAvailable, withdrawal.AmountCents); err != nil {
		return nil, err
	}

	withdrawal.Status = domain.WithdrawalStatusRejected
	copied := *withdrawal
	return &copied, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}
