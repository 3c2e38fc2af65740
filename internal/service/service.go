package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"komisiku/backend/internal/cache"
	"komisiku/backend/internal/commission"
	"komisiku/backend/internal/domain"
	"komisiku/backend/internal/logger"
	"komisiku/backend/internal/store"
	"komisiku/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// DefaultMarketerRate is the delivery commission snapshotted onto every
// order at creation.
const DefaultMarketerRate = 0.02

const activePromoCacheKey = "promo:active"

type Service struct {
	repo       store.Repository
	promoCache cache.PromotionCache
	rateTable  commission.RateTable
	promoTTL   time.Duration

	// now is swapped out by tests that pin window and sharing-period
	// boundaries.
	now func() time.Time
}

func New(repo store.Repository, promoCache cache.PromotionCache, rateTable commission.RateTable, promoTTL time.Duration) *Service {
	if promoCache == nil {
		promoCache = cache.NoopPromotionCache{}
	}
	if len(rateTable) == 0 {
		rateTable = commission.DefaultTable()
	}
	if promoTTL < time.Second {
		promoTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		promoCache: promoCache,
		rateTable:  rateTable,
		promoTTL:   promoTTL,
		now:        time.Now,
	}
}

// Register creates an account and, when referrerID is set, anchors the
// referral sharing period at registration time. The password arrives
// already hashed; the auth layer owns bcrypt.
func (s *Service) Register(ctx context.Context, username string, passwordHash string, role string, referrerID string) (*domain.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	role = strings.TrimSpace(role)
	if role == "" {
		role = domain.RoleCustomer
	}
	if username == "" || passwordHash == "" {
		return nil, store.ErrValidation
	}

	switch role {
	case domain.RoleCustomer, domain.RoleAffiliate:
	case domain.RoleMarketer, domain.RoleAdmin:
		actor, ok := ActorFromContext(ctx)
		if !ok || actor.Role != domain.RoleAdmin {
			return nil, fmt.Errorf("admin role required")
		}
	default:
		return nil, store.ErrValidation
	}

	user := domain.User{
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		Active:       true,
		CreatedAt:    s.now().UTC(),
	}

	if referrerID != "" {
		referrer, err := s.repo.GetUser(ctx, referrerID)
		if err != nil {
			return nil, err
		}
		user.ReferredBy = &domain.ReferredBy{UserID: referrer.ID, Date: user.CreatedAt}
	}

	created, err := s.repo.CreateUser(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "user_register", "user", created.ID, fmt.Sprintf("role=%s,referrer=%s", created.Role, referrerID))
	return created, nil
}

// AttachReferrer links an existing account to a referrer. Used when the
// referral code arrives after signup. Re-referral is rejected by the
// store with ErrConflict.
func (s *Service) AttachReferrer(ctx context.Context, userID string, referrerID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("authentication required")
	}
	if actor.Role != domain.RoleAdmin && actor.UserID != userID {
		return fmt.Errorf("cannot attach referrer for another user")
	}
	if userID == "" || referrerID == "" {
		return store.ErrValidation
	}

	if err := s.repo.SetReferrer(ctx, userID, referrerID, s.now().UTC()); err != nil {
		return err
	}
	s.logAudit(ctx, "referrer_attach", "user", userID, fmt.Sprintf("referrer=%s", referrerID))
	return nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.repo.GetUser(ctx, userID)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.SKU == "" || req.Name == "" || req.Category == "" || req.PriceCents < 1 {
		return domain.Product{}, store.ErrValidation
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Active:     true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.SKU, fmt.Sprintf("name=%s,price=%d", created.Name, created.PriceCents))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, sku string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return domain.Product{}, store.ErrValidation
	}

	products, err := s.repo.GetProductsBySKUs(ctx, []string{sku})
	if err != nil {
		return domain.Product{}, err
	}
	existing, exists := products[sku]
	if !exists {
		return domain.Product{}, store.ErrNotFound
	}

	updated := existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Category = category
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrValidation
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.SKU, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.PriceCents))
	return *saved, nil
}

// CreateOrder records a sale, assigns the least-loaded active marketer,
// snapshots the referral rates in force at sale time, and posts the
// commission plan.
func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.OrderResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.OrderResponse{}, fmt.Errorf("authentication required")
	}

	buyerID := strings.TrimSpace(req.BuyerID)
	if buyerID == "" {
		buyerID = actor.UserID
	}
	if buyerID != actor.UserID && actor.Role != domain.RoleAdmin {
		return domain.OrderResponse{}, fmt.Errorf("cannot order on behalf of another user")
	}

	buyer, err := s.repo.GetUser(ctx, buyerID)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	items := normalizeItems(req.Items)
	if len(items) == 0 {
		return domain.OrderResponse{}, store.ErrValidation
	}

	skus := make([]string, 0, len(items))
	for _, line := range items {
		skus = append(skus, line.SKU)
	}
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	var amountCents int64
	for i, line := range items {
		product, exists := products[line.SKU]
		if !exists {
			return domain.OrderResponse{}, store.ErrValidation
		}
		items[i].UnitPriceCents = product.PriceCents
		amountCents += int64(line.Qty) * product.PriceCents
	}

	now := s.now().UTC()
	order := domain.Order{
		ID:           xid.New("ord"),
		BuyerID:      buyer.ID,
		Items:        items,
		AmountCents:  amountCents,
		Status:       domain.OrderStatusCreated,
		MarketerRate: DefaultMarketerRate,
		CreatedAt:    now,
	}

	if marketer, err := s.leastLoadedMarketer(ctx, ""); err == nil {
		order.MarketerID = marketer.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.OrderResponse{}, err
	}

	direct, indirect, err := s.resolveReferralChain(ctx, buyer)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if direct != nil {
		order.DirectRate = s.rateTable.RatesFor(direct.VolumeCents).Direct
	}
	if indirect != nil {
		order.IndirectRate = s.rateTable.RatesFor(indirect.VolumeCents).Indirect
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	if err := s.postOrderCommissions(ctx, created, buyer, direct, indirect); err != nil {
		return domain.OrderResponse{}, err
	}

	posted, err := s.repo.GetOrder(ctx, created.ID)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "order_create", "order", created.ID, fmt.Sprintf("buyer=%s,amount=%d,marketer=%s", created.BuyerID, created.AmountCents, created.MarketerID))
	return domain.OrderResponse{Order: *posted}, nil
}

// PostOrderCommissions re-runs commission posting for an order, used by
// admins when posting failed at creation. An already-posted order is
// rejected with ErrConflict.
func (s *Service) PostOrderCommissions(ctx context.Context, orderID string) ([]domain.CommissionTransaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CommissionPosted {
		return nil, store.ErrConflict
	}

	buyer, err := s.repo.GetUser(ctx, order.BuyerID)
	if err != nil {
		return nil, err
	}
	direct, indirect, err := s.resolveReferralChain(ctx, buyer)
	if err != nil {
		return nil, err
	}

	if err := s.postOrderCommissions(ctx, order, buyer, direct, indirect); err != nil {
		return nil, err
	}
	return s.repo.ListCommissionsByOrder(ctx, orderID)
}

func (s *Service) postOrderCommissions(ctx context.Context, order *domain.Order, buyer *domain.User, direct *commission.Referrer, indirect *commission.Referrer) error {
	promoRate, err := s.activePromotionRate(ctx, order.CreatedAt)
	if err != nil {
		return err
	}

	plan := commission.BuildPlan(commission.Sale{
		OrderID:              order.ID,
		BuyerID:              buyer.ID,
		AmountCents:          order.AmountCents,
		At:                   order.CreatedAt,
		SnapshotDirectRate:   order.DirectRate,
		SnapshotIndirectRate: order.IndirectRate,
	}, buyer.ReferredBy, direct, indirect, s.rateTable, promoRate)

	postings := make([]domain.CommissionTransaction, 0, len(plan))
	for _, p := range plan {
		postings = append(postings, domain.CommissionTransaction{
			ID:          xid.New("ctx"),
			UserID:      p.UserID,
			OrderID:     order.ID,
			AmountCents: p.AmountCents,
			Rate:        p.Rate,
			Tier:        p.Tier,
			Status:      domain.CommissionStatusPending,
			CreatedAt:   order.CreatedAt,
		})
	}

	return s.repo.CreateCommissionPostings(ctx, order.ID, postings)
}

func (s *Service) resolveReferralChain(ctx context.Context, buyer *domain.User) (*commission.Referrer, *commission.Referrer, error) {
	if buyer.ReferredBy == nil {
		return nil, nil, nil
	}

	directUser, err := s.repo.GetUser(ctx, buyer.ReferredBy.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	directVolume, err := s.repo.ReferredVolumeCents(ctx, directUser.ID)
	if err != nil {
		return nil, nil, err
	}
	direct := &commission.Referrer{UserID: directUser.ID, VolumeCents: directVolume}

	if directUser.ReferredBy == nil {
		return direct, nil, nil
	}
	indirectUser, err := s.repo.GetUser(ctx, directUser.ReferredBy.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return direct, nil, nil
		}
		return nil, nil, err
	}
	indirectVolume, err := s.repo.ReferredVolumeCents(ctx, indirectUser.ID)
	if err != nil {
		return nil, nil, err
	}

	return direct, &commission.Referrer{UserID: indirectUser.ID, VolumeCents: indirectVolume}, nil
}

// ConfirmDelivery matures the order's referral commissions and credits
// the marketer's delivery commission straight to available.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.OrderResponse{}, fmt.Errorf("authentication required")
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if order.BuyerID != actor.UserID && actor.Role != domain.RoleAdmin {
		return domain.OrderResponse{}, fmt.Errorf("only the buyer can confirm delivery")
	}

	now := s.now().UTC()
	var marketer *domain.CommissionTransaction
	if order.MarketerID != "" && order.MarketerRate > 0 {
		marketer = &domain.CommissionTransaction{
			ID:          xid.New("ctx"),
			UserID:      order.MarketerID,
			OrderID:     order.ID,
			AmountCents: commission.Amount(order.AmountCents, order.MarketerRate),
			Rate:        order.MarketerRate,
			Tier:        domain.CommissionTierMarketer,
			CreatedAt:   now,
		}
	}

	if err := s.repo.ReleaseOrderCommissions(ctx, orderID, marketer, now); err != nil {
		return domain.OrderResponse{}, err
	}

	confirmed, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "order_confirm", "order", orderID, fmt.Sprintf("marketer=%s", order.MarketerID))
	return domain.OrderResponse{Order: *confirmed}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.OrderResponse{}, fmt.Errorf("authentication required")
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if order.BuyerID != actor.UserID && actor.Role != domain.RoleAdmin {
		return domain.OrderResponse{}, store.ErrNotFound
	}
	return domain.OrderResponse{Order: *order}, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string) (domain.OrderListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.OrderListResponse{}, fmt.Errorf("authentication required")
	}
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID && actor.Role != domain.RoleAdmin {
		return domain.OrderListResponse{}, fmt.Errorf("cannot list orders of another user")
	}

	orders, err := s.repo.ListOrdersByUser(ctx, userID)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	return domain.OrderListResponse{Orders: orders}, nil
}

func (s *Service) ListCommissions(ctx context.Context, userID string, limit int) (domain.CommissionListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.CommissionListResponse{}, fmt.Errorf("authentication required")
	}
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID && actor.Role != domain.RoleAdmin {
		return domain.CommissionListResponse{}, fmt.Errorf("cannot list commissions of another user")
	}

	entries, err := s.repo.ListCommissionsByUser(ctx, userID, limit)
	if err != nil {
		return domain.CommissionListResponse{}, err
	}
	return domain.CommissionListResponse{Commissions: entries}, nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (domain.BalanceResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.BalanceResponse{}, fmt.Errorf("authentication required")
	}
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID && actor.Role != domain.RoleAdmin {
		return domain.BalanceResponse{}, fmt.Errorf("cannot read balance of another user")
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return domain.BalanceResponse{}, err
	}
	return domain.BalanceResponse{UserID: userID, Balance: balance}, nil
}

// ReconcileLedger compares a user's lifetime balance against the sum of
// their non-cancelled ledger entries.
func (s *Service) ReconcileLedger(ctx context.Context, userID string) (lifetimeCents int64, ledgerCents int64, err error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return 0, 0, fmt.Errorf("admin role required")
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	sum, err := s.repo.SumLedgerByUser(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	return balance.LifetimeCents, sum, nil
}

func (s *Service) UpsertPromotion(ctx context.Context, req domain.PromotionUpsertRequest) (domain.SeasonalPromotion, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.SeasonalPromotion{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Rate <= 0 || req.Rate > 1 {
		return domain.SeasonalPromotion{}, store.ErrValidation
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return domain.SeasonalPromotion{}, store.ErrValidation
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return domain.SeasonalPromotion{}, store.ErrValidation
	}

	saved, err := s.repo.UpsertPromotion(ctx, domain.SeasonalPromotion{
		Name:      req.Name,
		StartDate: start.UTC(),
		// The end date is inclusive.
		EndDate:   end.UTC().Add(24*time.Hour - time.Second),
		Rate:      req.Rate,
		Active:    true,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return domain.SeasonalPromotion{}, err
	}

	if err := s.promoCache.Invalidate(ctx, activePromoCacheKey); err != nil {
		logger.Log.Warn("failed to invalidate promotion cache", zap.Error(err))
	}

	s.logAudit(ctx, "promotion_upsert", "promotion", saved.Name, fmt.Sprintf("rate=%.4f,start=%s,end=%s", saved.Rate, req.StartDate, req.EndDate))
	return *saved, nil
}

func (s *Service) DeletePromotion(ctx context.Context, name string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return store.ErrValidation
	}
	if err := s.repo.DeletePromotion(ctx, name); err != nil {
		return err
	}

	if err := s.promoCache.Invalidate(ctx, activePromoCacheKey); err != nil {
		logger.Log.Warn("failed to invalidate promotion cache", zap.Error(err))
	}

	s.logAudit(ctx, "promotion_delete", "promotion", name, "")
	return nil
}

func (s *Service) ListPromotions(ctx context.Context) (domain.PromotionListResponse, error) {
	promos, err := s.repo.ListPromotions(ctx)
	if err != nil {
		return domain.PromotionListResponse{}, err
	}
	return domain.PromotionListResponse{Promotions: promos}, nil
}

func (s *Service) activePromotionRate(ctx context.Context, at time.Time) (float64, error) {
	promo, hit, err := s.promoCache.Get(ctx, activePromoCacheKey)
	if err != nil {
		logger.Log.Warn("promotion cache read failed", zap.Error(err))
	} else if hit {
		if promo == nil {
			return 0, nil
		}
		if promoCovers(promo, at) {
			return promo.Rate, nil
		}
		// Cached promotion expired; fall through to the store.
	}

	promo, err = s.repo.ActivePromotion(ctx, at)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if cacheErr := s.promoCache.Set(ctx, activePromoCacheKey, nil, s.promoTTL); cacheErr != nil {
				logger.Log.Warn("promotion cache write failed", zap.Error(cacheErr))
			}
			return 0, nil
		}
		return 0, err
	}

	if cacheErr := s.promoCache.Set(ctx, activePromoCacheKey, promo, s.promoTTL); cacheErr != nil {
		logger.Log.Warn("promotion cache write failed", zap.Error(cacheErr))
	}
	return promo.Rate, nil
}

func promoCovers(promo *domain.SeasonalPromotion, at time.Time) bool {
	return !at.Before(promo.StartDate) && !at.After(promo.EndDate)
}

func (s *Service) GetWithdrawalWindow(_ context.Context) domain.WithdrawalWindow {
	return commission.ComputeWindow(s.now())
}

// CheckEligibility reports whether the actor can withdraw the commission
// they earned on an order, and why not otherwise.
func (s *Service) CheckEligibility(ctx context.Context, orderID string) (domain.EligibilityResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.EligibilityResponse{}, fmt.Errorf("authentication required")
	}

	window := commission.ComputeWindow(s.now())
	resp := domain.EligibilityResponse{OrderID: orderID, Window: window}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.EligibilityResponse{}, err
	}
	if order.WithdrawalProcessed {
		resp.Reason = "withdrawal already processed for this order"
		return resp, nil
	}
	if !order.CommissionReleased {
		resp.Reason = "order commission not released yet"
		return resp, nil
	}

	entry, err := s.completedEntryFor(ctx, actor.UserID, orderID)
	if err != nil {
		return domain.EligibilityResponse{}, err
	}
	if entry == nil {
		resp.Reason = "no completed commission for this order"
		return resp, nil
	}

	if existing, err := s.repo.GetWithdrawalByOrder(ctx, orderID); err == nil {
		if existing.Status != domain.WithdrawalStatusRejected {
			resp.Reason = "withdrawal already requested for this order"
			return resp, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.EligibilityResponse{}, err
	}

	if !window.Active {
		resp.Reason = "withdrawal window closed"
		return resp, nil
	}

	resp.Eligible = true
	return resp, nil
}

func (s *Service) completedEntryFor(ctx context.Context, userID string, orderID string) (*domain.CommissionTransaction, error) {
	entries, err := s.repo.ListCommissionsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.UserID == userID && entry.Status == domain.CommissionStatusCompleted {
			found := entry
			return &found, nil
		}
	}
	return nil, nil
}

// RequestWithdrawal locks the actor's completed commission for an order
// pending admin processing. Outside an active window the request fails
// with ErrWindowClosed regardless of other eligibility.
func (s *Service) RequestWithdrawal(ctx context.Context, req domain.WithdrawalCreateRequest) (domain.WithdrawalResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.WithdrawalResponse{}, fmt.Errorf("authentication required")
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.WithdrawalResponse{}, store.ErrValidation
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.WithdrawalResponse{}, err
	}
	if order.WithdrawalProcessed {
		return domain.WithdrawalResponse{}, store.ErrConflict
	}
	if !order.CommissionReleased {
		return domain.WithdrawalResponse{}, store.ErrValidation
	}

	entry, err := s.completedEntryFor(ctx, actor.UserID, orderID)
	if err != nil {
		return domain.WithdrawalResponse{}, err
	}
	if entry == nil {
		return domain.WithdrawalResponse{}, store.ErrNotFound
	}

	if window := commission.ComputeWindow(s.now()); !window.Active {
		return domain.WithdrawalResponse{}, store.ErrWindowClosed
	}

	created, err := s.repo.CreateWithdrawal(ctx, domain.WithdrawalRequest{
		ID:          xid.New("wd"),
		UserID:      actor.UserID,
		OrderID:     orderID,
		AmountCents: entry.AmountCents,
		Status:      domain.WithdrawalStatusRequested,
		RequestedAt: s.now().UTC(),
	})
	if err != nil {
		return domain.WithdrawalResponse{}, err
	}

	s.logAudit(ctx, "withdrawal_request", "withdrawal", created.ID, fmt.Sprintf("order=%s,amount=%d", orderID, created.AmountCents))
	return domain.WithdrawalResponse{Withdrawal: *created}, nil
}

func (s *Service) ListWithdrawals(ctx context.Context, userID string) (domain.WithdrawalListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.WithdrawalListResponse{}, fmt.Errorf("authentication required")
	}
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID && actor.Role != domain.RoleAdmin {
		return domain.WithdrawalListResponse{}, fmt.Errorf("cannot list withdrawals of another user")
	}

	withdrawals, err := s.repo.ListWithdrawalsByUser(ctx, userID)
	if err != nil {
		return domain.WithdrawalListResponse{}, err
	}
	return domain.WithdrawalListResponse{Withdrawals: withdrawals}, nil
}

func (s *Service) ProcessWithdrawal(ctx context.Context, withdrawalID string) (domain.WithdrawalResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.WithdrawalResponse{}, fmt.Errorf("admin role required")
	}

	processed, err := s.repo.ProcessWithdrawal(ctx, withdrawalID, s.now().UTC())
	if err != nil {
		return domain.WithdrawalResponse{}, err
	}

	s.logAudit(ctx, "withdrawal_process", "withdrawal", processed.ID, fmt.Sprintf("order=%s,amount=%d", processed.OrderID, processed.AmountCents))
	return domain.WithdrawalResponse{Withdrawal: *processed}, nil
}

func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalID string) (domain.WithdrawalResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.WithdrawalResponse{}, fmt.Errorf("admin role required")
	}

	rejected, err := s.repo.RejectWithdrawal(ctx, withdrawalID)
	if err != nil {
		return domain.WithdrawalResponse{}, err
	}

	s.logAudit(ctx, "withdrawal_reject", "withdrawal", rejected.ID, fmt.Sprintf("order=%s,amount=%d", rejected.OrderID, rejected.AmountCents))
	return domain.WithdrawalResponse{Withdrawal: *rejected}, nil
}

// ProcessPendingWithdrawals sweeps requested withdrawals while the
// window is active. Per-item failures are logged and skipped so one bad
// request cannot stall the batch. Outside the window everything is
// skipped.
func (s *Service) ProcessPendingWithdrawals(ctx context.Context) (domain.SweepResult, error) {
	requested, err := s.repo.ListRequestedWithdrawals(ctx)
	if err != nil {
		return domain.SweepResult{}, err
	}

	result := domain.SweepResult{}
	if window := commission.ComputeWindow(s.now()); !window.Active {
		result.Skipped = len(requested)
		return result, nil
	}

	for _, withdrawal := range requested {
		if _, err := s.repo.ProcessWithdrawal(ctx, withdrawal.ID, s.now().UTC()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				result.Skipped++
				continue
			}
			logger.Log.Warn("withdrawal sweep item failed",
				zap.String("withdrawal_id", withdrawal.ID),
				zap.String("order_id", withdrawal.OrderID),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Processed++
	}

	s.logAudit(ctx, "withdrawal_sweep", "withdrawal", "batch", fmt.Sprintf("processed=%d,failed=%d,skipped=%d", result.Processed, result.Failed, result.Skipped))
	return result, nil
}

// ReassignStaleOrders moves unconfirmed orders older than the cutoff to
// the least-loaded active marketer.
func (s *Service) ReassignStaleOrders(ctx context.Context, olderThan time.Duration) (domain.SweepResult, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	stale, err := s.repo.ListUnconfirmedOrdersBefore(ctx, cutoff)
	if err != nil {
		return domain.SweepResult{}, err
	}

	result := domain.SweepResult{}
	for _, order := range stale {
		marketer, err := s.leastLoadedMarketer(ctx, order.MarketerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				result.Skipped++
				continue
			}
			return domain.SweepResult{}, err
		}

		if err := s.repo.ReassignOrderMarketer(ctx, order.ID, marketer.ID); err != nil {
			logger.Log.Warn("order reassignment failed",
				zap.String("order_id", order.ID),
				zap.String("marketer_id", marketer.ID),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Processed++
	}

	s.logAudit(ctx, "order_reassign_sweep", "order", "batch", fmt.Sprintf("processed=%d,failed=%d,skipped=%d", result.Processed, result.Failed, result.Skipped))
	return result, nil
}

// leastLoadedMarketer returns the active marketer with the fewest
// assigned orders, excluding the given one.
func (s *Service) leastLoadedMarketer(ctx context.Context, excludeID string) (*domain.User, error) {
	marketers, err := s.repo.ListActiveMarketers(ctx)
	if err != nil {
		return nil, err
	}
	for _, marketer := range marketers {
		if marketer.ID == excludeID {
			continue
		}
		found := marketer
		return &found, nil
	}
	return nil, store.ErrNotFound
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrValidation
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{UserID: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		logger.Log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

func normalizeItems(items []domain.OrderLine) []domain.OrderLine {
	agg := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, line := range items {
		sku := strings.ToUpper(strings.TrimSpace(line.SKU))
		if sku == "" || line.Qty < 1 {
			continue
		}
		if _, seen := agg[sku]; !seen {
			order = append(order, sku)
		}
		agg[sku] += line.Qty
	}

	normalized := make([]domain.OrderLine, 0, len(agg))
	for _, sku := range order {
		normalized = append(normalized, domain.OrderLine{SKU: sku, Qty: agg[sku]})
	}
	return normalized
}
