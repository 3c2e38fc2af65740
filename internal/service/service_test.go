package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"komisiku/backend/internal/domain"
	"komisiku/backend/internal/store"
	"komisiku/backend/internal/store/memory"
)

const testPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

var testClock = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	svc := New(repo, nil, nil, 0)
	svc.now = fixedClock(testClock)
	return svc, repo
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func actorContext(user *domain.User) context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: user.ID, Username: user.Username, Role: user.Role})
}

func adminContext(t *testing.T, repo *memory.Store) context.Context {
	t.Helper()
	admin, err := repo.GetUserByUsername(context.Background(), "admin")
	if err != nil {
		t.Fatalf("seeded admin missing: %v", err)
	}
	return actorContext(admin)
}

func registerUser(t *testing.T, svc *Service, username string, referrerID string) *domain.User {
	t.Helper()
	user, err := svc.Register(context.Background(), username, testPasswordHash, domain.RoleAffiliate, referrerID)
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return user
}

// registerChain builds grandparent -> parent -> buyer with the referral
// dates anchored at the fixed clock.
func registerChain(t *testing.T, svc *Service) (grandparent, parent, buyer *domain.User) {
	t.Helper()
	grandparent = registerUser(t, svc, "grandparent", "")
	parent = registerUser(t, svc, "parent", grandparent.ID)
	buyer = registerUser(t, svc, "buyer", parent.ID)
	return grandparent, parent, buyer
}

func createTestProduct(t *testing.T, svc *Service, repo *memory.Store, priceCents int64) string {
	t.Helper()
	product, err := svc.CreateProduct(adminContext(t, repo), domain.ProductCreateRequest{
		SKU:        "SKU-GADGET-01",
		Name:       "Gadget Uji",
		Category:   "electronics",
		PriceCents: priceCents,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	return product.SKU
}

func placeOrder(t *testing.T, svc *Service, buyer *domain.User, sku string) domain.Order {
	t.Helper()
	resp, err := svc.CreateOrder(actorContext(buyer), domain.OrderCreateRequest{
		Items: []domain.OrderLine{{SKU: sku, Qty: 1}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return resp.Order
}

func entryByTier(t *testing.T, repo *memory.Store, orderID string, tier string) domain.CommissionTransaction {
	t.Helper()
	entries, err := repo.ListCommissionsByOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("list commissions: %v", err)
	}
	for _, entry := range entries {
		if entry.Tier == tier {
			return entry
		}
	}
	t.Fatalf("no %s entry for order %s", tier, orderID)
	return domain.CommissionTransaction{}
}

func TestCreateOrderPostsFlatSplitWithinSharingPeriod(t *testing.T) {
	svc, repo := newTestService(t)
	_, _, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)

	order := placeOrder(t, svc, buyer, sku)
	if order.AmountCents != 100_000 {
		t.Fatalf("expected amount 100000, got %d", order.AmountCents)
	}
	if !order.CommissionPosted {
		t.Fatalf("expected commissions posted at order creation")
	}
	if order.MarketerID == "" {
		t.Fatalf("expected a marketer assigned")
	}

	entries, err := repo.ListCommissionsByOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("list commissions: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 postings, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.AmountCents != 5_000 || entry.Rate != 0.05 {
			t.Fatalf("expected flat 5%% posting, got %+v", entry)
		}
		if entry.Status != domain.CommissionStatusPending {
			t.Fatalf("expected pending posting, got %s", entry.Status)
		}
	}

	balance, err := svc.GetBalance(actorContext(buyer), "")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.Balance.PendingCents != 5_000 || balance.Balance.LifetimeCents != 5_000 {
		t.Fatalf("expected pending and lifetime 5000, got %+v", balance.Balance)
	}
	if balance.Balance.AvailableCents != 0 {
		t.Fatalf("pending commission must not be available, got %d", balance.Balance.AvailableCents)
	}
}

func TestCreateOrderWithoutReferralPostsNothing(t *testing.T) {
	svc, repo := newTestService(t)
	buyer := registerUser(t, svc, "solo", "")
	sku := createTestProduct(t, svc, repo, 100_000)

	order := placeOrder(t, svc, buyer, sku)
	if !order.CommissionPosted {
		t.Fatalf("expected order marked posted even without referral")
	}

	entries, err := repo.ListCommissionsByOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("list commissions: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(entries))
	}
}

func TestOrderAfterSharingPeriodDoublesSelfRate(t *testing.T) {
	svc, repo := newTestService(t)
	parent := registerUser(t, svc, "parent", "")
	buyer := registerUser(t, svc, "buyer", parent.ID)
	sku := createTestProduct(t, svc, repo, 100_000)

	svc.now = fixedClock(testClock.AddDate(0, 0, 200))
	order := placeOrder(t, svc, buyer, sku)

	self := entryByTier(t, repo, order.ID, domain.CommissionTierSelf)
	if self.AmountCents != 10_000 || self.Rate != 0.10 {
		t.Fatalf("expected 10%% self commission after sharing period, got %+v", self)
	}
	direct := entryByTier(t, repo, order.ID, domain.CommissionTierDirect)
	if direct.UserID != parent.ID || direct.AmountCents != 5_000 {
		t.Fatalf("expected tier-table direct commission 5000, got %+v", direct)
	}
}

func TestPromotionRaisesReferrerRatesOnly(t *testing.T) {
	svc, repo := newTestService(t)
	_, parent, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)

	if _, err := svc.UpsertPromotion(adminContext(t, repo), domain.PromotionUpsertRequest{
		Name:      "march-sale",
		StartDate: "2026-03-01",
		EndDate:   "2026-03-20",
		Rate:      0.08,
	}); err != nil {
		t.Fatalf("upsert promotion: %v", err)
	}

	order := placeOrder(t, svc, buyer, sku)

	self := entryByTier(t, repo, order.ID, domain.CommissionTierSelf)
	if self.AmountCents != 5_000 {
		t.Fatalf("promotion must not change the self rate, got %d", self.AmountCents)
	}
	direct := entryByTier(t, repo, order.ID, domain.CommissionTierDirect)
	if direct.UserID != parent.ID || direct.AmountCents != 8_000 {
		t.Fatalf("expected promoted direct commission 8000, got %+v", direct)
	}
	indirect := entryByTier(t, repo, order.ID, domain.CommissionTierIndirect)
	if indirect.AmountCents != 8_000 {
		t.Fatalf("expected promoted indirect commission 8000, got %d", indirect.AmountCents)
	}
}

func TestOverlappingPromotionsRejected(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := adminContext(t, repo)

	if _, err := svc.UpsertPromotion(ctx, domain.PromotionUpsertRequest{
		Name: "first", StartDate: "2026-03-01", EndDate: "2026-03-10", Rate: 0.07,
	}); err != nil {
		t.Fatalf("upsert first promotion: %v", err)
	}

	_, err := svc.UpsertPromotion(ctx, domain.PromotionUpsertRequest{
		Name: "second", StartDate: "2026-03-05", EndDate: "2026-03-15", Rate: 0.09,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for overlapping range, got %v", err)
	}

	// Updating the same promotion in place is not an overlap.
	if _, err := svc.UpsertPromotion(ctx, domain.PromotionUpsertRequest{
		Name: "first", StartDate: "2026-03-02", EndDate: "2026-03-09", Rate: 0.08,
	}); err != nil {
		t.Fatalf("update existing promotion: %v", err)
	}
}

func TestDuplicateCommissionPostingRejected(t *testing.T) {
	svc, repo := newTestService(t)
	_, _, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)
	order := placeOrder(t, svc, buyer, sku)

	_, err := svc.PostOrderCommissions(adminContext(t, repo), order.ID)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict re-posting commissions, got %v", err)
	}
}

func TestConfirmDeliveryMaturesCommissionsAndPaysMarketer(t *testing.T) {
	svc, repo := newTestService(t)
	_, parent, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)
	order := placeOrder(t, svc, buyer, sku)

	if _, err := svc.ConfirmDelivery(actorContext(parent), order.ID); err == nil {
		t.Fatalf("expected non-buyer confirmation to fail")
	}

	resp, err := svc.ConfirmDelivery(actorContext(buyer), order.ID)
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if resp.Order.Status != domain.OrderStatusConfirmed || !resp.Order.CommissionReleased {
		t.Fatalf("expected confirmed order with released commissions, got %+v", resp.Order)
	}

	balance, err := repo.GetBalance(context.Background(), buyer.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.PendingCents != 0 || balance.AvailableCents != 5_000 {
		t.Fatalf("expected matured balance 5000 available, got %+v", balance)
	}

	marketerEntry := entryByTier(t, repo, order.ID, domain.CommissionTierMarketer)
	if marketerEntry.UserID != order.MarketerID {
		t.Fatalf("marketer entry credited to %s, want %s", marketerEntry.UserID, order.MarketerID)
	}
	if marketerEntry.AmountCents != 2_000 || marketerEntry.Status != domain.CommissionStatusCompleted {
		t.Fatalf("expected completed 2%% marketer commission, got %+v", marketerEntry)
	}
	marketerBalance, err := repo.GetBalance(context.Background(), order.MarketerID)
	if err != nil {
		t.Fatalf("get marketer balance: %v", err)
	}
	if marketerBalance.AvailableCents != 2_000 || marketerBalance.LifetimeCents != 2_000 {
		t.Fatalf("expected marketer credited straight to available, got %+v", marketerBalance)
	}

	if _, err := svc.ConfirmDelivery(actorContext(buyer), order.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on double confirmation, got %v", err)
	}
}

func TestWithdrawalWindowGate(t *testing.T) {
	svc, repo := newTestService(t)
	_, _, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)
	order := placeOrder(t, svc, buyer, sku)
	if _, err := svc.ConfirmDelivery(actorContext(buyer), order.ID); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	svc.now = fixedClock(time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC))
	_, err := svc.RequestWithdrawal(actorContext(buyer), domain.WithdrawalCreateRequest{OrderID: order.ID})
	if !errors.Is(err, store.ErrWindowClosed) {
		t.Fatalf("expected ErrWindowClosed on day 15, got %v", err)
	}

	svc.now = fixedClock(time.Date(2026, time.March, 27, 10, 0, 0, 0, time.UTC))
	created, err := svc.RequestWithdrawal(actorContext(buyer), domain.WithdrawalCreateRequest{OrderID: order.ID})
	if err != nil {
		t.Fatalf("request withdrawal inside window: %v", err)
	}
	if created.Withdrawal.Status != domain.WithdrawalStatusRequested || created.Withdrawal.AmountCents != 5_000 {
		t.Fatalf("unexpected withdrawal %+v", created.Withdrawal)
	}

	balance, err := repo.GetBalance(context.Background(), buyer.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.AvailableCents != 0 || balance.LockedCents != 5_000 {
		t.Fatalf("expected amount locked pending processing, got %+v", balance)
	}

	if _, err := svc.RequestWithdrawal(actorContext(buyer), domain.WithdrawalCreateRequest{OrderID: order.ID}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate request, got %v", err)
	}

	processed, err := svc.ProcessWithdrawal(adminContext(t, repo), created.Withdrawal.ID)
	if err != nil {
		t.Fatalf("process withdrawal: %v", err)
	}
	if processed.Withdrawal.Status != domain.WithdrawalStatusProcessed {
		t.Fatalf("expected processed status, got %s", processed.Withdrawal.Status)
	}

	balance, err = repo.GetBalance(context.Background(), buyer.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.LockedCents != 0 || balance.WithdrawnCents != 5_000 {
		t.Fatalf("expected withdrawn 5000, got %+v", balance)
	}

	confirmed, err := repo.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !confirmed.WithdrawalProcessed {
		t.Fatalf("expected order flagged withdrawal-processed")
	}
	if _, err := svc.RequestWithdrawal(actorContext(buyer), domain.WithdrawalCreateRequest{OrderID: order.ID}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict after processing, got %v", err)
	}
}

func TestRejectedWithdrawalUnlocksAndCanRetry(t *testing.T) {
	svc, repo := newTestService(t)
	_, _, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)
	order := placeOrder(t, svc, buyer, sku)
	if _, err := svc.ConfirmDelivery(actorContext(buyer), order.ID); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	svc.now = fixedClock(time.Date(2026, time.March, 27, 10, 0, 0, 0, time.UTC))
	created, err := svc.RequestWithdrawal(actorContext(buyer), domain.WithdrawalCreateRequest{OrderID: order.ID})
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}

	if _, err := svc.RejectWithdrawal(adminContext(t, repo), created.Withdrawal.ID); err != nil {
		t.Fatalf("reject withdrawal: %v", err)
	}
	balance, err := repo.GetBalance(context.Background(), buyer.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.AvailableCents != 5_000 || balance.LockedCents != 0 {
		t.Fatalf("expected rejection to unlock funds, got %+v", balance)
	}

	if _, err := svc.RequestWithdrawal(actorContext(buyer), domain.WithdrawalCreateRequest{OrderID: order.ID}); err != nil {
		t.Fatalf("expected retry after rejection to succeed, got %v", err)
	}
}

func TestCheckEligibilityReasons(t *testing.T) {
	svc, repo := newTestService(t)
	_, _, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)
	order := placeOrder(t, svc, buyer, sku)

	resp, err := svc.CheckEligibility(actorContext(buyer), order.ID)
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if resp.Eligible || resp.Reason != "order commission not released yet" {
		t.Fatalf("expected unreleased-commission reason, got %+v", resp)
	}

	if _, err := svc.ConfirmDelivery(actorContext(buyer), order.ID); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	resp, err = svc.CheckEligibility(actorContext(buyer), order.ID)
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if resp.Eligible || resp.Reason != "withdrawal window closed" {
		t.Fatalf("expected closed-window reason on day 10, got %+v", resp)
	}

	outsider := registerUser(t, svc, "outsider", "")
	resp, err = svc.CheckEligibility(actorContext(outsider), order.ID)
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if resp.Eligible || resp.Reason != "no completed commission for this order" {
		t.Fatalf("expected no-commission reason, got %+v", resp)
	}

	svc.now = fixedClock(time.Date(2026, time.March, 27, 10, 0, 0, 0, time.UTC))
	resp, err = svc.CheckEligibility(actorContext(buyer), order.ID)
	if err != nil {
		t.Fatalf("check eligibility: %v", err)
	}
	if !resp.Eligible {
		t.Fatalf("expected eligible inside window, got %+v", resp)
	}
}

func TestWithdrawalSweepHonorsWindow(t *testing.T) {
	svc, repo := newTestService(t)
	_, _, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)
	order := placeOrder(t, svc, buyer, sku)
	if _, err := svc.ConfirmDelivery(actorContext(buyer), order.ID); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	svc.now = fixedClock(time.Date(2026, time.March, 27, 10, 0, 0, 0, time.UTC))
	if _, err := svc.RequestWithdrawal(actorContext(buyer), domain.WithdrawalCreateRequest{OrderID: order.ID}); err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}

	svc.now = fixedClock(time.Date(2026, time.April, 5, 10, 0, 0, 0, time.UTC))
	result, err := svc.ProcessPendingWithdrawals(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Skipped != 1 || result.Processed != 0 {
		t.Fatalf("expected sweep to skip outside window, got %+v", result)
	}

	svc.now = fixedClock(time.Date(2026, time.April, 27, 10, 0, 0, 0, time.UTC))
	result, err = svc.ProcessPendingWithdrawals(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Processed != 1 || result.Failed != 0 {
		t.Fatalf("expected sweep to process inside window, got %+v", result)
	}

	balance, err := repo.GetBalance(context.Background(), buyer.ID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.WithdrawnCents != 5_000 {
		t.Fatalf("expected withdrawn 5000 after sweep, got %+v", balance)
	}
}

func TestReassignStaleOrders(t *testing.T) {
	svc, repo := newTestService(t)
	buyer := registerUser(t, svc, "buyer", "")
	sku := createTestProduct(t, svc, repo, 100_000)
	order := placeOrder(t, svc, buyer, sku)
	if order.MarketerID == "" {
		t.Fatalf("expected a marketer assigned")
	}

	svc.now = fixedClock(testClock.Add(48 * time.Hour))
	result, err := svc.ReassignStaleOrders(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("reassign sweep: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("expected one reassignment, got %+v", result)
	}

	moved, err := repo.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if moved.MarketerID == order.MarketerID || moved.MarketerID == "" {
		t.Fatalf("expected a different marketer, got %s", moved.MarketerID)
	}
}

func TestReconcileLedgerMatchesLifetime(t *testing.T) {
	svc, repo := newTestService(t)
	_, parent, buyer := registerChain(t, svc)
	sku := createTestProduct(t, svc, repo, 100_000)
	order := placeOrder(t, svc, buyer, sku)
	if _, err := svc.ConfirmDelivery(actorContext(buyer), order.ID); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	ctx := adminContext(t, repo)
	for _, userID := range []string{buyer.ID, parent.ID, order.MarketerID} {
		lifetime, ledger, err := svc.ReconcileLedger(ctx, userID)
		if err != nil {
			t.Fatalf("reconcile %s: %v", userID, err)
		}
		if lifetime != ledger {
			t.Fatalf("lifetime %d does not match ledger sum %d for %s", lifetime, ledger, userID)
		}
	}
}

func TestRegisterElevatedRoleRequiresAdmin(t *testing.T) {
	svc, repo := newTestService(t)

	if _, err := svc.Register(context.Background(), "rogue", testPasswordHash, domain.RoleMarketer, ""); err == nil {
		t.Fatalf("expected marketer registration without admin to fail")
	}

	user, err := svc.Register(adminContext(t, repo), "marketer-c", testPasswordHash, domain.RoleMarketer, "")
	if err != nil {
		t.Fatalf("admin-created marketer: %v", err)
	}
	if user.Role != domain.RoleMarketer {
		t.Fatalf("expected marketer role, got %s", user.Role)
	}
}

func TestAttachReferrerOnce(t *testing.T) {
	svc, _ := newTestService(t)
	referrer := registerUser(t, svc, "referrer", "")
	other := registerUser(t, svc, "other", "")
	user := registerUser(t, svc, "late-signup", "")

	if err := svc.AttachReferrer(actorContext(other), user.ID, referrer.ID); err == nil {
		t.Fatalf("expected attaching a referrer for another user to fail")
	}

	if err := svc.AttachReferrer(actorContext(user), user.ID, referrer.ID); err != nil {
		t.Fatalf("attach referrer: %v", err)
	}
	if err := svc.AttachReferrer(actorContext(user), user.ID, other.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on re-referral, got %v", err)
	}
}
