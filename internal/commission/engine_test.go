package commission

import (
	"testing"
	"time"

	"komisiku/backend/internal/domain"
)

func TestBuildPlanWithinSharingPeriod(t *testing.T) {
	now := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	sale := Sale{OrderID: "ord-1", BuyerID: "buyer", AmountCents: 100_000, At: now}
	referred := &domain.ReferredBy{UserID: "parent", Date: now.AddDate(0, 0, -30)}

	plan := BuildPlan(sale, referred,
		&Referrer{UserID: "parent"},
		&Referrer{UserID: "grandparent"},
		DefaultTable(), 0)

	if len(plan) != 3 {
		t.Fatalf("expected 3 postings, got %d", len(plan))
	}
	for _, posting := range plan {
		if posting.AmountCents != 5_000 {
			t.Fatalf("expected flat 5%% split for %s, got %d cents", posting.Tier, posting.AmountCents)
		}
	}
	if plan[0].Tier != domain.CommissionTierSelf || plan[0].UserID != "buyer" {
		t.Fatalf("expected self posting first, got %+v", plan[0])
	}
}

func TestBuildPlanNoReferralRecord(t *testing.T) {
	sale := Sale{OrderID: "ord-1", BuyerID: "buyer", AmountCents: 100_000, At: time.Now()}
	if plan := BuildPlan(sale, nil, nil, nil, DefaultTable(), 0); plan != nil {
		t.Fatalf("expected no postings without a referral record, got %d", len(plan))
	}
}

func TestBuildPlanPostSharingPeriod(t *testing.T) {
	now := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	sale := Sale{
		OrderID:            "ord-1",
		BuyerID:            "buyer",
		AmountCents:        100_000,
		At:                 now,
		SnapshotDirectRate: 0.04,
	}
	referred := &domain.ReferredBy{UserID: "parent", Date: now.AddDate(0, 0, -200)}

	plan := BuildPlan(sale, referred, &Referrer{UserID: "parent", VolumeCents: 12_000_000}, nil, DefaultTable(), 0)

	if len(plan) != 2 {
		t.Fatalf("expected self and direct postings, got %d", len(plan))
	}
	if plan[0].Rate != PostSharingSelfRate || plan[0].AmountCents != 10_000 {
		t.Fatalf("expected 10%% self rate after sharing period, got %+v", plan[0])
	}
	if plan[1].Rate != 0.04 {
		t.Fatalf("expected snapshot direct rate 0.04, got %v", plan[1].Rate)
	}
}

func TestBuildPlanPostSharingFallsBackToTable(t *testing.T) {
	now := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	sale := Sale{OrderID: "ord-1", BuyerID: "buyer", AmountCents: 100_000, At: now}
	referred := &domain.ReferredBy{UserID: "parent", Date: now.AddDate(0, 0, -365)}

	plan := BuildPlan(sale, referred, &Referrer{UserID: "parent", VolumeCents: 60_000_000}, nil, DefaultTable(), 0)

	if plan[1].Rate != 0.03 {
		t.Fatalf("expected top tier rate from live table lookup, got %v", plan[1].Rate)
	}
}

func TestBuildPlanPromotionOnlyRaisesRates(t *testing.T) {
	now := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	sale := Sale{OrderID: "ord-1", BuyerID: "buyer", AmountCents: 100_000, At: now}
	referred := &domain.ReferredBy{UserID: "parent", Date: now.AddDate(0, 0, -10)}

	plan := BuildPlan(sale, referred, &Referrer{UserID: "parent"}, &Referrer{UserID: "grandparent"}, DefaultTable(), 0.08)
	if plan[0].Rate != SharingSelfRate {
		t.Fatalf("promotion must not touch the self rate, got %v", plan[0].Rate)
	}
	if plan[1].Rate != 0.08 || plan[2].Rate != 0.08 {
		t.Fatalf("expected promotion to raise referrer rates to 0.08, got %v and %v", plan[1].Rate, plan[2].Rate)
	}

	plan = BuildPlan(sale, referred, &Referrer{UserID: "parent"}, nil, DefaultTable(), 0.01)
	if plan[1].Rate != SharingTierRate {
		t.Fatalf("expected lower promotion rate to be ignored, got %v", plan[1].Rate)
	}
}

func TestAmountRoundsToNearestCent(t *testing.T) {
	if got := Amount(999, 0.05); got != 50 {
		t.Fatalf("expected 49.95 to round to 50, got %d", got)
	}
	if got := Amount(333, 0.03); got != 10 {
		t.Fatalf("expected 9.99 to round to 10, got %d", got)
	}
}
