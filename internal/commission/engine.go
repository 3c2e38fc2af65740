package commission

import (
	"math"
	"time"

	"komisiku/backend/internal/domain"
)

// SharingPeriod is the interval after a referral during which the flat
// self/direct/indirect split applies.
const SharingPeriod = 180 * 24 * time.Hour

const (
	SharingSelfRate     = 0.05
	SharingTierRate     = 0.05
	PostSharingSelfRate = 0.10
)

// Sale is the completed order the engine computes postings for. The
// snapshot rates were taken from the rate table when the order was
// created; a zero snapshot falls back to a live table lookup.
type Sale struct {
	OrderID              string
	BuyerID              string
	AmountCents          int64
	At                   time.Time
	SnapshotDirectRate   float64
	SnapshotIndirectRate float64
}

// Referrer is one hop of the buyer's referral chain together with the
// cumulative confirmed sales volume of the users they referred.
type Referrer struct {
	UserID      string
	VolumeCents int64
}

// Posting is a single planned ledger entry.
type Posting struct {
	UserID      string
	Tier        string
	Rate        float64
	AmountCents int64
}

// BuildPlan computes the 0-3 referral postings for a sale. A buyer with
// no referral record earns nothing through this channel; a missing hop
// simply omits that tier. Within the sharing period every participant
// gets the flat sharing rate; afterwards the buyer's self rate doubles
// and referrer rates come from the tier table. An active promotion
// raises (never lowers) the direct and indirect rates.
func BuildPlan(sale Sale, referredBy *domain.ReferredBy, direct *Referrer, indirect *Referrer, table RateTable, promoRate float64) []Posting {
	if referredBy == nil || sale.AmountCents <= 0 {
		return nil
	}

	withinSharing := sale.At.Before(referredBy.Date.Add(SharingPeriod))

	selfRate := PostSharingSelfRate
	if withinSharing {
		selfRate = SharingSelfRate
	}

	postings := make([]Posting, 0, 3)
	postings = append(postings, newPosting(sale, sale.BuyerID, domain.CommissionTierSelf, selfRate))

	if direct != nil {
		rate := SharingTierRate
		if !withinSharing {
			rate = sale.SnapshotDirectRate
			if rate == 0 {
				rate = table.RatesFor(direct.VolumeCents).Direct
			}
		}
		if promoRate > rate {
			rate = promoRate
		}
		postings = append(postings, newPosting(sale, direct.UserID, domain.CommissionTierDirect, rate))
	}

	if indirect != nil {
		rate := SharingTierRate
		if !withinSharing {
			rate = sale.SnapshotIndirectRate
			if rate == 0 {
				rate = table.RatesFor(indirect.VolumeCents).Indirect
			}
		}
		if promoRate > rate {
			rate = promoRate
		}
		postings = append(postings, newPosting(sale, indirect.UserID, domain.CommissionTierIndirect, rate))
	}

	return postings
}

func newPosting(sale Sale, userID string, tier string, rate float64) Posting {
	return Posting{
		UserID:      userID,
		Tier:        tier,
		Rate:        rate,
		AmountCents: Amount(sale.AmountCents, rate),
	}
}

// Amount applies rate to a cent amount, rounding to the nearest cent.
func Amount(amountCents int64, rate float64) int64 {
	return int64(math.Round(float64(amountCents) * rate))
}
