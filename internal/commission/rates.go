package commission

import "sort"

// Tier maps a cumulative referred-sales volume floor to the referral
// rates paid above it. An unset IndirectRate defaults to half the
// direct rate.
type Tier struct {
	MinVolumeCents int64
	DirectRate     float64
	IndirectRate   float64
}

type Rates struct {
	Direct   float64
	Indirect float64
}

type RateTable []Tier

// DefaultTier applies when the table is empty or the volume is negative.
var DefaultTier = Tier{MinVolumeCents: 0, DirectRate: 0.05, IndirectRate: 0.025}

// DefaultTable is the sample configuration. Rates are monotonically
// non-increasing as volume grows.
func DefaultTable() RateTable {
	return RateTable{
		{MinVolumeCents: 0, DirectRate: 0.05, IndirectRate: 0.05},
		{MinVolumeCents: 10_000_000, DirectRate: 0.04, IndirectRate: 0.02},
		{MinVolumeCents: 50_000_000, DirectRate: 0.03},
	}
}

// RatesFor returns the rates of the highest tier whose floor is at or
// below volumeCents. Tier boundaries are inclusive.
func (t RateTable) RatesFor(volumeCents int64) Rates {
	if len(t) == 0 || volumeCents < 0 {
		return tierRates(DefaultTier)
	}

	sorted := make(RateTable, len(t))
	copy(sorted, t)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinVolumeCents > sorted[j].MinVolumeCents
	})

	for _, tier := range sorted {
		if tier.MinVolumeCents <= volumeCents {
			return tierRates(tier)
		}
	}
	return tierRates(DefaultTier)
}

func tierRates(tier Tier) Rates {
	indirect := tier.IndirectRate
	if indirect == 0 {
		indirect = tier.DirectRate * 0.5
	}
	return Rates{Direct: tier.DirectRate, Indirect: indirect}
}
