package booking

import "github.com/oleksiv/seatlock/internal/domain"

// Convenience fee brackets, percent of the unit price. The bracket is picked
// per unit, not per order, so mixing cheap and premium units prices each at
// its own rate.
const (
	feeBracketLowCents = 5_000
	feeBracketMidCents = 25_000

	feeLowPct  = 10
	feeMidPct  = 7
	feeHighPct = 5
)

// Line is one priced row of a booking summary.
type Line struct {
	Label          string `json:"label"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int64  `json:"quantity"`
	FeeCents       int64  `json:"fee_cents"`
	TotalCents     int64  `json:"total_cents"`
}

// Summary is the priced breakdown of a selection. Pure computation over the
// ledger; producing one never touches any lock.
type Summary struct {
	EventID    int64                `json:"event_id"`
	Kind       domain.InventoryKind `json:"kind"`
	Lines      []Line               `json:"lines"`
	BaseCents  int64                `json:"base_cents"`
	FeeCents   int64                `json:"fee_cents"`
	TotalCents int64                `json:"total_cents"`
}

// convenienceFeeCents prices the fee for one unit, rounded half up.
func convenienceFeeCents(unitPriceCents int64) int64 {
	pct := int64(feeHighPct)
	switch {
	case unitPriceCents <= feeBracketLowCents:
		pct = feeLowPct
	case unitPriceCents <= feeBracketMidCents:
		pct = feeMidPct
	}

	return (unitPriceCents*pct + 50) / 100
}

func (s *Summary) addLine(label string, unitPriceCents, qty int64) {
	fee := convenienceFeeCents(unitPriceCents) * qty
	base := unitPriceCents * qty

	s.Lines = append(s.Lines, Line{
		Label:          label,
		UnitPriceCents: unitPriceCents,
		Quantity:       qty,
		FeeCents:       fee,
		TotalCents:     base + fee,
	})

	s.BaseCents += base
	s.FeeCents += fee
	s.TotalCents += base + fee
}
