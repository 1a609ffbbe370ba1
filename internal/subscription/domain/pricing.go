package domain

import (
	"encoding/json"
	"math"
)

// ComputeAmount prices a quantity against a plan term, in minor units.
// Rounding is half away from zero, applied once per line.
func ComputeAmount(term PlanTerm, quantity float64) int64 {
	switch term.Kind {
	case TermKindFlat:
		return term.UnitAmountCents
	case TermKindTiered:
		tiers, err := term.DecodeTiers()
		if err != nil || len(tiers) == 0 {
			return 0
		}
		return computeTiered(tiers, quantity)
	default:
		billable := quantity - term.IncludedQuantity
		if billable <= 0 {
			return 0
		}
		return RoundMoney(billable * float64(term.UnitAmountCents))
	}
}

// DecodeTiers unpacks the graduated tier ladder stored on the term.
func (t PlanTerm) DecodeTiers() ([]Tier, error) {
	if len(t.Tiers) == 0 {
		return nil, nil
	}
	var tiers []Tier
	if err := json.Unmarshal(t.Tiers, &tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

// EncodeTiers serializes a tier ladder for storage.
func EncodeTiers(tiers []Tier) ([]byte, error) {
	return json.Marshal(tiers)
}

func computeTiered(tiers []Tier, quantity float64) int64 {
	var raw float64
	var consumed float64
	for _, tier := range tiers {
		if quantity <= consumed {
			break
		}
		span := quantity - consumed
		if tier.UpTo != nil {
			width := *tier.UpTo - consumed
			if width <= 0 {
				continue
			}
			if span > width {
				span = width
			}
			consumed = *tier.UpTo
		} else {
			consumed = quantity
		}
		raw += span * float64(tier.UnitAmountCents)
		raw += float64(tier.FlatAmountCents)
	}
	return RoundMoney(raw)
}

// RoundMoney rounds a raw minor-unit amount half away from zero.
func RoundMoney(raw float64) int64 {
	if raw >= 0 {
		return int64(math.Floor(raw + 0.5))
	}
	return -int64(math.Floor(-raw + 0.5))
}
