package optionchain

import (
	"math"
	"sort"
	"time"

	"marketdata-engine/internal/expiry"
	"marketdata-engine/internal/model"
)

type entryKey struct {
	expiry string
	strike float64
}

// GroupLegs pairs legs sharing (expiry, strike) into chain entries sorted by
// expiry date then strike. Each entry holds at most one call and one put;
// a second leg of the same side at the same point is ignored. ref places
// year-less expiries on the calendar.
func GroupLegs(legs []model.OptionLeg, ref time.Time) []model.ChainEntry {
	groups := make(map[entryKey]*model.ChainEntry)
	order := make([]entryKey, 0)
	for i := range legs {
		leg := legs[i]
		k := entryKey{leg.Expiry, leg.Strike}
		e, ok := groups[k]
		if !ok {
			e = &model.ChainEntry{Underlying: leg.Underlying, Expiry: leg.Expiry, Strike: leg.Strike}
			groups[k] = e
			order = append(order, k)
		}
		switch leg.OptionType {
		case model.Call:
			if e.CE == nil {
				e.CE = &leg
			}
		case model.Put:
			if e.PE == nil {
				e.PE = &leg
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if c := expiry.Compare(order[i].expiry, order[j].expiry, ref); c != 0 {
			return c < 0
		}
		return order[i].strike < order[j].strike
	})

	out := make([]model.ChainEntry, 0, len(order))
	for _, k := range order {
		e := groups[k]
		if e.CE != nil && e.PE != nil {
			e.PCR = pcr(e.CE, e.PE)
			e.StraddlePrice = model.Round2(e.CE.LTP + e.PE.LTP)
		}
		out = append(out, *e)
	}
	return out
}

func pcr(ce, pe *model.OptionLeg) float64 {
	if ce.OpenInterest <= 0 {
		return 0
	}
	return model.Round2(float64(pe.OpenInterest) / float64(ce.OpenInterest))
}

// Summarize derives the listing summary from legs, ordering expiries on the
// calendar as seen from ref.
func Summarize(legs []model.OptionLeg, ref time.Time) model.ChainSummary {
	s := model.ChainSummary{AvailableExpiries: []string{}}
	if len(legs) == 0 {
		return s
	}
	strikes := make(map[float64]bool)
	expiries := make(map[string]bool)
	s.StrikeRange = model.StrikeRange{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, l := range legs {
		strikes[l.Strike] = true
		if !expiries[l.Expiry] {
			expiries[l.Expiry] = true
			s.AvailableExpiries = append(s.AvailableExpiries, l.Expiry)
		}
		switch l.OptionType {
		case model.Call:
			s.TotalCallOptions++
		case model.Put:
			s.TotalPutOptions++
		}
		s.StrikeRange.Min = math.Min(s.StrikeRange.Min, l.Strike)
		s.StrikeRange.Max = math.Max(s.StrikeRange.Max, l.Strike)
	}
	s.TotalStrikes = len(strikes)
	expiry.Sort(s.AvailableExpiries, ref)
	return s
}

func strikesAt(legs []model.OptionLeg, exp string) []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, l := range legs {
		if (exp == "" || l.Expiry == exp) && !seen[l.Strike] {
			seen[l.Strike] = true
			out = append(out, l.Strike)
		}
	}
	sort.Float64s(out)
	return out
}
