package optionchain

import (
	"fmt"
	"math"
	"time"

	"marketdata-engine/internal/catalog"
	"marketdata-engine/internal/expiry"
	"marketdata-engine/internal/model"
)

const (
	ladderHalfWidth = 10   // strikes each side of base
	minPrice        = 0.05 // one tick
)

// expiryOffsets are the synthetic expiries, in days from now.
var expiryOffsets = []int{7, 14, 30}

// SyntheticLegs builds a placeholder chain for underlying: 21 strikes around
// the catalog base price, three expiries, a call and a put at each point.
// Prices are a pure function of (underlying, strike, expiry, now) so two
// builds at the same instant are identical.
func SyntheticLegs(underlying string, now time.Time) []model.OptionLeg {
	base, step := catalog.Ladder(underlying)
	lot := 1
	if u, ok := catalog.Underlying(underlying); ok {
		lot = u.LotSize
	}

	legs := make([]model.OptionLeg, 0, len(expiryOffsets)*(2*ladderHalfWidth+1)*2)
	for _, days := range expiryOffsets {
		exp := expiry.Format(now.AddDate(0, 0, days))
		for i := -ladderHalfWidth; i <= ladderHalfWidth; i++ {
			strike := base + float64(i)*step
			for _, side := range []string{model.Call, model.Put} {
				leg := syntheticLeg(underlying, exp, strike, side, base, days, i)
				leg.LotSize = lot
				leg.Timestamp = now
				legs = append(legs, leg)
			}
		}
	}
	return legs
}

func syntheticLeg(underlying, exp string, strike float64, side string, spot float64, days, offset int) model.OptionLeg {
	var intrinsic float64
	if side == model.Call {
		intrinsic = math.Max(0, spot-strike)
	} else {
		intrinsic = math.Max(0, strike-spot)
	}

	t := float64(days) / 365
	dist := math.Abs(strike-spot) / spot
	// Time value shrinks away from the money and grows with time to expiry.
	timeValue := spot * 0.004 * math.Sqrt(float64(days)/7) * math.Exp(-dist*10)
	ltp := model.Round2(math.Max(intrinsic+timeValue, minPrice))

	change := model.Round2(timeValue * 0.05)
	if side == model.Put {
		change = -change
	}
	prevClose := model.Round2(ltp - change)
	high := model.Round2(math.Max(ltp, prevClose) * 1.03)
	low := model.Round2(math.Min(ltp, prevClose) * 0.97)

	iv := 14 + 40*dist + 2*math.Sqrt(float64(days)/30)
	sigma := iv / 100 * math.Sqrt(t)
	d1 := (math.Log(spot/strike) + 0.5*sigma*sigma) / sigma
	delta := normCDF(d1)
	if side == model.Put {
		delta -= 1
	}
	gamma := normPDF(d1) / (spot * sigma)
	vega := spot * normPDF(d1) * math.Sqrt(t) / 100
	theta := -spot * normPDF(d1) * (iv / 100) / (2 * math.Sqrt(t)) / 365

	ladder := ladderHalfWidth + 1 - absInt(offset) // 1..11, peaks at the money
	volume := int64(ladder * 1500 * (1 + days/7))
	oi := volume * 12
	if side == model.Put {
		oi = oi * 11 / 10
	}

	return model.OptionLeg{
		Token:             fmt.Sprintf("MOCK_%s_%s_%.0f%s", underlying, exp, strike, side),
		Symbol:            fmt.Sprintf("%s%s%.0f%s", underlying, exp, strike, side),
		Underlying:        underlying,
		Strike:            strike,
		OptionType:        side,
		Expiry:            exp,
		LTP:               ltp,
		Price:             ltp,
		Change:            change,
		ChangePercent:     pct(change, prevClose),
		Open:              prevClose,
		High:              high,
		Low:               low,
		Close:             prevClose,
		Volume:            volume,
		OpenInterest:      oi,
		ChangeInOI:        oi / 20,
		ImpliedVolatility: model.Round2(iv),
		Delta:             model.Round4(delta),
		Gamma:             model.Round4(gamma),
		Theta:             model.Round4(theta),
		Vega:              model.Round4(vega),
	}
}

func pct(change, base float64) float64 {
	if base == 0 {
		return 0
	}
	return model.Round2(change / base * 100)
}

func normCDF(x float64) float64 { return 0.5 * math.Erfc(-x/math.Sqrt2) }

func normPDF(x float64) float64 { return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi) }

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
