package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LegProfit computes realized profit for one closed leg, in account currency
// and as a percentage of entry. The two always share a sign: both are
// proportional to the signed price move. Computed with decimals so that
// round contract numbers come out exact (entry 2000 -> 2010 BUY 0.1 lot on a
// $100-per-point contract is exactly +$100.00 and +0.5%).
func LegProfit(dir Direction, entry, close, volume, tickValue, tickSize float64) (usd, pct float64, err error) {
	if entry <= 0 {
		return 0, 0, fmt.Errorf("leg profit: entry %f", entry)
	}
	if tickSize <= 0 || tickValue <= 0 {
		return 0, 0, fmt.Errorf("leg profit: tick value %f / tick size %f", tickValue, tickSize)
	}

	diff := decimal.NewFromFloat(close).Sub(decimal.NewFromFloat(entry))
	if dir == DirectionSell {
		diff = diff.Neg()
	}

	usdDec := diff.
		Div(decimal.NewFromFloat(tickSize)).
		Mul(decimal.NewFromFloat(tickValue)).
		Mul(decimal.NewFromFloat(volume)).
		Round(2)
	pctDec := diff.
		Div(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromInt(100)).
		Round(4)

	return usdDec.InexactFloat64(), pctDec.InexactFloat64(), nil
}

// NormalizeVolume snaps a computed volume to the instrument's lot grid:
// floored to a multiple of step and capped at max. Volumes that end up below
// the minimum return 0 so callers can refuse the trade instead of silently
// oversizing it.
func NormalizeVolume(volume, min, max, step float64) float64 {
	if volume <= 0 {
		return 0
	}

	v := decimal.NewFromFloat(volume)
	if step > 0 {
		st := decimal.NewFromFloat(step)
		v = v.Div(st).Floor().Mul(st)
	}
	if max > 0 && v.GreaterThan(decimal.NewFromFloat(max)) {
		v = decimal.NewFromFloat(max)
	}
	if v.LessThan(decimal.NewFromFloat(min)) {
		return 0
	}

	f, _ := v.Float64()
	return f
}

// SplitVolume divides a group volume across legs on the lot grid. The
// remainder after flooring goes to the first leg so the total never exceeds
// the planned volume. A nil result means the volume cannot cover every leg.
func SplitVolume(volume float64, legs int, min, max, step float64) []float64 {
	if legs <= 0 {
		return nil
	}
	if legs == 1 {
		v := NormalizeVolume(volume, min, max, step)
		if v == 0 {
			return nil
		}
		return []float64{v}
	}

	per := NormalizeVolume(volume/float64(legs), min, max, step)
	if per == 0 {
		return nil
	}

	out := make([]float64, legs)
	for i := range out {
		out[i] = per
	}

	// Allocate whatever the flooring left over to the first leg.
	total := decimal.NewFromFloat(per).Mul(decimal.NewFromInt(int64(legs)))
	rest := NormalizeVolume(decimal.NewFromFloat(volume).Sub(total).InexactFloat64(), step, max, step)
	if rest > 0 {
		out[0], _ = decimal.NewFromFloat(out[0]).Add(decimal.NewFromFloat(rest)).Float64()
	}
	return out
}
