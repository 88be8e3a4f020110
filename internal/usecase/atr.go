package usecase

import (
	"math"

	"github.com/vitos/mt5_trade_manager/internal/domain"
)

// AverageTrueRange computes Wilder's ATR over the given bars. Needs at least
// period+1 bars; returns 0 when there is not enough history.
func AverageTrueRange(rates []domain.Rate, period int) float64 {
	if period <= 0 || len(rates) < period+1 {
		return 0
	}

	// Seed with a simple average of the first `period` true ranges, then
	// smooth the rest Wilder-style.
	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(rates[i], rates[i-1])
	}
	atr := sum / float64(period)

	for i := period + 1; i < len(rates); i++ {
		tr := trueRange(rates[i], rates[i-1])
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func trueRange(bar, prev domain.Rate) float64 {
	highLow := bar.High - bar.Low
	highClose := math.Abs(bar.High - prev.Close)
	lowClose := math.Abs(bar.Low - prev.Close)
	return math.Max(highLow, math.Max(highClose, lowClose))
}
