package risk

import "math"

// PerformanceMetrics summarizes a window of closed trades for scaling
// decisions. Drawdowns are measured on the cumulative R curve against
// its running maximum: MaxDrawdownR is the largest peak-to-trough drop
// as a positive magnitude, CurrentDrawdownR is the (non-positive)
// distance from the running peak at the end of the window.
type PerformanceMetrics struct {
	ProfitFactor     float64 `json:"profit_factor"`
	ExpectedR        float64 `json:"expected_r"`
	WinRate          float64 `json:"win_rate"`
	WinRateWilsonLB  float64 `json:"win_rate_wilson_lb"`
	MaxDrawdownR     float64 `json:"max_drawdown_r"`
	CurrentDrawdownR float64 `json:"current_drawdown_r"`
	RuleBreaks       int     `json:"rule_breaks"`
	TotalTrades      int     `json:"total_trades"`
}

// TradeOutcome is one closed trade drawn from the journal, oldest first.
type TradeOutcome struct {
	PnLR      float64
	RuleBreak bool
}

// ComputeMetrics derives performance metrics from closed trades in
// journal order. An empty window returns the zero value. A window with
// wins and no losses has an infinite profit factor.
func ComputeMetrics(trades []TradeOutcome) PerformanceMetrics {
	m := PerformanceMetrics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	var grossWins, grossLosses float64
	var wins int
	var cum, peak float64
	for _, t := range trades {
		if t.PnLR > 0 {
			grossWins += t.PnLR
			wins++
		} else if t.PnLR < 0 {
			grossLosses += -t.PnLR
		}
		if t.RuleBreak {
			m.RuleBreaks++
		}

		cum += t.PnLR
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > m.MaxDrawdownR {
			m.MaxDrawdownR = dd
		}
	}

	switch {
	case grossLosses > 0:
		m.ProfitFactor = grossWins / grossLosses
	case grossWins > 0:
		m.ProfitFactor = math.Inf(1)
	}

	m.ExpectedR = cum / float64(len(trades))
	m.WinRate = float64(wins) / float64(len(trades))
	m.WinRateWilsonLB = wilsonLowerBound(wins, len(trades))
	m.CurrentDrawdownR = cum - peak
	return m
}

// wilsonLowerBound returns the 95% Wilson score lower bound for a win
// proportion, a conservative win-rate estimate for small samples.
func wilsonLowerBound(wins, n int) float64 {
	if n == 0 {
		return 0
	}
	const z = 1.96
	p := float64(wins) / float64(n)
	nf := float64(n)
	denom := 1 + z*z/nf
	center := p + z*z/(2*nf)
	margin := z * math.Sqrt(p*(1-p)/nf+z*z/(4*nf*nf))
	lb := (center - margin) / denom
	if lb < 0 {
		return 0
	}
	return lb
}
