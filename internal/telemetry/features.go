package telemetry

import (
	"fmt"
	"time"
)

const (
	// MinBars is the shortest bar window features can be computed from.
	MinBars = 20

	defaultPeriod   = 14
	slopeLookback   = 20
	slopeSessions   = 20
	baselineWindow  = 20
	defaultBarSpanM = 15
)

// Bar is one OHLCV price bar.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Quote is a top-of-book snapshot. Sizes may be zero when the feed does not
// provide depth.
type Quote struct {
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	BidSize float64 `json:"bid_size"`
	AskSize float64 `json:"ask_size"`
}

// Extras carries feature inputs that come from outside the bar window.
type Extras struct {
	NewsProximityMin *float64
	EntryP90Slippage float64
	ExitP90Slippage  float64
	Timestamp        time.Time
}

// MarketFeatures is the immutable per-cycle snapshot every downstream
// decision consumes. Built once per cycle, never mutated.
type MarketFeatures struct {
	Timestamp time.Time `json:"timestamp"`

	// Trend
	ADX             float64 `json:"adx_14"`
	VWAP            float64 `json:"vwap"`
	VWAPSlopeAbs    float64 `json:"vwap_slope_abs"`
	VWAPSlopeMedian float64 `json:"vwap_slope_median_20d"`

	// Volatility
	ATR         float64 `json:"atr_14"`
	BaselineATR float64 `json:"baseline_atr"`

	// Opening range
	ORHigh        float64 `json:"or_high"`
	ORLow         float64 `json:"or_low"`
	ORHoldMinutes int     `json:"or_hold_minutes"`

	// Microstructure
	SpreadTicks   float64 `json:"spread_ticks"`
	OBImbalance   float64 `json:"ob_imbalance"`
	RelVolumeHour float64 `json:"rel_volume_hour"`

	// Risk context
	NewsProximityMin *float64 `json:"news_proximity_min,omitempty"`
	EntryP90Slippage float64  `json:"entry_p90_slippage"`
	ExitP90Slippage  float64  `json:"exit_p90_slippage"`
}

// Calculator computes MarketFeatures from bar windows. Safe for concurrent
// use; it holds only the instrument tick size.
type Calculator struct {
	tickSize float64
}

// NewCalculator builds a Calculator for an instrument tick size.
func NewCalculator(tickSize float64) *Calculator {
	if tickSize <= 0 {
		tickSize = 0.25
	}
	return &Calculator{tickSize: tickSize}
}

// Compute builds the full feature snapshot from a bar window, the current
// price, and an optional quote. It fails below MinBars rather than emitting
// unreliable indicator values.
func (c *Calculator) Compute(bars []Bar, currentPrice float64, quote *Quote, ex Extras) (MarketFeatures, error) {
	if len(bars) < MinBars {
		return MarketFeatures{}, fmt.Errorf("need at least %d bars for feature calculation, got %d", MinBars, len(bars))
	}

	ts := ex.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	vwaps := vwapSeries(bars)
	atrs := atrSeries(bars, defaultPeriod)

	orHigh, orLow := openingRange(bars)

	f := MarketFeatures{
		Timestamp:        ts,
		ADX:              ADX(bars, defaultPeriod),
		VWAP:             vwaps[len(vwaps)-1],
		VWAPSlopeAbs:     slopeAbs(vwaps, slopeLookback),
		VWAPSlopeMedian:  slopeMedian(vwaps, slopeLookback, slopeSessions),
		ATR:              ATR(bars, defaultPeriod),
		BaselineATR:      baselineATR(atrs, baselineWindow),
		ORHigh:           orHigh,
		ORLow:            orLow,
		ORHoldMinutes:    orHoldMinutes(currentPrice, orHigh, orLow, bars),
		RelVolumeHour:    relativeVolume(bars),
		NewsProximityMin: ex.NewsProximityMin,
		EntryP90Slippage: ex.EntryP90Slippage,
		ExitP90Slippage:  ex.ExitP90Slippage,
	}

	if quote != nil {
		f.SpreadTicks = c.SpreadTicks(quote.Bid, quote.Ask)
		f.OBImbalance = Imbalance(quote.BidSize, quote.AskSize)
	}

	return f, nil
}

// SpreadTicks converts a bid/ask pair into a spread expressed in ticks.
func (c *Calculator) SpreadTicks(bid, ask float64) float64 {
	if c.tickSize == 0 || ask <= bid {
		return 0
	}
	return (ask - bid) / c.tickSize
}

// Imbalance returns (bid-ask)/(bid+ask) size imbalance in [-1, 1].
func Imbalance(bidSize, askSize float64) float64 {
	total := bidSize + askSize
	if total == 0 {
		return 0
	}
	return (bidSize - askSize) / total
}

// baselineATR is the median ATR over the trailing window, used to normalize
// position size across volatility regimes.
func baselineATR(atrs []float64, window int) float64 {
	if len(atrs) == 0 {
		return 0
	}
	if len(atrs) > window {
		atrs = atrs[len(atrs)-window:]
	}
	return median(atrs)
}

// openingRange returns the first bar's high/low as the session opening range.
func openingRange(bars []Bar) (high, low float64) {
	return bars[0].High, bars[0].Low
}

// orHoldMinutes counts how long price has stayed inside the opening range,
// walking back from the latest bar. Zero once the current price breaks out.
func orHoldMinutes(currentPrice, orHigh, orLow float64, bars []Bar) int {
	if currentPrice > orHigh || currentPrice < orLow {
		return 0
	}
	span := barSpanMinutes(bars)
	hold := 0
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Close >= orLow && bars[i].Close <= orHigh {
			hold++
		} else {
			break
		}
	}
	return hold * span
}

func barSpanMinutes(bars []Bar) int {
	if len(bars) >= 2 {
		if m := int(bars[1].Time.Sub(bars[0].Time).Minutes()); m > 0 {
			return m
		}
	}
	return defaultBarSpanM
}

// relativeVolume compares the latest bar's volume to the window average.
func relativeVolume(bars []Bar) float64 {
	var sum float64
	for _, b := range bars {
		sum += b.Volume
	}
	avg := sum / float64(len(bars))
	if avg == 0 {
		return 1.0
	}
	return bars[len(bars)-1].Volume / avg
}
