package telemetry

import (
	"math"
	"sort"
)

// trueRanges returns the true range series for bars[1:].
func trueRanges(bars []Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		out = append(out, math.Max(hl, math.Max(hc, lc)))
	}
	return out
}

// wilderSmooth applies Wilder's recursive smoothing to a series: the first
// output is the mean of the first period values, each subsequent output is
// (prev*(period-1) + x) / period.
func wilderSmooth(xs []float64, period int) []float64 {
	if len(xs) < period {
		return nil
	}
	out := make([]float64, 0, len(xs)-period+1)
	sum := 0.0
	for _, x := range xs[:period] {
		sum += x
	}
	prev := sum / float64(period)
	out = append(out, prev)
	for _, x := range xs[period:] {
		prev = (prev*float64(period-1) + x) / float64(period)
		out = append(out, prev)
	}
	return out
}

// atrSeries returns the Wilder ATR series for the bars, or nil when there is
// not enough history (period+1 bars).
func atrSeries(bars []Bar, period int) []float64 {
	return wilderSmooth(trueRanges(bars), period)
}

// ATR returns the latest Wilder average true range, 0 without enough bars.
func ATR(bars []Bar, period int) float64 {
	s := atrSeries(bars, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// ADX returns Wilder's average directional index (0-100). Returns 0 when
// fewer than 2*period+1 bars are available, matching the NaN-to-zero
// behavior of the reference implementation.
func ADX(bars []Bar, period int) float64 {
	if len(bars) < 2*period+1 {
		return 0
	}

	n := len(bars) - 1
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
	}

	tr := wilderSmooth(trueRanges(bars), period)
	pdm := wilderSmooth(plusDM, period)
	mdm := wilderSmooth(minusDM, period)

	dx := make([]float64, 0, len(tr))
	for i := range tr {
		if tr[i] == 0 {
			dx = append(dx, 0)
			continue
		}
		plusDI := 100 * pdm[i] / tr[i]
		minusDI := 100 * mdm[i] / tr[i]
		sum := plusDI + minusDI
		if sum == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, 100*math.Abs(plusDI-minusDI)/sum)
	}

	adx := wilderSmooth(dx, period)
	if len(adx) == 0 {
		return 0
	}
	return adx[len(adx)-1]
}

// vwapSeries returns the running volume-weighted average price after each
// bar, using the typical price (H+L+C)/3. Zero-volume prefixes yield the
// typical price itself.
func vwapSeries(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	var pvSum, vSum float64
	for i, b := range bars {
		tp := (b.High + b.Low + b.Close) / 3
		pvSum += tp * b.Volume
		vSum += b.Volume
		if vSum > 0 {
			out[i] = pvSum / vSum
		} else {
			out[i] = tp
		}
	}
	return out
}

// slopeAbs returns |series_now - series_lookback_ago| / lookback, 0 without
// enough history.
func slopeAbs(series []float64, lookback int) float64 {
	if len(series) < lookback+1 {
		return 0
	}
	cur := series[len(series)-1]
	past := series[len(series)-1-lookback]
	return math.Abs(cur-past) / float64(lookback)
}

// slopeMedian returns the median of slopeAbs over up to `sessions`
// consecutive windows of lookback+1 points each, newest first. Returns 0
// when fewer than two full windows exist.
func slopeMedian(series []float64, lookback, sessions int) float64 {
	window := lookback + 1
	var slopes []float64
	for i := 0; i < sessions; i++ {
		end := len(series) - i*window
		start := end - window
		if start < 0 {
			break
		}
		slopes = append(slopes, slopeAbs(series[start:end], lookback))
	}
	if len(slopes) < 2 {
		return 0
	}
	return median(slopes)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
