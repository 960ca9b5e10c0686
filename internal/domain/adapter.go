package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExternalAlert is the payload shape accepted from external signal platforms
// after transport-level parsing. Field names follow the common alert
// template; anything platform specific stays outside this package.
type ExternalAlert struct {
	Ticker     string  `json:"ticker"`
	Action     string  `json:"action"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	Target     float64 `json:"target"`
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
	Comment    string  `json:"comment"`
}

// vendor suffixes appended by charting platforms to futures tickers
var symbolSuffixes = []string{"-FUTURES", ".FUT", ".F", "1!", "2!"}

// NormalizeSymbol strips vendor suffixes and uppercases a ticker so the rest
// of the system sees one canonical symbol per instrument.
func NormalizeSymbol(ticker string) string {
	sym := strings.ToUpper(strings.TrimSpace(ticker))
	for changed := true; changed; {
		changed = false
		for _, suf := range symbolSuffixes {
			if strings.HasSuffix(sym, suf) {
				sym = strings.TrimSuffix(sym, suf)
				changed = true
			}
		}
	}
	return sym
}

// FromAlert converts an external alert into a validated Signal.
func FromAlert(a ExternalAlert, now time.Time) (*Signal, error) {
	var dir Direction
	switch strings.ToLower(strings.TrimSpace(a.Action)) {
	case "buy", "long":
		dir = Long
	case "sell", "short":
		dir = Short
	default:
		return nil, fmt.Errorf("alert for %s: unknown action %q", a.Ticker, a.Action)
	}

	conf := a.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.5
	}

	sig := &Signal{
		Symbol:     NormalizeSymbol(a.Ticker),
		Direction:  dir,
		Entry:      a.Entry,
		Stop:       a.Stop,
		Target:     a.Target,
		Strategy:   a.Strategy,
		Confidence: conf,
		Timestamp:  now,
		Notes:      a.Comment,
	}
	if sig.Strategy == "" {
		sig.Strategy = "external"
	}
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("alert rejected: %w", err)
	}
	return sig, nil
}
