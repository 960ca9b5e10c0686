package instruments

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Spec describes the contract economics and venue metadata of one tradeable
// instrument.
type Spec struct {
	Symbol     string  `yaml:"symbol" json:"symbol"`
	Name       string  `yaml:"name" json:"name"`
	Exchange   string  `yaml:"exchange" json:"exchange"`
	AssetClass string  `yaml:"asset_class" json:"asset_class"`
	PointValue float64 `yaml:"point_value" json:"point_value"`
	TickSize   float64 `yaml:"tick_size" json:"tick_size"`
	TickValue  float64 `yaml:"tick_value" json:"tick_value"`
	Timezone   string  `yaml:"timezone" json:"timezone"`
}

// specsFile is the on-disk shape of config/instruments.yaml.
type specsFile struct {
	Instruments map[string]Spec `yaml:"instruments"`
}

// Service resolves instrument specs by symbol. Read-only after construction.
type Service struct {
	specs map[string]Spec
}

// NewService builds a Service from an already-parsed spec set.
func NewService(specs map[string]Spec) *Service {
	m := make(map[string]Spec, len(specs))
	for sym, sp := range specs {
		sp.Symbol = sym
		if sp.TickValue == 0 && sp.TickSize > 0 {
			sp.TickValue = sp.TickSize * sp.PointValue
		}
		m[sym] = sp
	}
	return &Service{specs: m}
}

// LoadService reads instrument specs from a YAML file.
func LoadService(path string) (*Service, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments config: %w", err)
	}
	var f specsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse instruments YAML: %w", err)
	}
	if len(f.Instruments) == 0 {
		return nil, fmt.Errorf("instruments config %s defines no instruments", path)
	}
	for sym, sp := range f.Instruments {
		if sp.PointValue <= 0 {
			return nil, fmt.Errorf("instrument %s: point_value must be positive", sym)
		}
		if sp.TickSize <= 0 {
			return nil, fmt.Errorf("instrument %s: tick_size must be positive", sym)
		}
	}
	svc := NewService(f.Instruments)
	log.Info().Int("instruments", len(svc.specs)).Str("path", path).Msg("Loaded instrument specifications")
	return svc, nil
}

// DefaultService covers the micro index futures the system trades out of the
// box; a config file overrides it entirely.
func DefaultService() *Service {
	return NewService(map[string]Spec{
		"MNQ": {Name: "Micro E-mini Nasdaq-100", Exchange: "CME", AssetClass: "futures", PointValue: 2.0, TickSize: 0.25, Timezone: "America/Chicago"},
		"MES": {Name: "Micro E-mini S&P 500", Exchange: "CME", AssetClass: "futures", PointValue: 5.0, TickSize: 0.25, Timezone: "America/Chicago"},
	})
}

// Spec returns the specification for symbol.
func (s *Service) Spec(symbol string) (Spec, error) {
	sp, ok := s.specs[symbol]
	if !ok {
		return Spec{}, fmt.Errorf("instrument %q not found in configuration", symbol)
	}
	return sp, nil
}

// PointValue returns the dollar value of one full point for symbol.
func (s *Service) PointValue(symbol string) (float64, error) {
	sp, err := s.Spec(symbol)
	if err != nil {
		return 0, err
	}
	return sp.PointValue, nil
}

// TickSize returns the minimum price increment for symbol.
func (s *Service) TickSize(symbol string) (float64, error) {
	sp, err := s.Spec(symbol)
	if err != nil {
		return 0, err
	}
	return sp.TickSize, nil
}

// Symbols lists every configured symbol.
func (s *Service) Symbols() []string {
	out := make([]string, 0, len(s.specs))
	for sym := range s.specs {
		out = append(out, sym)
	}
	return out
}
