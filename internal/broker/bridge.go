package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/gearbox/data/cache"
)

// BridgeConfig configures the REST bridge adapter.
type BridgeConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	SubmitPerSec  float64       `yaml:"submit_per_sec"`
	QuoteCacheTTL time.Duration `yaml:"quote_cache_ttl"`
}

// UnmarshalYAML accepts timeout and quote_cache_ttl as duration
// strings ("5s", "500ms"). Absent keys keep their current values.
func (c *BridgeConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL       *string  `yaml:"base_url"`
		APIKey        *string  `yaml:"api_key"`
		Timeout       *string  `yaml:"timeout"`
		RetryCount    *int     `yaml:"retry_count"`
		SubmitPerSec  *float64 `yaml:"submit_per_sec"`
		QuoteCacheTTL *string  `yaml:"quote_cache_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.BaseURL != nil {
		c.BaseURL = *raw.BaseURL
	}
	if raw.APIKey != nil {
		c.APIKey = *raw.APIKey
	}
	if raw.RetryCount != nil {
		c.RetryCount = *raw.RetryCount
	}
	if raw.SubmitPerSec != nil {
		c.SubmitPerSec = *raw.SubmitPerSec
	}
	if raw.Timeout != nil {
		d, err := time.ParseDuration(*raw.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = d
	}
	if raw.QuoteCacheTTL != nil {
		d, err := time.ParseDuration(*raw.QuoteCacheTTL)
		if err != nil {
			return fmt.Errorf("quote_cache_ttl: %w", err)
		}
		c.QuoteCacheTTL = d
	}
	return nil
}

// DefaultBridgeConfig returns conservative bridge settings.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		BaseURL:       "http://127.0.0.1:8787",
		Timeout:       5 * time.Second,
		RetryCount:    2,
		SubmitPerSec:  2,
		QuoteCacheTTL: 500 * time.Millisecond,
	}
}

// Bridge talks to a local broker sidecar over JSON HTTP. Order
// submission is paced by a token-bucket limiter; quotes and market-open
// checks are cached briefly to keep the hot path off the wire.
type Bridge struct {
	cfg     BridgeConfig
	client  *resty.Client
	limiter *rate.Limiter
	quotes  cache.Cache
}

// NewBridge builds the bridge adapter. quotes may be nil to disable
// caching.
func NewBridge(cfg BridgeConfig, quotes cache.Cache) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.SubmitPerSec <= 0 {
		cfg.SubmitPerSec = 2
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Bridge{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitPerSec), 1),
		quotes:  quotes,
	}
}

func (b *Bridge) Name() string { return "bridge" }

func (b *Bridge) IsMarketOpen(ctx context.Context, symbol string) (bool, error) {
	var out struct {
		Open bool `json:"open"`
	}
	key := "market_open:" + symbol
	if b.cached(key, &out) {
		return out.Open, nil
	}
	resp, err := b.client.R().SetContext(ctx).SetResult(&out).
		Get("/market/" + symbol + "/open")
	if err := checkResp(resp, err); err != nil {
		return false, fmt.Errorf("market open check: %w", err)
	}
	b.store(key, out)
	return out.Open, nil
}

func (b *Bridge) GetPrice(ctx context.Context, symbol string) (float64, error) {
	q, err := b.GetBidAsk(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if q.Last > 0 {
		return q.Last, nil
	}
	return q.Mid(), nil
}

func (b *Bridge) GetBidAsk(ctx context.Context, symbol string) (Quote, error) {
	var q Quote
	key := "quote:" + symbol
	if b.cached(key, &q) {
		return q, nil
	}
	resp, err := b.client.R().SetContext(ctx).SetResult(&q).
		Get("/quote/" + symbol)
	if err := checkResp(resp, err); err != nil {
		return Quote{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	b.store(key, q)
	return q, nil
}

func (b *Bridge) Submit(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return OrderResponse{}, fmt.Errorf("submit pacing: %w", err)
	}
	var out OrderResponse
	resp, err := b.client.R().SetContext(ctx).SetBody(req).SetResult(&out).
		Post("/orders")
	if err := checkResp(resp, err); err != nil {
		return OrderResponse{}, fmt.Errorf("submit order: %w", err)
	}
	log.Info().
		Str("broker_order_id", out.BrokerOrderID).
		Str("status", string(out.Status)).
		Msg("bridge order submitted")
	return out, nil
}

func (b *Bridge) Cancel(ctx context.Context, brokerOrderID string) error {
	resp, err := b.client.R().SetContext(ctx).
		Delete("/orders/" + brokerOrderID)
	if err := checkResp(resp, err); err != nil {
		return fmt.Errorf("cancel order %s: %w", brokerOrderID, err)
	}
	return nil
}

func (b *Bridge) GetOpenOrders(ctx context.Context) ([]OrderResponse, error) {
	var out []OrderResponse
	resp, err := b.client.R().SetContext(ctx).SetResult(&out).
		Get("/orders/open")
	if err := checkResp(resp, err); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	return out, nil
}

func (b *Bridge) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	resp, err := b.client.R().SetContext(ctx).SetResult(&out).
		Get("/positions")
	if err := checkResp(resp, err); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	return out, nil
}

func (b *Bridge) GetFills(ctx context.Context, since time.Time) ([]Fill, error) {
	var out []Fill
	resp, err := b.client.R().SetContext(ctx).SetResult(&out).
		SetQueryParam("since", since.UTC().Format(time.RFC3339)).
		Get("/fills")
	if err := checkResp(resp, err); err != nil {
		return nil, fmt.Errorf("fills: %w", err)
	}
	return out, nil
}

func checkResp(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("bridge returned %s: %s", resp.Status(), resp.String())
	}
	return nil
}

func (b *Bridge) cached(key string, out any) bool {
	if b.quotes == nil {
		return false
	}
	raw, ok := b.quotes.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (b *Bridge) store(key string, v any) {
	if b.quotes == nil {
		return
	}
	if raw, err := json.Marshal(v); err == nil {
		b.quotes.Set(key, raw, b.cfg.QuoteCacheTTL)
	}
}
