package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lprewards/observability"
)

var (
	// ErrPriceUnavailable means no quote exists within the fallback horizon.
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
	// ErrStatsUnavailable means no pool stats exist within the fallback horizon.
	ErrStatsUnavailable = errors.New("oracle: pool stats unavailable")
)

// Quote is a USD price observation for one asset.
type Quote struct {
	Asset string
	Price *big.Rat
	AsOf  time.Time
	Stale bool
}

// PoolStats carries the pool aggregates the analytics derive trading APR from.
type PoolStats struct {
	Volume24hUSD *big.Rat
	TVLUSD       *big.Rat
	AsOf         time.Time
	Stale        bool
}

// Source fetches from the upstream price endpoint.
type Source interface {
	FetchQuote(ctx context.Context, asset string) (Quote, error)
	FetchPoolStats(ctx context.Context) (PoolStats, error)
}

// jsonDecimal tolerates both quoted and bare JSON numbers.
type jsonDecimal string

func (d *jsonDecimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*d = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = jsonDecimal(strings.TrimSpace(s))
		return nil
	}
	*d = jsonDecimal(string(data))
	return nil
}

func (d jsonDecimal) rat() (*big.Rat, error) {
	raw := strings.TrimSpace(string(d))
	if raw == "" {
		return nil, fmt.Errorf("empty decimal")
	}
	out, ok := new(big.Rat).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("malformed decimal %q", raw)
	}
	return out, nil
}

// HTTPSource implements Source against the program's price API.
type HTTPSource struct {
	baseURL string
	http    *http.Client
}

// NewHTTPSource constructs a source with the given request timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type quotePayload struct {
	Price       jsonDecimal `json:"price"`
	LastUpdated time.Time   `json:"lastUpdated"`
}

type statsPayload struct {
	Volume24hUSD jsonDecimal `json:"volume24hUsd"`
	TVLUSD       jsonDecimal `json:"tvlUsd"`
	LastUpdated  time.Time   `json:"lastUpdated"`
}

// FetchQuote requests the USD price of one asset.
func (s *HTTPSource) FetchQuote(ctx context.Context, asset string) (Quote, error) {
	var payload quotePayload
	endpoint := s.baseURL + "/price?asset=" + url.QueryEscape(asset)
	if err := s.get(ctx, endpoint, &payload); err != nil {
		return Quote{}, err
	}
	price, err := payload.Price.rat()
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: quote for %s: %w", asset, err)
	}
	if price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("oracle: non-positive price for %s", asset)
	}
	return Quote{Asset: asset, Price: price, AsOf: payload.LastUpdated}, nil
}

// FetchPoolStats requests the pool's 24h volume and TVL.
func (s *HTTPSource) FetchPoolStats(ctx context.Context) (PoolStats, error) {
	var payload statsPayload
	if err := s.get(ctx, s.baseURL+"/pool/stats", &payload); err != nil {
		return PoolStats{}, err
	}
	volume, err := payload.Volume24hUSD.rat()
	if err != nil {
		return PoolStats{}, fmt.Errorf("oracle: pool volume: %w", err)
	}
	tvl, err := payload.TVLUSD.rat()
	if err != nil {
		return PoolStats{}, fmt.Errorf("oracle: pool tvl: %w", err)
	}
	return PoolStats{Volume24hUSD: volume, TVLUSD: tvl, AsOf: payload.LastUpdated}, nil
}

func (s *HTTPSource) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("oracle: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("oracle: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle: upstream status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oracle: decode response: %w", err)
	}
	return nil
}

type cachedQuote struct {
	quote     Quote
	fetchedAt time.Time
}

type cachedStats struct {
	stats     PoolStats
	fetchedAt time.Time
}

// Option customises the client.
type Option func(*Client)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics attaches the daemon metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client caches upstream quotes for the configured TTL and serves the most
// recent value marked stale on fetch failures, up to the horizon. Beyond the
// horizon callers get ErrPriceUnavailable and decide for themselves; the
// epoch accountant treats it as a hard stop, analytics surface Unavailable.
type Client struct {
	source  Source
	ttl     time.Duration
	horizon time.Duration
	now     func() time.Time
	metrics *observability.Metrics

	mu     sync.RWMutex
	quotes map[string]cachedQuote
	stats  *cachedStats
}

// New builds a quote client over the supplied source.
func New(source Source, ttl, horizon time.Duration, opts ...Option) *Client {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if horizon < ttl {
		horizon = 10 * time.Minute
	}
	c := &Client{
		source:  source,
		ttl:     ttl,
		horizon: horizon,
		now:     time.Now,
		quotes:  make(map[string]cachedQuote),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QuoteUSD returns the USD price for the asset, from cache when fresh.
func (c *Client) QuoteUSD(ctx context.Context, asset string) (Quote, error) {
	asset = strings.ToLower(strings.TrimSpace(asset))
	if asset == "" {
		return Quote{}, fmt.Errorf("oracle: empty asset")
	}
	now := c.now()

	c.mu.RLock()
	cached, ok := c.quotes[asset]
	c.mu.RUnlock()
	if ok && now.Sub(cached.fetchedAt) < c.ttl {
		c.metrics.RecordQuoteAge(asset, now.Sub(cached.fetchedAt))
		return cached.quote, nil
	}

	fresh, err := c.source.FetchQuote(ctx, asset)
	if err == nil {
		fresh.Asset = asset
		fresh.Stale = false
		if fresh.AsOf.IsZero() {
			fresh.AsOf = now
		}
		c.mu.Lock()
		c.quotes[asset] = cachedQuote{quote: fresh, fetchedAt: now}
		c.mu.Unlock()
		c.metrics.RecordQuoteAge(asset, 0)
		return fresh, nil
	}

	c.metrics.RecordOracleFailure()
	if ok && now.Sub(cached.fetchedAt) <= c.horizon {
		stale := cached.quote
		stale.Stale = true
		c.metrics.RecordQuoteAge(asset, now.Sub(cached.fetchedAt))
		return stale, nil
	}
	return Quote{}, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, asset, err)
}

// PoolStatsUSD returns the pool aggregates, from cache when fresh.
func (c *Client) PoolStatsUSD(ctx context.Context) (PoolStats, error) {
	now := c.now()

	c.mu.RLock()
	cached := c.stats
	c.mu.RUnlock()
	if cached != nil && now.Sub(cached.fetchedAt) < c.ttl {
		return cached.stats, nil
	}

	fresh, err := c.source.FetchPoolStats(ctx)
	if err == nil {
		fresh.Stale = false
		if fresh.AsOf.IsZero() {
			fresh.AsOf = now
		}
		c.mu.Lock()
		c.stats = &cachedStats{stats: fresh, fetchedAt: now}
		c.mu.Unlock()
		return fresh, nil
	}

	c.metrics.RecordOracleFailure()
	if cached != nil && now.Sub(cached.fetchedAt) <= c.horizon {
		stale := cached.stats
		stale.Stale = true
		return stale, nil
	}
	return PoolStats{}, fmt.Errorf("%w: %v", ErrStatsUnavailable, err)
}
