package oracle

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type scriptedSource struct {
	mu      sync.Mutex
	fetches int
	fail    bool
	price   *big.Rat
	stats   PoolStats
}

func (s *scriptedSource) FetchQuote(_ context.Context, asset string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fail {
		return Quote{}, errors.New("upstream 503")
	}
	return Quote{Asset: asset, Price: s.price, AsOf: time.Now()}, nil
}

func (s *scriptedSource) FetchPoolStats(context.Context) (PoolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fail {
		return PoolStats{}, errors.New("upstream 503")
	}
	return s.stats, nil
}

func (s *scriptedSource) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestQuoteServedFromCacheWithinTTL(t *testing.T) {
	source := &scriptedSource{price: big.NewRat(5, 4)}
	clock := newManualClock()
	client := New(source, time.Minute, 10*time.Minute, WithClock(clock.Now))

	first, err := client.QuoteUSD(context.Background(), "0xAAaa")
	if err != nil {
		t.Fatalf("first quote: %v", err)
	}
	if first.Stale {
		t.Fatalf("fresh quote must not be stale")
	}
	if first.Asset != "0xaaaa" {
		t.Fatalf("asset key must canonicalize lowercase, got %q", first.Asset)
	}

	clock.Advance(30 * time.Second)
	second, err := client.QuoteUSD(context.Background(), "0xaaaa")
	if err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if second.Price.Cmp(big.NewRat(5, 4)) != 0 {
		t.Fatalf("unexpected cached price: %s", second.Price)
	}
	if got := source.count(); got != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", got)
	}
}

func TestQuoteFallsBackStaleWithinHorizon(t *testing.T) {
	source := &scriptedSource{price: big.NewRat(2, 1)}
	clock := newManualClock()
	client := New(source, time.Minute, 10*time.Minute, WithClock(clock.Now))

	if _, err := client.QuoteUSD(context.Background(), "0xaaaa"); err != nil {
		t.Fatalf("seed quote: %v", err)
	}

	source.setFail(true)
	clock.Advance(5 * time.Minute)
	quote, err := client.QuoteUSD(context.Background(), "0xaaaa")
	if err != nil {
		t.Fatalf("stale fallback: %v", err)
	}
	if !quote.Stale {
		t.Fatalf("expected stale flag on fallback quote")
	}
	if quote.Price.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("unexpected stale price: %s", quote.Price)
	}
}

func TestQuoteUnavailableBeyondHorizon(t *testing.T) {
	source := &scriptedSource{price: big.NewRat(2, 1)}
	clock := newManualClock()
	client := New(source, time.Minute, 10*time.Minute, WithClock(clock.Now))

	if _, err := client.QuoteUSD(context.Background(), "0xaaaa"); err != nil {
		t.Fatalf("seed quote: %v", err)
	}

	source.setFail(true)
	clock.Advance(11 * time.Minute)
	_, err := client.QuoteUSD(context.Background(), "0xaaaa")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestQuoteUnavailableWithoutHistory(t *testing.T) {
	source := &scriptedSource{}
	source.setFail(true)
	client := New(source, time.Minute, 10*time.Minute)

	_, err := client.QuoteUSD(context.Background(), "0xaaaa")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestPoolStatsFallback(t *testing.T) {
	source := &scriptedSource{stats: PoolStats{
		Volume24hUSD: big.NewRat(1_000_000, 1),
		TVLUSD:       big.NewRat(5_000_000, 1),
		AsOf:         time.Now(),
	}}
	clock := newManualClock()
	client := New(source, time.Minute, 10*time.Minute, WithClock(clock.Now))

	if _, err := client.PoolStatsUSD(context.Background()); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	source.setFail(true)
	clock.Advance(2 * time.Minute)
	stats, err := client.PoolStatsUSD(context.Background())
	if err != nil {
		t.Fatalf("stale stats: %v", err)
	}
	if !stats.Stale {
		t.Fatalf("expected stale stats")
	}

	clock.Advance(20 * time.Minute)
	if _, err := client.PoolStatsUSD(context.Background()); !errors.Is(err, ErrStatsUnavailable) {
		t.Fatalf("expected ErrStatsUnavailable, got %v", err)
	}
}

func TestHTTPSourceDecodesQuotedAndBareNumbers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/price":
			if r.URL.Query().Get("asset") == "" {
				http.Error(w, "missing asset", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"price":"1.25","lastUpdated":"2026-03-01T12:00:00Z"}`))
		case "/pool/stats":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"volume24hUsd":123456.5,"tvlUsd":"9876543.25","lastUpdated":"2026-03-01T12:00:00Z"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, time.Second)
	quote, err := source.FetchQuote(context.Background(), "0xaaaa")
	if err != nil {
		t.Fatalf("fetch quote: %v", err)
	}
	if quote.Price.Cmp(big.NewRat(5, 4)) != 0 {
		t.Fatalf("unexpected price: %s", quote.Price)
	}

	stats, err := source.FetchPoolStats(context.Background())
	if err != nil {
		t.Fatalf("fetch stats: %v", err)
	}
	if stats.Volume24hUSD.Cmp(big.NewRat(2469130, 20)) != 0 {
		t.Fatalf("unexpected volume: %s", stats.Volume24hUSD)
	}
	if stats.TVLUSD.Cmp(big.NewRat(39506173, 4)) != 0 {
		t.Fatalf("unexpected tvl: %s", stats.TVLUSD)
	}
}

func TestHTTPSourceRejectsUpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, time.Second)
	if _, err := source.FetchQuote(context.Background(), "0xaaaa"); err == nil {
		t.Fatalf("expected upstream error")
	}
}
