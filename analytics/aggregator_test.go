package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"lprewards/chain"
	"lprewards/oracle"
	"lprewards/storage"
)

const (
	ownerA       = "0x1111111111111111111111111111111111111111"
	ownerB       = "0x2222222222222222222222222222222222222222"
	ownerIdle    = "0x3333333333333333333333333333333333333333"
	treasuryAddr = "0x4444444444444444444444444444444444444444"
	rewardToken  = "0x00000000000000000000000000000000000000cc"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
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

type stubReader struct {
	mu      sync.Mutex
	balance *big.Int
	balErr  error
	meta    chain.PoolMeta
}

func (s *stubReader) FetchPoolMeta(context.Context) (chain.PoolMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

func (s *stubReader) FetchTokenBalance(context.Context, common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balErr != nil {
		return nil, s.balErr
	}
	return new(big.Int).Set(s.balance), nil
}

func (s *stubReader) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return 18, nil
}

type stubPrices struct {
	mu    sync.Mutex
	price *big.Rat
	stats oracle.PoolStats
	err   error
}

func (s *stubPrices) QuoteUSD(_ context.Context, asset string) (oracle.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return oracle.Quote{}, s.err
	}
	return oracle.Quote{Asset: asset, Price: s.price}, nil
}

func (s *stubPrices) PoolStatsUSD(context.Context) (oracle.PoolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return oracle.PoolStats{}, s.err
	}
	return s.stats, nil
}

func (s *stubPrices) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type rig struct {
	agg    *Aggregator
	store  *storage.Store
	reader *stubReader
	prices *stubPrices
	clock  *manualClock
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := storage.Open(dsn, storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	err = store.SeedProgram(context.Background(),
		storage.TreasuryConfig{
			TotalAllocation:     "1000000000000000000000000",
			ProgramStartTime:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			ProgramDurationDays: 180,
			DailyBudget:         "5000000000000000000000",
			TokenAddress:        rewardToken,
		},
		storage.ProgramSettings{
			TimeBoostCoefficient:     "0.6",
			FullRangeBonus:           "1.2",
			InRangeMultiplier:        "1.0",
			SignificanceThresholdUSD: "500",
			AbsoluteMaxClaimUnits:    "10000000000000000000000",
		},
	)
	if err != nil {
		t.Fatalf("seed program: %v", err)
	}

	reader := &stubReader{
		balance: new(big.Int).Mul(big.NewInt(777), big.NewInt(1e18)),
		meta: chain.PoolMeta{
			Token0:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			Token1:      common.HexToAddress("0x00000000000000000000000000000000000000bb"),
			FeeTier:     3000,
			TickSpacing: 60,
		},
	}
	prices := &stubPrices{
		price: big.NewRat(2, 1),
		stats: oracle.PoolStats{
			Volume24hUSD: big.NewRat(1_000_000, 1),
			TVLUSD:       big.NewRat(1_000_000, 1),
		},
	}
	agg := New(store, reader, prices, Config{
		Treasury:    common.HexToAddress(treasuryAddr),
		RewardAsset: "reward",
	}, WithClock(clock.Now))
	return &rig{agg: agg, store: store, reader: reader, prices: prices, clock: clock}
}

func (r *rig) enrollEligible(t *testing.T, owner string, tokenID uint64, valueUSD string) storage.EnrolledPosition {
	t.Helper()
	user, _, err := r.store.EnsureUser(context.Background(), owner)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	pos, _, err := r.store.UpsertPosition(context.Background(), storage.EnrolledPosition{
		UserID:          user.ID,
		TokenID:         tokenID,
		TickLower:       -600,
		TickUpper:       600,
		FeeTier:         3000,
		LiquidityUnits:  "1000000",
		CurrentValueUSD: valueUSD,
		IsActive:        true,
		RewardEligible:  true,
	})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	return pos
}

func approx(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestProgramSnapshot(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	rig.enrollEligible(t, ownerA, 1, "600000")
	rig.enrollEligible(t, ownerB, 2, "400000")
	// Known user without positions counts as registered but not active.
	if _, _, err := rig.store.EnsureUser(ctx, ownerIdle); err != nil {
		t.Fatalf("ensure idle user: %v", err)
	}

	snap, err := rig.agg.Program(ctx)
	if err != nil {
		t.Fatalf("program: %v", err)
	}
	// 5000 tokens/day at $2 over $1M of eligible liquidity.
	approx(t, snap.ProgramAPR, 3.65)
	if snap.ActiveLiquidityProviders != 2 || snap.RegisteredUsers != 3 {
		t.Fatalf("participation counts: %+v", snap)
	}
	if snap.TotalLiquidityUSD != "1000000.000000000000000000" {
		t.Fatalf("total liquidity: %q", snap.TotalLiquidityUSD)
	}
	if snap.TreasuryTotal != "777000000000000000000" {
		t.Fatalf("treasury total: %q", snap.TreasuryTotal)
	}
}

func TestProgramAPRUsesSignificanceFloor(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	// $100 of eligible liquidity is below the $500 floor; without the
	// floor this would advertise a 36500% rate.
	rig.enrollEligible(t, ownerA, 1, "100")

	snap, err := rig.agg.Program(ctx)
	if err != nil {
		t.Fatalf("program: %v", err)
	}
	approx(t, snap.ProgramAPR, 7300)
}

func TestSnapshotCacheServesThroughOutage(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	rig.enrollEligible(t, ownerA, 1, "600000")

	first, err := rig.agg.Program(ctx)
	if err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	rig.prices.setErr(errors.New("oracle 503"))

	rig.clock.Advance(10 * time.Second)
	cached, err := rig.agg.Program(ctx)
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}
	if cached.AsOf != first.AsOf {
		t.Fatalf("expected cached snapshot, got %+v", cached)
	}

	// Past the window the aggregator refuses to fabricate.
	rig.clock.Advance(25 * time.Second)
	if _, err := rig.agg.Program(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	rig.prices.setErr(nil)
	if _, err := rig.agg.Program(ctx); err != nil {
		t.Fatalf("recovery: %v", err)
	}
}

func TestTradingAPR(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	snap, err := rig.agg.Trading(ctx)
	if err != nil {
		t.Fatalf("trading: %v", err)
	}
	// $1M daily volume at a 0.3% fee over $1M TVL.
	approx(t, snap.TradingFeesAPR, 109.5)
}

func TestTradingAPRUnavailableWithoutTVL(t *testing.T) {
	rig := newRig(t)
	rig.prices.mu.Lock()
	rig.prices.stats.TVLUSD = new(big.Rat)
	rig.prices.mu.Unlock()

	if _, err := rig.agg.Trading(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestUserAPR(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	pos := rig.enrollEligible(t, ownerA, 1, "10000")
	user, err := rig.store.UserByAddress(ctx, ownerA)
	if err != nil {
		t.Fatalf("user: %v", err)
	}

	// No closed epoch yet: zero, not an error.
	apr, err := rig.agg.UserAPR(ctx, user.ID)
	if err != nil || apr != 0 {
		t.Fatalf("expected zero before first close, got %v err %v", apr, err)
	}

	start := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	err = rig.store.CloseEpoch(ctx, storage.RewardEpoch{
		EpochIndex:  0,
		EpochStart:  start,
		EpochEnd:    start.Add(24 * time.Hour),
		Budget:      "5000000000000000000000",
		RolloverIn:  "0",
		Distributed: "100000000000000000000",
		RolloverOut: "4900000000000000000000",
		Normalizer:  "1.000000000000000000",
	}, []storage.RewardAccrual{{
		UserID:           user.ID,
		PositionID:       pos.ID,
		TokenID:          1,
		EpochIndex:       0,
		EpochStart:       start,
		EpochEnd:         start.Add(24 * time.Hour),
		RewardUnits:      "100000000000000000000",
		AccumulatedUnits: "100000000000000000000",
	}})
	if err != nil {
		t.Fatalf("close epoch: %v", err)
	}

	// 100 tokens/day at $2 against $10k of eligible value.
	apr, err = rig.agg.UserAPR(ctx, user.ID)
	if err != nil {
		t.Fatalf("user apr: %v", err)
	}
	approx(t, apr, 7.3)
}
