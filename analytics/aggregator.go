// Package analytics derives the program's display figures: program and
// trading fee APRs, participation counts, aggregate liquidity and the
// treasury balance. Figures are recomputed on demand behind a short
// cache and never fabricated: once the cache expires, a missing input
// surfaces as ErrUnavailable rather than a stale or invented number.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"lprewards/chain"
	"lprewards/observability"
	"lprewards/oracle"
	"lprewards/storage"
)

// ErrUnavailable means a display figure cannot be derived right now:
// an input is missing and the cached value has expired.
var ErrUnavailable = errors.New("analytics: unavailable")

// ChainReader is the slice of the chain client the aggregator uses.
type ChainReader interface {
	FetchPoolMeta(ctx context.Context) (chain.PoolMeta, error)
	FetchTokenBalance(ctx context.Context, holder common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// PriceSource serves USD quotes and pool aggregates.
type PriceSource interface {
	QuoteUSD(ctx context.Context, asset string) (oracle.Quote, error)
	PoolStatsUSD(ctx context.Context) (oracle.PoolStats, error)
}

// Config tunes the aggregator.
type Config struct {
	// Treasury is the address whose reward-token balance is reported.
	Treasury common.Address
	// RewardAsset is the oracle key for the reward token's USD quote.
	RewardAsset string
	CacheTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	return c
}

// ProgramSnapshot is the cached program-analytics payload.
type ProgramSnapshot struct {
	ProgramAPR               float64   `json:"programAPR"`
	ActiveLiquidityProviders int       `json:"activeLiquidityProviders"`
	RegisteredUsers          int64     `json:"registeredUsers"`
	TotalLiquidityUSD        string    `json:"totalLiquidity"`
	TreasuryTotal            string    `json:"treasuryTotal"`
	AsOf                     time.Time `json:"asOf"`
}

// TradingSnapshot is the cached trading-fee payload.
type TradingSnapshot struct {
	TradingFeesAPR float64   `json:"tradingFeesAPR"`
	AsOf           time.Time `json:"asOf"`
}

// Aggregator computes display figures over the store, the chain reader
// and the price oracle. One goroutine recomputes at a time; readers
// inside the cache window get the published snapshot.
type Aggregator struct {
	store   *storage.Store
	reader  ChainReader
	quotes  PriceSource
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	meta    *chain.PoolMeta
	program *ProgramSnapshot
	trading *TradingSnapshot
}

// Option customises aggregator construction.
type Option func(*Aggregator)

// WithLogger attaches a logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics attaches the daemon metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New wires an aggregator.
func New(store *storage.Store, reader ChainReader, quotes PriceSource, cfg Config, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		reader: reader,
		quotes: quotes,
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Program returns the program-wide analytics snapshot, recomputing it
// once the cache window has elapsed.
func (a *Aggregator) Program(ctx context.Context) (ProgramSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.program != nil && a.now().Sub(a.program.AsOf) < a.cfg.CacheTTL {
		return *a.program, nil
	}
	snapshot, err := a.computeProgram(ctx)
	if err != nil {
		a.metrics.RecordAnalyticsUnavailable()
		a.log.Warn("program analytics unavailable", "error", err)
		return ProgramSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a.program = &snapshot
	return snapshot, nil
}

// Trading returns the trading-fee APR snapshot.
func (a *Aggregator) Trading(ctx context.Context) (TradingSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.trading != nil && a.now().Sub(a.trading.AsOf) < a.cfg.CacheTTL {
		return *a.trading, nil
	}
	snapshot, err := a.computeTrading(ctx)
	if err != nil {
		a.metrics.RecordAnalyticsUnavailable()
		a.log.Warn("trading analytics unavailable", "error", err)
		return TradingSnapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a.trading = &snapshot
	return snapshot, nil
}

// UserAPR reports one user's effective APR: their share of the latest
// closed epoch's distribution, annualised against their eligible
// liquidity. A user with no closed-epoch rewards or no eligible value
// reads zero; that is honest, not fabricated.
func (a *Aggregator) UserAPR(ctx context.Context, userID uuid.UUID) (float64, error) {
	last, err := a.store.LastClosedEpoch(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}

	accruals, err := a.store.AccrualsByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	epochUnits := new(big.Int)
	for i := range accruals {
		if accruals[i].EpochIndex == last.EpochIndex {
			epochUnits.Add(epochUnits, accruals[i].Units())
		}
	}
	if epochUnits.Sign() == 0 {
		return 0, nil
	}

	positions, err := a.store.EligiblePositionsByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	userUSD := new(big.Rat)
	for i := range positions {
		userUSD.Add(userUSD, positions[i].ValueUSD())
	}
	if userUSD.Sign() == 0 {
		return 0, nil
	}

	price, scale, err := a.rewardTokenPrice(ctx)
	if err != nil {
		a.metrics.RecordAnalyticsUnavailable()
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	annual := new(big.Rat).SetInt(epochUnits)
	annual.Quo(annual, scale)
	annual.Mul(annual, price)
	annual.Mul(annual, big.NewRat(365, 1))
	apr, _ := new(big.Rat).Quo(annual, userUSD).Float64()
	return apr, nil
}

func (a *Aggregator) computeProgram(ctx context.Context) (ProgramSnapshot, error) {
	treasury, err := a.store.CurrentTreasury(ctx)
	if err != nil {
		return ProgramSnapshot{}, fmt.Errorf("treasury config: %w", err)
	}
	settings, err := a.store.CurrentSettings(ctx)
	if err != nil {
		return ProgramSnapshot{}, fmt.Errorf("program settings: %w", err)
	}
	floor, err := storage.ParseUSD(settings.SignificanceThresholdUSD)
	if err != nil {
		return ProgramSnapshot{}, fmt.Errorf("significance threshold: %w", err)
	}

	eligible, err := a.store.EligiblePositions(ctx)
	if err != nil {
		return ProgramSnapshot{}, err
	}
	totalUSD := new(big.Rat)
	providers := make(map[uuid.UUID]struct{}, len(eligible))
	for i := range eligible {
		totalUSD.Add(totalUSD, eligible[i].ValueUSD())
		providers[eligible[i].UserID] = struct{}{}
	}

	registered, err := a.store.RegisteredUserCount(ctx)
	if err != nil {
		return ProgramSnapshot{}, err
	}

	price, scale, err := a.rewardTokenPrice(ctx)
	if err != nil {
		return ProgramSnapshot{}, err
	}
	balance, err := a.reader.FetchTokenBalance(ctx, a.cfg.Treasury)
	if err != nil {
		return ProgramSnapshot{}, fmt.Errorf("treasury balance: %w", err)
	}

	// dailyBudget·365·price over the eligible liquidity, floored so a
	// near-empty pool does not advertise an absurd rate.
	denom := new(big.Rat).Set(totalUSD)
	if denom.Cmp(floor) < 0 {
		denom.Set(floor)
	}
	if denom.Sign() == 0 {
		return ProgramSnapshot{}, errors.New("zero divisor for program apr")
	}
	annual := new(big.Rat).SetInt(treasury.DailyBudgetUnits())
	annual.Quo(annual, scale)
	annual.Mul(annual, price)
	annual.Mul(annual, big.NewRat(365, 1))
	apr, _ := new(big.Rat).Quo(annual, denom).Float64()

	return ProgramSnapshot{
		ProgramAPR:               apr,
		ActiveLiquidityProviders: len(providers),
		RegisteredUsers:          registered,
		TotalLiquidityUSD:        storage.FormatUSD(totalUSD),
		TreasuryTotal:            storage.FormatUnits(balance),
		AsOf:                     a.now().UTC(),
	}, nil
}

func (a *Aggregator) computeTrading(ctx context.Context) (TradingSnapshot, error) {
	meta, err := a.poolMeta(ctx)
	if err != nil {
		return TradingSnapshot{}, fmt.Errorf("pool meta: %w", err)
	}
	stats, err := a.quotes.PoolStatsUSD(ctx)
	if err != nil {
		return TradingSnapshot{}, err
	}
	if stats.TVLUSD == nil || stats.TVLUSD.Sign() <= 0 {
		return TradingSnapshot{}, errors.New("pool tvl unavailable")
	}
	if stats.Volume24hUSD == nil {
		return TradingSnapshot{}, errors.New("pool volume unavailable")
	}

	// volume24h·feeTier/TVL·365·100, the fee tier being the pool's
	// taker fee as a fraction.
	rate := new(big.Rat).Mul(stats.Volume24hUSD, chain.FeeFraction(meta.FeeTier))
	rate.Quo(rate, stats.TVLUSD)
	rate.Mul(rate, big.NewRat(365*100, 1))
	apr, _ := rate.Float64()

	return TradingSnapshot{TradingFeesAPR: apr, AsOf: a.now().UTC()}, nil
}

// rewardTokenPrice resolves the reward token's USD quote and its unit
// scale. The token address comes from the treasury config so an admin
// rotation is picked up without a restart.
func (a *Aggregator) rewardTokenPrice(ctx context.Context) (*big.Rat, *big.Rat, error) {
	quote, err := a.quotes.QuoteUSD(ctx, a.cfg.RewardAsset)
	if err != nil {
		return nil, nil, fmt.Errorf("reward token price: %w", err)
	}
	treasury, err := a.store.CurrentTreasury(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("treasury config: %w", err)
	}
	decimals, err := a.reader.TokenDecimals(ctx, common.HexToAddress(treasury.TokenAddress))
	if err != nil {
		return nil, nil, fmt.Errorf("reward token decimals: %w", err)
	}
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return quote.Price, scale, nil
}

func (a *Aggregator) poolMeta(ctx context.Context) (chain.PoolMeta, error) {
	if a.meta != nil {
		return *a.meta, nil
	}
	meta, err := a.reader.FetchPoolMeta(ctx)
	if err != nil {
		return chain.PoolMeta{}, err
	}
	a.meta = &meta
	return meta, nil
}
