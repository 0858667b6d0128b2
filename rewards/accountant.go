// Package rewards closes the program's accounting epochs. Each close
// integrates the recorded position samples over a 24h window, splits the
// effective budget across eligible liquidity with the boost formula and
// commits the accrual rows plus the epoch summary in one transaction.
package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lprewards/chain"
	"lprewards/observability"
	"lprewards/oracle"
	"lprewards/storage"
)

// ErrStalled marks an epoch close deferred because the data plane could
// not vouch for the window: prices beyond the fallback horizon, pool
// state unavailable, or the provider rate limiting. The close retries on
// the next wake-up; partial closure never happens.
var ErrStalled = errors.New("rewards: epoch close stalled")

// ChainReader is the slice of the chain client the accountant uses.
type ChainReader interface {
	FetchPoolState(ctx context.Context) (chain.PoolState, error)
	FetchPoolMeta(ctx context.Context) (chain.PoolMeta, error)
}

// QuoteSource prices pool tokens in USD.
type QuoteSource interface {
	QuoteUSD(ctx context.Context, asset string) (oracle.Quote, error)
}

// Config tunes the accounting loop.
type Config struct {
	EpochLength  time.Duration
	WakeInterval time.Duration
	WakeJitter   time.Duration
}

func (c Config) withDefaults() Config {
	if c.EpochLength <= 0 {
		c.EpochLength = 24 * time.Hour
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = time.Minute
	}
	if c.WakeJitter <= 0 {
		c.WakeJitter = 10 * time.Second
	}
	return c
}

// CloseResult summarises one closed epoch. AlreadyClosed reports that a
// racing writer committed the epoch first; the local computation was
// discarded.
type CloseResult struct {
	EpochIndex    uint64
	EpochStart    time.Time
	EpochEnd      time.Time
	Budget        *big.Int
	Distributed   *big.Int
	Rollover      *big.Int
	Eligible      int
	AlreadyClosed bool
}

// Accountant drives epoch closure. One instance runs per deployment; the
// unique epoch index turns a racing second writer into a no-op.
type Accountant struct {
	store   *storage.Store
	reader  ChainReader
	quotes  QuoteSource
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option customises accountant construction.
type Option func(*Accountant)

// WithLogger attaches a logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Accountant) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics attaches the daemon metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Accountant) { a.metrics = m }
}

// WithClock overrides the accountant's time source.
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAccountant wires an accountant over the store, chain reader and
// price source.
func NewAccountant(store *storage.Store, reader ChainReader, quotes QuoteSource, cfg Config, opts ...Option) *Accountant {
	a := &Accountant{
		store:  store,
		reader: reader,
		quotes: quotes,
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		tracer: otel.Tracer("rewards"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run drives the accounting loop until ctx is cancelled. Wake-ups carry
// jitter so replicas do not hit the same boundary in lockstep.
func (a *Accountant) Run(ctx context.Context) error {
	timer := time.NewTimer(a.wakeAfter())
	defer timer.Stop()
	for {
		if err := a.Tick(ctx); err != nil {
			if errors.Is(err, ErrStalled) {
				a.log.Warn("epoch close deferred", "error", err)
			} else {
				a.log.Error("epoch accounting failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(a.wakeAfter())
		}
	}
}

func (a *Accountant) wakeAfter() time.Duration {
	d := a.cfg.WakeInterval
	if a.cfg.WakeJitter > 0 {
		d += time.Duration(rand.Int63n(int64(a.cfg.WakeJitter)))
	}
	return d
}

// Tick closes every epoch whose boundary has passed, oldest first, so a
// restarted daemon catches up sequentially.
func (a *Accountant) Tick(ctx context.Context) error {
	for {
		result, err := a.CloseNext(ctx)
		if err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		a.log.Info("epoch closed",
			"epoch", result.EpochIndex,
			"eligible", result.Eligible,
			"distributed", result.Distributed.String(),
			"rollover", result.Rollover.String(),
		)
	}
}

// CloseNext closes the oldest unclosed epoch if its boundary has passed.
// It returns nil when the program is caught up or complete.
func (a *Accountant) CloseNext(ctx context.Context) (*CloseResult, error) {
	prog, err := a.loadProgram(ctx)
	if err != nil {
		return nil, err
	}

	next := uint64(0)
	rolloverIn := new(big.Int)
	last, err := a.store.LastClosedEpoch(ctx)
	switch {
	case err == nil:
		next = last.EpochIndex + 1
		rolloverIn = last.RolloverAfter()
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, err
	}

	start := prog.start.Add(time.Duration(next) * a.cfg.EpochLength)
	end := start.Add(a.cfg.EpochLength)
	if a.now().Before(end) {
		return nil, nil
	}
	if prog.days > 0 && !start.Before(prog.start.Add(time.Duration(prog.days)*24*time.Hour)) {
		a.log.Debug("program complete", "epoch", next)
		return nil, nil
	}

	ctx, span := a.tracer.Start(ctx, "rewards.close_epoch",
		trace.WithAttributes(attribute.Int64("epoch", int64(next))))
	defer span.End()

	if err := a.gate(ctx); err != nil {
		a.metrics.RecordEpochStalled(stallCause(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: epoch %d: %v", ErrStalled, next, err)
	}

	result, err := a.close(ctx, next, start, end, rolloverIn, prog)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

// gate refuses a close unless pool state and both token prices are
// currently obtainable. Missing samples during an outage would silently
// shrink the integrals, so an unhealthy data plane defers the close.
func (a *Accountant) gate(ctx context.Context) error {
	if _, err := a.reader.FetchPoolState(ctx); err != nil {
		return fmt.Errorf("pool state: %w", err)
	}
	meta, err := a.reader.FetchPoolMeta(ctx)
	if err != nil {
		return fmt.Errorf("pool meta: %w", err)
	}
	for _, token := range []common.Address{meta.Token0, meta.Token1} {
		asset := strings.ToLower(token.Hex())
		if _, err := a.quotes.QuoteUSD(ctx, asset); err != nil {
			return fmt.Errorf("price %s: %w", asset, err)
		}
	}
	return nil
}

func stallCause(err error) string {
	switch {
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return "prices"
	case chain.IsRateLimited(err):
		return "rate_limited"
	default:
		return "chain"
	}
}

func (a *Accountant) close(ctx context.Context, index uint64, start, end time.Time, rolloverIn *big.Int, prog program) (*CloseResult, error) {
	positions, err := a.store.AllPositions(ctx)
	if err != nil {
		return nil, err
	}

	budget := new(big.Int).Add(prog.dailyBudget, rolloverIn)

	drafts := make([]draft, 0, len(positions))
	totalLiquidityTime := new(big.Int)
	for _, pos := range positions {
		m, err := a.measurePosition(ctx, pos.TokenID, start, end)
		if err != nil {
			return nil, err
		}
		if m.liquidityTime.Sign() == 0 {
			continue
		}
		drafts = append(drafts, draft{pos: pos, m: m})
		totalLiquidityTime.Add(totalLiquidityTime, m.liquidityTime)
	}

	normalizer := new(big.Rat)
	for i := range drafts {
		d := &drafts[i]
		d.share = new(big.Rat).SetFrac(d.m.liquidityTime, totalLiquidityTime)
		d.boost = timeBoostFor(d.pos.CreatedAt, end, prog.days, prog.timeBoost)
		d.inRange = inRangeFactor(d.m, prog.inRangeScale)
		d.bonus = big.NewRat(1, 1)
		if d.pos.FullRange && prog.fullRangeBonus.Sign() > 0 {
			d.bonus = new(big.Rat).Set(prog.fullRangeBonus)
		}
		d.weight = new(big.Rat).Set(d.share)
		d.weight.Mul(d.weight, d.boost)
		d.weight.Mul(d.weight, d.inRange)
		d.weight.Mul(d.weight, d.bonus)
		normalizer.Add(normalizer, d.weight)
	}

	epoch := storage.RewardEpoch{
		EpochIndex: index,
		EpochStart: start,
		EpochEnd:   end,
		Budget:     storage.FormatUnits(prog.dailyBudget),
		RolloverIn: storage.FormatUnits(rolloverIn),
		Normalizer: normalizer.FloatString(18),
		ClosedAt:   a.now().UTC(),
	}

	if normalizer.Sign() == 0 {
		// Nothing eligible was in range all epoch: the whole budget
		// carries over.
		zero := new(big.Int)
		epoch.Distributed = storage.FormatUnits(zero)
		epoch.RolloverOut = storage.FormatUnits(budget)
		alreadyClosed, err := a.commit(ctx, epoch, nil, zero, budget)
		if err != nil {
			return nil, err
		}
		return &CloseResult{
			EpochIndex:    index,
			EpochStart:    start,
			EpochEnd:      end,
			Budget:        budget,
			Distributed:   zero,
			Rollover:      budget,
			AlreadyClosed: alreadyClosed,
		}, nil
	}

	distributed := new(big.Int)
	accruals := make([]storage.RewardAccrual, 0, len(drafts))
	eligible := 0
	budgetRat := new(big.Rat).SetInt(budget)
	for i := range drafts {
		d := &drafts[i]
		if d.weight.Sign() == 0 {
			continue
		}
		eligible++

		r := new(big.Rat).Mul(budgetRat, d.weight)
		r.Quo(r, normalizer)
		reward := new(big.Int).Quo(r.Num(), r.Denom())
		distributed.Add(distributed, reward)

		prior := new(big.Int)
		lastAccrual, err := a.store.LastAccrualForToken(ctx, d.pos.TokenID)
		switch {
		case err == nil:
			prior = lastAccrual.Accumulated()
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, err
		}

		inputs, err := json.Marshal(formulaInputs{
			LiquidityTime:      d.m.liquidityTime.String(),
			TotalLiquidityTime: totalLiquidityTime.String(),
			Share:              d.share.FloatString(18),
			TimeBoost:          d.boost.FloatString(18),
			InRange:            d.inRange.FloatString(18),
			FullRangeBonus:     d.bonus.FloatString(18),
			Normalizer:         normalizer.FloatString(18),
			Budget:             budget.String(),
		})
		if err != nil {
			return nil, fmt.Errorf("formula inputs: %w", err)
		}

		accruals = append(accruals, storage.RewardAccrual{
			UserID:           d.pos.UserID,
			PositionID:       d.pos.ID,
			TokenID:          d.pos.TokenID,
			EpochIndex:       index,
			EpochStart:       start,
			EpochEnd:         end,
			RewardUnits:      storage.FormatUnits(reward),
			AccumulatedUnits: storage.FormatUnits(new(big.Int).Add(prior, reward)),
			FormulaInputs:    string(inputs),
		})
	}

	rolloverOut := new(big.Int).Sub(budget, distributed)
	epoch.Distributed = storage.FormatUnits(distributed)
	epoch.RolloverOut = storage.FormatUnits(rolloverOut)
	epoch.EligibleCount = eligible

	alreadyClosed, err := a.commit(ctx, epoch, accruals, distributed, rolloverOut)
	if err != nil {
		return nil, err
	}
	return &CloseResult{
		EpochIndex:    index,
		EpochStart:    start,
		EpochEnd:      end,
		Budget:        budget,
		Distributed:   distributed,
		Rollover:      rolloverOut,
		Eligible:      eligible,
		AlreadyClosed: alreadyClosed,
	}, nil
}

func (a *Accountant) commit(ctx context.Context, epoch storage.RewardEpoch, accruals []storage.RewardAccrual, distributed, rollover *big.Int) (bool, error) {
	switch err := a.store.CloseEpoch(ctx, epoch, accruals); {
	case err == nil:
		a.metrics.RecordEpochClosed(distributed, rollover)
		return false, nil
	case errors.Is(err, storage.ErrDuplicate):
		// Another writer got there first. Closure is deterministic over
		// the same samples, so the stored rows are equivalent.
		a.log.Info("epoch already closed", "epoch", epoch.EpochIndex)
		return true, nil
	default:
		return false, err
	}
}

// measurePosition integrates one position's sample series over the window.
func (a *Accountant) measurePosition(ctx context.Context, tokenID uint64, start, end time.Time) (measure, error) {
	var boundary *storage.PositionSample
	prev, err := a.store.LastSampleBefore(ctx, tokenID, start)
	switch {
	case err == nil:
		boundary = &prev
	case errors.Is(err, storage.ErrNotFound):
	default:
		return measure{}, err
	}
	samples, err := a.store.SamplesForTokenBetween(ctx, tokenID, start, end)
	if err != nil {
		return measure{}, err
	}
	return integrateSamples(boundary, samples, start, end), nil
}

// program carries the constants one close operates under, parsed from the
// current treasury and settings versions.
type program struct {
	start          time.Time
	days           int
	dailyBudget    *big.Int
	timeBoost      *big.Rat
	fullRangeBonus *big.Rat
	inRangeScale   *big.Rat
}

func (a *Accountant) loadProgram(ctx context.Context) (program, error) {
	treasury, err := a.store.CurrentTreasury(ctx)
	if err != nil {
		return program{}, fmt.Errorf("treasury config: %w", err)
	}
	settings, err := a.store.CurrentSettings(ctx)
	if err != nil {
		return program{}, fmt.Errorf("program settings: %w", err)
	}
	daily, err := storage.ParseUnits(treasury.DailyBudget)
	if err != nil {
		return program{}, fmt.Errorf("daily budget: %w", err)
	}
	w1, err := storage.ParseDecimal(settings.TimeBoostCoefficient)
	if err != nil {
		return program{}, fmt.Errorf("time boost coefficient: %w", err)
	}
	frb, err := storage.ParseDecimal(settings.FullRangeBonus)
	if err != nil {
		return program{}, fmt.Errorf("full range bonus: %w", err)
	}
	irm, err := storage.ParseDecimal(settings.InRangeMultiplier)
	if err != nil {
		return program{}, fmt.Errorf("in range multiplier: %w", err)
	}
	return program{
		start:          treasury.ProgramStartTime.UTC(),
		days:           treasury.ProgramDurationDays,
		dailyBudget:    daily,
		timeBoost:      w1,
		fullRangeBonus: frb,
		inRangeScale:   irm,
	}, nil
}
