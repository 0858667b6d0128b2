package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"lprewards/chain"
	"lprewards/observability"
	"lprewards/storage"
)

// ChainReader is the slice of the chain client the lifecycle loops use.
type ChainReader interface {
	FetchPoolState(ctx context.Context) (chain.PoolState, error)
	FetchPosition(ctx context.Context, tokenID *big.Int) (chain.RawPosition, error)
	FetchPositionsOfOwner(ctx context.Context, owner common.Address) ([]chain.RawPosition, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Config tunes the reconciler loop.
type Config struct {
	Interval          time.Duration
	UserConcurrency   int
	BurnConfirmations int
	BurnWindow        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.UserConcurrency <= 0 {
		c.UserConcurrency = 3
	}
	if c.BurnConfirmations <= 0 {
		c.BurnConfirmations = 3
	}
	if c.BurnWindow <= 0 {
		c.BurnWindow = 30 * time.Minute
	}
	return c
}

// PassReport summarises one reconciliation pass.
type PassReport struct {
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Users        int           `json:"users"`
	SkippedUsers int           `json:"skippedUsers"`
	Positions    int           `json:"positions"`
	Mutations    int           `json:"mutations"`
	Suspects     int           `json:"suspects"`
	Deletions    int           `json:"deletions"`
	RateLimited  bool          `json:"rateLimited"`
	Err          string        `json:"error,omitempty"`
}

// Status is the reconciler's health snapshot.
type Status struct {
	Running    bool        `json:"running"`
	Degraded   bool        `json:"degraded"`
	LastPass   *PassReport `json:"lastPass,omitempty"`
	NextPassAt time.Time   `json:"nextPassAt,omitempty"`
}

// PositionCheck is the outcome of evaluating one position.
type PositionCheck struct {
	TokenID   uint64 `json:"tokenId"`
	State     State  `json:"state"`
	Eligible  bool   `json:"rewardEligible"`
	InRange   bool   `json:"inRange"`
	Liquidity string `json:"liquidity"`
	ValueUSD  string `json:"valueUsd"`
	Missing   bool   `json:"missing,omitempty"`
	Mutated   bool   `json:"mutated"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// UserReport is the outcome of an on-demand single-user reconcile.
type UserReport struct {
	Address   string          `json:"address"`
	CheckedAt time.Time       `json:"checkedAt"`
	Skipped   bool            `json:"skipped"`
	Reason    string          `json:"reason,omitempty"`
	Positions []PositionCheck `json:"positions"`
}

// Reconciler walks every enrolled user's positions on a fixed cadence and
// keeps the stored lifecycle flags aligned with chain truth. It only ever
// writes diffs, skips users on transient chain failures and deletes
// positions solely through the burn confirmation pipeline.
type Reconciler struct {
	store   *storage.Store
	reader  ChainReader
	valuer  *Valuer
	cfg     Config
	log     *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	degraded bool
	lastPass *PassReport
}

// Option customises reconciler construction.
type Option func(*Reconciler)

// WithLogger attaches a logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics attaches the daemon metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock overrides the reconciler's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler wires a reconciler over the store and chain reader.
func NewReconciler(store *storage.Store, reader ChainReader, valuer *Valuer, cfg Config, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		reader: reader,
		valuer: valuer,
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes passes until ctx is cancelled. The in-flight pass finishes
// its current owner transaction before the loop exits.
func (r *Reconciler) Run(ctx context.Context) error {
	r.setRunning(true)
	defer r.setRunning(false)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		report := r.RunPass(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Info("reconciler pass complete",
			"users", report.Users,
			"skipped", report.SkippedUsers,
			"positions", report.Positions,
			"mutations", report.Mutations,
			"suspects", report.Suspects,
			"deletions", report.Deletions,
			"took", report.Duration,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunPass executes one reconciliation pass and records its report.
func (r *Reconciler) RunPass(ctx context.Context) PassReport {
	started := r.now()
	report := PassReport{StartedAt: started}

	defer func() {
		report.Duration = r.now().Sub(started)
		outcome := "ok"
		if report.Err != "" {
			outcome = "error"
		} else if report.SkippedUsers > 0 {
			outcome = "partial"
		}
		r.metrics.RecordReconcilerPass(outcome, report.Duration)
		r.finishPass(report)
	}()

	users, err := r.store.UsersWithPositions(ctx)
	if err != nil {
		report.Err = fmt.Sprintf("list users: %v", err)
		return report
	}
	report.Users = len(users)
	if len(users) == 0 {
		return report
	}

	threshold, err := r.loadThreshold(ctx)
	if err != nil {
		report.Err = fmt.Sprintf("load settings: %v", err)
		return report
	}

	pool, err := r.reader.FetchPoolState(ctx)
	if err != nil {
		// Without a pool observation no position can be evaluated
		// safely. Leave everything untouched until the next pass.
		report.SkippedUsers = len(users)
		report.RateLimited = chain.IsRateLimited(err)
		report.Err = fmt.Sprintf("pool state: %v", err)
		r.log.Warn("reconciler pass skipped, pool state unavailable", "error", err)
		return report
	}

	concurrency := r.cfg.UserConcurrency
	if r.isDegraded() {
		concurrency = 1
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, user := range users {
		user := user
		g.Go(func() error {
			res := r.reconcileUser(gctx, user, pool, threshold)
			mu.Lock()
			report.Positions += len(res.Positions)
			report.Mutations += res.mutations
			report.Suspects += res.suspects
			report.Deletions += res.deletions
			if res.Skipped {
				report.SkippedUsers++
			}
			if res.rateLimited {
				report.RateLimited = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// CheckUser reconciles a single address on demand and reports what it saw.
func (r *Reconciler) CheckUser(ctx context.Context, address string) (UserReport, error) {
	user, err := r.store.UserByAddress(ctx, address)
	if err != nil {
		return UserReport{}, err
	}
	threshold, err := r.loadThreshold(ctx)
	if err != nil {
		return UserReport{}, fmt.Errorf("load settings: %w", err)
	}
	pool, err := r.reader.FetchPoolState(ctx)
	if err != nil {
		return UserReport{}, fmt.Errorf("pool state: %w", err)
	}
	res := r.reconcileUser(ctx, user, pool, threshold)
	report := UserReport{
		Address:   user.Address,
		CheckedAt: r.now().UTC(),
		Skipped:   res.Skipped,
		Reason:    res.Reason,
		Positions: res.Positions,
	}
	return report, nil
}

// Status reports loop health for the lifecycle endpoints.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Running: r.running, Degraded: r.degraded}
	if r.lastPass != nil {
		report := *r.lastPass
		st.LastPass = &report
		st.NextPassAt = report.StartedAt.Add(r.cfg.Interval)
	}
	return st
}

type userResult struct {
	Positions   []PositionCheck
	Skipped     bool
	Reason      string
	mutations   int
	suspects    int
	deletions   int
	rateLimited bool
}

// observation is one enrolled position's chain survey, gathered before the
// owner transaction opens so no write ever waits on an RPC round-trip.
type observation struct {
	pos      storage.EnrolledPosition
	raw      chain.RawPosition
	present  bool // enumerated under the owner
	sighted  bool // absent from the enumeration, answered a direct fetch
	probeErr error
	value    *big.Rat
	valueErr error
}

func (r *Reconciler) reconcileUser(ctx context.Context, user storage.User, pool chain.PoolState, threshold *big.Rat) userResult {
	res := userResult{}
	owner := common.HexToAddress(user.Address)

	onChain, err := r.reader.FetchPositionsOfOwner(ctx, owner)
	if err != nil {
		res.Skipped = true
		res.Reason = "chain unavailable"
		res.rateLimited = chain.IsRateLimited(err)
		r.metrics.RecordUserSkipped("chain_unavailable")
		r.log.Warn("skipping user, owner enumeration failed", "address", user.Address, "error", err)
		return res
	}
	byToken := make(map[uint64]chain.RawPosition, len(onChain))
	for _, p := range onChain {
		if p.TokenID != nil {
			byToken[p.TokenID.Uint64()] = p
		}
	}

	enrolled, err := r.store.PositionsByUser(ctx, user.ID)
	if err != nil {
		res.Skipped = true
		res.Reason = "store unavailable"
		r.metrics.RecordUserSkipped("store")
		r.log.Error("skipping user, store read failed", "address", user.Address, "error", err)
		return res
	}

	observations := r.surveyPositions(ctx, enrolled, byToken, pool, &res)

	err = r.store.Transaction(ctx, func(tx *storage.Store) error {
		for _, o := range observations {
			if o.present || o.sighted {
				if err := tx.ClearBurnSuspect(ctx, o.pos.TokenID); err != nil {
					return err
				}
				if err := r.applyObservation(ctx, tx, o, pool, threshold, &res); err != nil {
					return err
				}
				continue
			}
			if err := r.applyMissing(ctx, tx, o, &res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		res.Skipped = true
		res.Reason = "transaction failed"
		r.metrics.RecordUserSkipped("transaction")
		r.log.Error("owner transaction rolled back", "address", user.Address, "error", err)
		return res
	}
	return res
}

// surveyPositions gathers every chain and price fact the owner transaction
// will need: a direct fetch for tokens missing from the enumeration and a
// valuation for everything observed.
func (r *Reconciler) surveyPositions(ctx context.Context, enrolled []storage.EnrolledPosition, byToken map[uint64]chain.RawPosition, pool chain.PoolState, res *userResult) []observation {
	observations := make([]observation, 0, len(enrolled))
	for _, pos := range enrolled {
		o := observation{pos: pos}
		o.raw, o.present = byToken[pos.TokenID]
		if !o.present {
			res.suspects++
			r.metrics.RecordSuspectMissing()
			raw, err := r.reader.FetchPosition(ctx, new(big.Int).SetUint64(pos.TokenID))
			if err == nil {
				// Sighted after all: the owner enumeration lagged or
				// the token moved wallets.
				o.raw = raw
				o.sighted = true
			} else {
				o.probeErr = err
				if chain.IsRateLimited(err) {
					res.rateLimited = true
				}
			}
		}
		if o.present || o.sighted {
			o.value, o.valueErr = r.valuer.PositionValue(ctx, o.raw, pool)
		}
		observations = append(observations, o)
	}
	return observations
}

// applyObservation decides an observed position's state, persists diffs and
// records the pass sample.
func (r *Reconciler) applyObservation(ctx context.Context, tx *storage.Store, o observation, pool chain.PoolState, threshold *big.Rat, res *userResult) error {
	pos, raw := o.pos, o.raw
	check := PositionCheck{TokenID: pos.TokenID}

	value := o.value
	if o.valueErr != nil {
		hasLiquidity := raw.Liquidity != nil && raw.Liquidity.Sign() > 0
		if !hasLiquidity {
			// The decision would hinge on the valuation; without it,
			// leave the position untouched this pass.
			check.Skipped = true
			check.State = StateUnknown
			res.Positions = append(res.Positions, check)
			r.metrics.RecordUserSkipped("valuation_unavailable")
			r.log.Warn("position skipped, valuation unavailable", "tokenId", pos.TokenID, "error", o.valueErr)
			return nil
		}
		value = pos.ValueUSD()
	}

	state, eligible := Decide(PositionStateContext{
		Liquidity:          raw.Liquidity,
		HasUnclaimedTokens: raw.HasUnclaimedTokens(),
		ValueUSD:           value,
		ThresholdUSD:       threshold,
	})
	isActive := state == StateActive
	inRange := chain.InRange(pool.Tick, raw.TickLower, raw.TickUpper)

	check.State = state
	check.Eligible = eligible
	check.InRange = inRange
	check.Liquidity = storage.FormatUnits(raw.Liquidity)
	check.ValueUSD = storage.FormatUSD(value)

	if isActive != pos.IsActive || eligible != pos.RewardEligible {
		if err := tx.SetPositionFlags(ctx, pos.TokenID, isActive, eligible); err != nil {
			return fmt.Errorf("set flags %d: %w", pos.TokenID, err)
		}
		r.metrics.RecordTransition(string(StateFor(pos.IsActive, pos.RewardEligible)), string(state))
		r.log.Info("position state changed",
			"tokenId", pos.TokenID,
			"from", StateFor(pos.IsActive, pos.RewardEligible),
			"to", state,
		)
		check.Mutated = true
		res.mutations++
	}

	liquidityStr := storage.FormatUnits(raw.Liquidity)
	valueStr := storage.FormatUSD(value)
	if liquidityStr != pos.LiquidityUnits || valueStr != pos.CurrentValueUSD {
		if err := tx.UpdatePositionObservation(ctx, pos.TokenID, raw.Liquidity, value); err != nil {
			return fmt.Errorf("update observation %d: %w", pos.TokenID, err)
		}
		res.mutations++
	}

	sample := storage.PositionSample{
		TokenID:    pos.TokenID,
		ObservedAt: r.now().UTC(),
		Liquidity:  liquidityStr,
		InRange:    inRange,
		Eligible:   eligible,
		ValueUSD:   valueStr,
	}
	if err := tx.RecordSample(ctx, sample); err != nil {
		return fmt.Errorf("record sample %d: %w", pos.TokenID, err)
	}
	res.Positions = append(res.Positions, check)
	return nil
}

// applyMissing runs the burn pipeline for a position whose direct fetch did
// not answer either. Lifecycle flags stay untouched; only a confirmed burn
// ends in deletion.
func (r *Reconciler) applyMissing(ctx context.Context, tx *storage.Store, o observation, res *userResult) error {
	pos := o.pos
	if _, err := tx.MarkBurnSuspect(ctx, pos.TokenID); err != nil {
		return fmt.Errorf("mark suspect %d: %w", pos.TokenID, err)
	}

	if !chain.IsNotFound(o.probeErr) {
		r.log.Warn("burn check inconclusive", "tokenId", pos.TokenID, "error", o.probeErr)
		res.Positions = append(res.Positions, PositionCheck{
			TokenID: pos.TokenID,
			State:   StateUnknown,
			Missing: true,
			Skipped: true,
		})
		return nil
	}

	candidate, err := tx.ConfirmBurn(ctx, pos.TokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("confirm burn %d: %w", pos.TokenID, err)
	}
	// The token verifiably no longer exists; close the sample series so
	// accrued integrals stop here.
	sample := storage.PositionSample{
		TokenID:    pos.TokenID,
		ObservedAt: r.now().UTC(),
		Liquidity:  "0",
		InRange:    false,
		Eligible:   false,
		ValueUSD:   "0",
	}
	if err := tx.RecordSample(ctx, sample); err != nil {
		return fmt.Errorf("record sample %d: %w", pos.TokenID, err)
	}
	res.Positions = append(res.Positions, PositionCheck{
		TokenID:  pos.TokenID,
		State:    StateUnknown,
		Missing:  true,
		ValueUSD: "0",
	})
	if candidate.Confirmations >= r.cfg.BurnConfirmations &&
		r.now().Sub(candidate.FirstSeenAt) >= r.cfg.BurnWindow {
		if err := tx.DeletePosition(ctx, pos.TokenID, "reconciler", "burn confirmed"); err != nil {
			return fmt.Errorf("delete burned %d: %w", pos.TokenID, err)
		}
		r.metrics.RecordBurnDeletion()
		res.deletions++
		r.log.Info("burned position removed",
			"tokenId", pos.TokenID,
			"confirmations", candidate.Confirmations,
			"firstSeen", candidate.FirstSeenAt,
		)
	}
	return nil
}

func (r *Reconciler) loadThreshold(ctx context.Context) (*big.Rat, error) {
	return significanceThreshold(ctx, r.store)
}

func (r *Reconciler) setRunning(v bool) {
	r.mu.Lock()
	r.running = v
	r.mu.Unlock()
}

func (r *Reconciler) isDegraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Reconciler) finishPass(report PassReport) {
	r.mu.Lock()
	r.lastPass = &report
	r.degraded = report.RateLimited
	r.mu.Unlock()
}
