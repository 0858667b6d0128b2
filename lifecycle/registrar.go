package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lprewards/chain"
	"lprewards/observability"
	"lprewards/storage"
)

// RegistrarReader adds the pool identity lookup the registration filter
// needs on top of the lifecycle reads.
type RegistrarReader interface {
	ChainReader
	FetchPoolMeta(ctx context.Context) (chain.PoolMeta, error)
}

// RegisterReport summarises one bulk registration.
type RegisterReport struct {
	Address    string    `json:"address"`
	TotalOwned int       `json:"totalOwned"`
	Matched    int       `json:"matched"`
	Registered int       `json:"registered"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// EligibilityPreview reports a wallet's standing without writing anything.
type EligibilityPreview struct {
	EligiblePositions int `json:"eligiblePositions"`
	TotalPositions    int `json:"totalPositions"`
	RegisteredCount   int `json:"registeredCount"`
}

// Registrar enrolls a wallet's pool positions into the program. It walks
// the wallet's position NFTs, keeps only those belonging to the program
// pool and upserts them with state-manager-decided initial flags.
// Re-registering is harmless: existing rows keep their enrollment time.
type Registrar struct {
	store   *storage.Store
	reader  RegistrarReader
	valuer  *Valuer
	log     *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// RegistrarOption customises registrar construction.
type RegistrarOption func(*Registrar)

// WithRegistrarLogger attaches a logger.
func WithRegistrarLogger(log *slog.Logger) RegistrarOption {
	return func(r *Registrar) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRegistrarMetrics attaches the daemon metrics registry.
func WithRegistrarMetrics(m *observability.Metrics) RegistrarOption {
	return func(r *Registrar) { r.metrics = m }
}

// WithRegistrarClock overrides the registrar's time source.
func WithRegistrarClock(now func() time.Time) RegistrarOption {
	return func(r *Registrar) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistrar wires a registrar over the store and chain reader.
func NewRegistrar(store *storage.Store, reader RegistrarReader, valuer *Valuer, opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		store:  store,
		reader: reader,
		valuer: valuer,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAll enrolls every program-pool position the wallet holds and
// reports how many were new. The wallet's user row is created on first
// registration.
func (r *Registrar) RegisterAll(ctx context.Context, address string) (RegisterReport, error) {
	user, _, err := r.store.EnsureUser(ctx, address)
	if err != nil {
		return RegisterReport{}, err
	}

	sv, err := r.survey(ctx, common.HexToAddress(user.Address))
	if err != nil {
		return RegisterReport{}, err
	}

	report := RegisterReport{
		Address:    user.Address,
		TotalOwned: len(sv.owned),
		Matched:    len(sv.matched),
		CheckedAt:  r.now().UTC(),
	}
	for _, raw := range sv.matched {
		created, err := r.enroll(ctx, user, raw, sv)
		if err != nil {
			return RegisterReport{}, err
		}
		if created {
			report.Registered++
		}
	}

	r.metrics.RecordRegistrations(report.Registered)
	r.log.Info("bulk registration complete",
		"address", user.Address,
		"owned", report.TotalOwned,
		"matched", report.Matched,
		"registered", report.Registered,
	)
	return report, nil
}

// Preview evaluates a wallet's pool positions without enrolling them.
func (r *Registrar) Preview(ctx context.Context, address string) (EligibilityPreview, error) {
	addr, err := storage.NormalizeAddress(address)
	if err != nil {
		return EligibilityPreview{}, err
	}

	preview := EligibilityPreview{}
	user, err := r.store.UserByAddress(ctx, addr)
	switch {
	case err == nil:
		enrolled, err := r.store.PositionsByUser(ctx, user.ID)
		if err != nil {
			return EligibilityPreview{}, err
		}
		preview.RegisteredCount = len(enrolled)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return EligibilityPreview{}, err
	}

	sv, err := r.survey(ctx, common.HexToAddress(addr))
	if err != nil {
		return EligibilityPreview{}, err
	}
	preview.TotalPositions = len(sv.matched)
	for _, raw := range sv.matched {
		if _, _, eligible := r.classify(ctx, raw, sv); eligible {
			preview.EligiblePositions++
		}
	}
	return preview, nil
}

type ownerSurvey struct {
	meta      chain.PoolMeta
	pool      chain.PoolState
	threshold *big.Rat
	owned     []chain.RawPosition
	matched   []chain.RawPosition
}

func (r *Registrar) survey(ctx context.Context, owner common.Address) (*ownerSurvey, error) {
	meta, err := r.reader.FetchPoolMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool meta: %w", err)
	}
	pool, err := r.reader.FetchPoolState(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool state: %w", err)
	}
	threshold, err := significanceThreshold(ctx, r.store)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	owned, err := r.reader.FetchPositionsOfOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("owner positions: %w", err)
	}

	sv := &ownerSurvey{meta: meta, pool: pool, threshold: threshold, owned: owned}
	for _, raw := range owned {
		if raw.TokenID == nil {
			continue
		}
		if raw.Token0 == meta.Token0 && raw.Token1 == meta.Token1 && raw.FeeTier == meta.FeeTier {
			sv.matched = append(sv.matched, raw)
		}
	}
	return sv, nil
}

// classify values one raw position and runs the state decision. A failed
// valuation falls back to the liquidity test alone; the reconciler
// refreshes the figures on its next pass.
func (r *Registrar) classify(ctx context.Context, raw chain.RawPosition, sv *ownerSurvey) (*big.Rat, State, bool) {
	value, err := r.valuer.PositionValue(ctx, raw, sv.pool)
	if err != nil {
		r.log.Warn("registration valuation unavailable", "tokenId", raw.TokenID, "error", err)
		value = nil
	}
	state, eligible := Decide(PositionStateContext{
		Liquidity:          raw.Liquidity,
		HasUnclaimedTokens: raw.HasUnclaimedTokens(),
		ValueUSD:           value,
		ThresholdUSD:       sv.threshold,
	})
	return value, state, eligible
}

func (r *Registrar) enroll(ctx context.Context, user storage.User, raw chain.RawPosition, sv *ownerSurvey) (bool, error) {
	value, state, eligible := r.classify(ctx, raw, sv)
	tokenID := raw.TokenID.Uint64()
	inRange := chain.InRange(sv.pool.Tick, raw.TickLower, raw.TickUpper)

	pos, created, err := r.store.UpsertPosition(ctx, storage.EnrolledPosition{
		UserID:          user.ID,
		TokenID:         tokenID,
		TickLower:       raw.TickLower,
		TickUpper:       raw.TickUpper,
		FeeTier:         raw.FeeTier,
		Token0:          strings.ToLower(raw.Token0.Hex()),
		Token1:          strings.ToLower(raw.Token1.Hex()),
		LiquidityUnits:  storage.FormatUnits(raw.Liquidity),
		CurrentValueUSD: storage.FormatUSD(value),
		IsActive:        state == StateActive,
		RewardEligible:  eligible,
		FullRange:       chain.FullRange(raw.TickLower, raw.TickUpper, sv.meta.TickSpacing),
		CreatedViaApp:   true,
	})
	if err != nil {
		return false, fmt.Errorf("enroll %d: %w", tokenID, err)
	}
	if created {
		r.log.Info("position enrolled",
			"tokenId", tokenID,
			"address", user.Address,
			"state", state,
			"fullRange", pos.FullRange,
		)
	}

	sample := storage.PositionSample{
		TokenID:    tokenID,
		ObservedAt: r.now().UTC(),
		Liquidity:  storage.FormatUnits(raw.Liquidity),
		InRange:    inRange,
		Eligible:   eligible,
		ValueUSD:   storage.FormatUSD(value),
	}
	if err := r.store.RecordSample(ctx, sample); err != nil {
		return false, fmt.Errorf("record sample %d: %w", tokenID, err)
	}
	return created, nil
}

// significanceThreshold loads the current eligibility threshold.
func significanceThreshold(ctx context.Context, store *storage.Store) (*big.Rat, error) {
	settings, err := store.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}
	threshold, err := storage.ParseUSD(settings.SignificanceThresholdUSD)
	if err != nil {
		return nil, fmt.Errorf("significance threshold: %w", err)
	}
	return threshold, nil
}
