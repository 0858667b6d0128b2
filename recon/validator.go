// Package recon cross-checks the store against chain truth on an
// independent cadence. It is deliberately separate from the lifecycle
// reconciler: a bug or stall in one loop should not blind the other.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"lprewards/chain"
	"lprewards/lifecycle"
	"lprewards/observability"
	"lprewards/storage"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"

	// chainStateMissing labels tokens the chain no longer knows about.
	chainStateMissing = "missing"
)

// Finding is one store/chain disagreement.
type Finding struct {
	TokenID    uint64 `json:"tokenId"`
	DBState    string `json:"dbState"`
	ChainState string `json:"chainState"`
	Severity   string `json:"severity"`
	AutoFixed  bool   `json:"autoFixed"`
	Note       string `json:"note,omitempty"`
}

// AlertFunc is invoked for every critical finding.
type AlertFunc func(ctx context.Context, finding Finding) error

// Config captures the dependencies required to construct a Validator.
type Config struct {
	Store    *storage.Store
	Reader   lifecycle.ChainReader
	Valuer   *lifecycle.Valuer
	Interval time.Duration
	Now      func() time.Time
	Alert    AlertFunc
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// Result summarises one validation run.
type Result struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Checked   int           `json:"checked"`
	Skipped   int           `json:"skipped"`
	Findings  []Finding     `json:"findings,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// Report is the health summary behind the sync-report endpoint.
type Report struct {
	TotalDiscrepancies int64                     `json:"totalDiscrepancies"`
	CriticalCount      int64                     `json:"criticalCount"`
	AutoFixedCount     int64                     `json:"autoFixedCount"`
	Recent             []storage.SyncDiscrepancy `json:"recent"`
	LastRun            *Result                   `json:"lastRun,omitempty"`
}

// Validator re-derives every enrolled position's state from fresh chain
// data and records disagreements. It auto-fixes only demotions of the
// isActive flag, and only on clean fetches; it never deletes and never
// promotes.
type Validator struct {
	store    *storage.Store
	reader   lifecycle.ChainReader
	valuer   *lifecycle.Valuer
	interval time.Duration
	now      func() time.Time
	alert    AlertFunc
	log      *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	lastRun *Result
}

// NewValidator builds a configured validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Reader == nil {
		return nil, errors.New("recon: chain reader is required")
	}
	if cfg.Valuer == nil {
		return nil, errors.New("recon: valuer is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Finding) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:    cfg.Store,
		reader:   cfg.Reader,
		valuer:   cfg.Valuer,
		interval: interval,
		now:      nowFn,
		alert:    alert,
		log:      logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Run executes validation runs until ctx is cancelled.
func (v *Validator) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		result := v.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		v.log.Info("sync validation complete",
			"checked", result.Checked,
			"skipped", result.Skipped,
			"findings", len(result.Findings),
			"took", result.Duration,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce validates every enrolled position once.
func (v *Validator) RunOnce(ctx context.Context) *Result {
	started := v.now()
	result := &Result{StartedAt: started}
	defer func() {
		result.Duration = v.now().Sub(started)
		v.mu.Lock()
		v.lastRun = result
		v.mu.Unlock()
	}()

	positions, err := v.store.AllPositions(ctx)
	if err != nil {
		result.Err = fmt.Sprintf("list positions: %v", err)
		return result
	}
	threshold, err := v.loadThreshold(ctx)
	if err != nil {
		result.Err = fmt.Sprintf("load settings: %v", err)
		return result
	}
	pool, err := v.reader.FetchPoolState(ctx)
	if err != nil {
		result.Skipped = len(positions)
		result.Err = fmt.Sprintf("pool state: %v", err)
		return result
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			result.Err = ctx.Err().Error()
			return result
		}
		finding, checked := v.validatePosition(ctx, pos, pool, threshold)
		if !checked {
			result.Skipped++
			continue
		}
		result.Checked++
		if finding == nil {
			continue
		}
		result.Findings = append(result.Findings, *finding)
	}
	return result
}

// validatePosition compares one position's stored state against a fresh
// decision. The bool reports whether a judgement was possible.
func (v *Validator) validatePosition(ctx context.Context, pos storage.EnrolledPosition, pool chain.PoolState, threshold *big.Rat) (*Finding, bool) {
	dbState := lifecycle.StateFor(pos.IsActive, pos.RewardEligible)

	raw, err := v.reader.FetchPosition(ctx, new(big.Int).SetUint64(pos.TokenID))
	if err != nil {
		if chain.IsNotFound(err) {
			severity := SeverityWarning
			if pos.IsActive {
				severity = SeverityCritical
			}
			finding := Finding{
				TokenID:    pos.TokenID,
				DBState:    string(dbState),
				ChainState: chainStateMissing,
				Severity:   severity,
				Note:       "token no longer exists on chain",
			}
			v.record(ctx, finding)
			return &finding, true
		}
		return nil, false
	}

	value, err := v.valuer.PositionValue(ctx, raw, pool)
	if err != nil {
		hasLiquidity := raw.Liquidity != nil && raw.Liquidity.Sign() > 0
		if !hasLiquidity {
			return nil, false
		}
		value = pos.ValueUSD()
	}

	chainState, chainEligible := lifecycle.Decide(lifecycle.PositionStateContext{
		Liquidity:          raw.Liquidity,
		HasUnclaimedTokens: raw.HasUnclaimedTokens(),
		ValueUSD:           value,
		ThresholdUSD:       threshold,
	})
	if chainState == dbState {
		return nil, true
	}

	chainActive := chainState == lifecycle.StateActive
	severity := SeverityWarning
	if chainActive != pos.IsActive {
		severity = SeverityCritical
	}
	finding := Finding{
		TokenID:    pos.TokenID,
		DBState:    string(dbState),
		ChainState: string(chainState),
		Severity:   severity,
		Note:       fmt.Sprintf("liquidity=%s value=%s", storage.FormatUnits(raw.Liquidity), storage.FormatUSD(value)),
	}

	// Demotions of a stale isActive flag are safe to apply directly;
	// promotions stay the lifecycle reconciler's call.
	if pos.IsActive && !chainActive {
		if err := v.store.SetPositionFlags(ctx, pos.TokenID, false, chainEligible); err != nil {
			v.log.Error("auto-fix failed", "tokenId", pos.TokenID, "error", err)
		} else {
			finding.AutoFixed = true
			v.metrics.RecordAutoFix()
			v.log.Info("auto-fixed stale active flag", "tokenId", pos.TokenID, "to", chainState)
		}
	}

	v.record(ctx, finding)
	return &finding, true
}

// record persists the finding and raises the alert hook for critical ones.
func (v *Validator) record(ctx context.Context, finding Finding) {
	err := v.store.RecordDiscrepancy(ctx, storage.SyncDiscrepancy{
		TokenID:    finding.TokenID,
		DBState:    finding.DBState,
		ChainState: finding.ChainState,
		Severity:   finding.Severity,
		AutoFixed:  finding.AutoFixed,
		Note:       finding.Note,
	})
	if err != nil {
		v.log.Error("discrepancy record failed", "tokenId", finding.TokenID, "error", err)
	}
	v.metrics.RecordDiscrepancy(finding.Severity)
	if finding.Severity == SeverityCritical {
		if err := v.alert(ctx, finding); err != nil {
			v.log.Warn("alert delivery failed", "tokenId", finding.TokenID, "error", err)
		}
	}
}

// HealthReport assembles the sync-report payload.
func (v *Validator) HealthReport(ctx context.Context) (Report, error) {
	total, critical, fixed, err := v.store.DiscrepancySummary(ctx)
	if err != nil {
		return Report{}, err
	}
	recent, err := v.store.RecentDiscrepancies(ctx, 10)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		TotalDiscrepancies: total,
		CriticalCount:      critical,
		AutoFixedCount:     fixed,
		Recent:             recent,
	}
	v.mu.Lock()
	if v.lastRun != nil {
		run := *v.lastRun
		report.LastRun = &run
	}
	v.mu.Unlock()
	return report, nil
}

func (v *Validator) loadThreshold(ctx context.Context) (*big.Rat, error) {
	settings, err := v.store.CurrentSettings(ctx)
	if err != nil {
		return nil, err
	}
	threshold, err := storage.ParseUSD(settings.SignificanceThresholdUSD)
	if err != nil {
		return nil, fmt.Errorf("significance threshold: %w", err)
	}
	return threshold, nil
}
