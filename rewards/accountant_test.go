package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	rewardsOwner = "0x2222222222222222222222222222222222222222"
	poolToken0   = "0x00000000000000000000000000000000000000aa"
	poolToken1   = "0x00000000000000000000000000000000000000bb"
)

var programStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type stubReader struct {
	mu      sync.Mutex
	pool    chain.PoolState
	poolErr error
	meta    chain.PoolMeta
}

func newStubReader() *stubReader {
	return &stubReader{
		pool: chain.PoolState{
			SqrtPriceX96: new(big.Int).Lsh(big.NewInt(1), 96),
			Tick:         0,
			Liquidity:    big.NewInt(1_000_000),
		},
		meta: chain.PoolMeta{
			Token0:      common.HexToAddress(poolToken0),
			Token1:      common.HexToAddress(poolToken1),
			FeeTier:     3000,
			TickSpacing: 60,
		},
	}
}

func (s *stubReader) FetchPoolState(context.Context) (chain.PoolState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poolErr != nil {
		return chain.PoolState{}, s.poolErr
	}
	return s.pool, nil
}

func (s *stubReader) FetchPoolMeta(context.Context) (chain.PoolMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

type stubQuotes struct {
	mu  sync.Mutex
	err error
}

func (s *stubQuotes) QuoteUSD(_ context.Context, asset string) (oracle.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return oracle.Quote{}, s.err
	}
	return oracle.Quote{Asset: asset, Price: big.NewRat(1, 1), AsOf: time.Now()}, nil
}

func (s *stubQuotes) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type rig struct {
	acct   *Accountant
	store  *storage.Store
	reader *stubReader
	quotes *stubQuotes
	clock  *manualClock
	user   storage.User
}

func newRig(t *testing.T, mutate ...func(*storage.TreasuryConfig, *storage.ProgramSettings)) *rig {
	t.Helper()
	clock := &manualClock{now: programStart}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := storage.Open(dsn, storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	treasury := storage.TreasuryConfig{
		TotalAllocation:     "1000000000000000000000000",
		ProgramStartTime:    programStart,
		ProgramDurationDays: 180,
		DailyBudget:         "5000000000000000000000",
	}
	settings := storage.ProgramSettings{
		TimeBoostCoefficient:     "0.6",
		FullRangeBonus:           "1.2",
		InRangeMultiplier:        "1.0",
		SignificanceThresholdUSD: "500",
		AbsoluteMaxClaimUnits:    "10000000000000000000000",
	}
	for _, fn := range mutate {
		fn(&treasury, &settings)
	}
	if err := store.SeedProgram(context.Background(), treasury, settings); err != nil {
		t.Fatalf("seed program: %v", err)
	}
	user, _, err := store.EnsureUser(context.Background(), rewardsOwner)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	reader := newStubReader()
	quotes := &stubQuotes{}
	acct := NewAccountant(store, reader, quotes, Config{}, WithClock(clock.Now))
	return &rig{acct: acct, store: store, reader: reader, quotes: quotes, clock: clock, user: user}
}

func (r *rig) enroll(t *testing.T, tokenID uint64, createdAt time.Time, fullRange bool) storage.EnrolledPosition {
	t.Helper()
	pos, _, err := r.store.UpsertPosition(context.Background(), storage.EnrolledPosition{
		UserID:          r.user.ID,
		TokenID:         tokenID,
		TickLower:       -600,
		TickUpper:       600,
		FeeTier:         3000,
		Token0:          poolToken0,
		Token1:          poolToken1,
		LiquidityUnits:  "1000000",
		CurrentValueUSD: "1000",
		IsActive:        true,
		RewardEligible:  true,
		FullRange:       fullRange,
		CreatedAt:       createdAt,
	})
	if err != nil {
		t.Fatalf("enroll position %d: %v", tokenID, err)
	}
	return pos
}

func (r *rig) sample(t *testing.T, tokenID uint64, at time.Time, inRange bool) {
	t.Helper()
	err := r.store.RecordSample(context.Background(), storage.PositionSample{
		TokenID:    tokenID,
		ObservedAt: at,
		Liquidity:  "1000000",
		InRange:    inRange,
		Eligible:   true,
		ValueUSD:   "1000",
	})
	if err != nil {
		t.Fatalf("record sample %d: %v", tokenID, err)
	}
}

func TestCloseSplitsBudgetByBoostedShares(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	end := programStart.Add(24 * time.Hour)

	// Equal liquidity over the whole epoch; only the holding times differ.
	// A has held for the full program length, B enrolled at the boundary.
	rig.enroll(t, 1, end.Add(-180*24*time.Hour), false)
	rig.enroll(t, 2, end, false)
	rig.sample(t, 1, programStart, true)
	rig.sample(t, 2, programStart, true)

	rig.clock.Set(end.Add(5 * time.Minute))
	result, err := rig.acct.CloseNext(ctx)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if result == nil || result.EpochIndex != 0 || result.Eligible != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	// Weights 0.5*1.6 and 0.5*1.0 normalise to 8/13 and 5/13 of 5000e18.
	accruals, err := rig.store.AccrualsByUser(ctx, rig.user.ID)
	if err != nil {
		t.Fatalf("accruals: %v", err)
	}
	if len(accruals) != 2 {
		t.Fatalf("expected two accruals, got %d", len(accruals))
	}
	if accruals[0].TokenID != 1 || accruals[0].RewardUnits != "3076923076923076923076" {
		t.Fatalf("boosted position accrual: %+v", accruals[0])
	}
	if accruals[1].TokenID != 2 || accruals[1].RewardUnits != "1923076923076923076923" {
		t.Fatalf("fresh position accrual: %+v", accruals[1])
	}

	epoch, err := rig.store.EpochByIndex(ctx, 0)
	if err != nil {
		t.Fatalf("epoch: %v", err)
	}
	if epoch.Distributed != "4999999999999999999999" || epoch.RolloverOut != "1" {
		t.Fatalf("epoch totals: %+v", epoch)
	}
	if epoch.Normalizer != "1.300000000000000000" {
		t.Fatalf("normalizer: %q", epoch.Normalizer)
	}

	var inputs struct {
		Share     string `json:"s_u"`
		TimeBoost string `json:"t_u"`
	}
	if err := json.Unmarshal([]byte(accruals[0].FormulaInputs), &inputs); err != nil {
		t.Fatalf("formula inputs: %v", err)
	}
	if inputs.Share != "0.500000000000000000" || inputs.TimeBoost != "1.600000000000000000" {
		t.Fatalf("recorded inputs: %+v", inputs)
	}
}

func TestFullRangeBonusStacks(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	end := programStart.Add(24 * time.Hour)

	// Identical positions except the full-range flag; equal boosts cancel
	// out and the split reduces to 1.2 : 1.
	rig.enroll(t, 1, programStart, true)
	rig.enroll(t, 2, programStart, false)
	rig.sample(t, 1, programStart, true)
	rig.sample(t, 2, programStart, true)

	rig.clock.Set(end.Add(time.Minute))
	if _, err := rig.acct.CloseNext(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	accruals, _ := rig.store.AccrualsByUser(ctx, rig.user.ID)
	if len(accruals) != 2 {
		t.Fatalf("expected two accruals, got %d", len(accruals))
	}
	if accruals[0].RewardUnits != "2727272727272727272727" {
		t.Fatalf("full-range accrual: %+v", accruals[0])
	}
	if accruals[1].RewardUnits != "2272727272727272727272" {
		t.Fatalf("concentrated accrual: %+v", accruals[1])
	}
}

func TestMidEpochEnrollmentProrates(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	end := programStart.Add(24 * time.Hour)

	rig.enroll(t, 1, programStart, false)
	rig.enroll(t, 2, programStart, false)
	rig.sample(t, 1, programStart, true)
	// B only exists for the second half of the window.
	rig.sample(t, 2, programStart.Add(12*time.Hour), true)

	rig.clock.Set(end.Add(time.Minute))
	if _, err := rig.acct.CloseNext(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Liquidity-time shares are 2/3 and 1/3; the in-range factor measures
	// against eligible time, so the late entry is not discounted twice.
	accruals, _ := rig.store.AccrualsByUser(ctx, rig.user.ID)
	if len(accruals) != 2 {
		t.Fatalf("expected two accruals, got %d", len(accruals))
	}
	if accruals[0].RewardUnits != "3333333333333333333333" {
		t.Fatalf("full-epoch accrual: %+v", accruals[0])
	}
	if accruals[1].RewardUnits != "1666666666666666666666" {
		t.Fatalf("half-epoch accrual: %+v", accruals[1])
	}

	var inputs struct {
		InRange string `json:"irm_u"`
	}
	if err := json.Unmarshal([]byte(accruals[1].FormulaInputs), &inputs); err != nil {
		t.Fatalf("formula inputs: %v", err)
	}
	if inputs.InRange != "1.000000000000000000" {
		t.Fatalf("late entry discounted twice: %+v", inputs)
	}
}

func TestOutOfRangeEpochRollsBudgetForward(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	end0 := programStart.Add(24 * time.Hour)
	end1 := end0.Add(24 * time.Hour)

	rig.enroll(t, 1, programStart, false)
	rig.sample(t, 1, programStart, false)

	rig.clock.Set(end0.Add(time.Minute))
	first, err := rig.acct.CloseNext(ctx)
	if err != nil {
		t.Fatalf("close epoch 0: %v", err)
	}
	if first.Distributed.Sign() != 0 || first.Rollover.String() != "5000000000000000000000" {
		t.Fatalf("expected full rollover, got %+v", first)
	}

	// Back in range for the whole of epoch 1: the doubled budget pays out.
	rig.sample(t, 1, end0, true)
	rig.clock.Set(end1.Add(time.Minute))
	second, err := rig.acct.CloseNext(ctx)
	if err != nil {
		t.Fatalf("close epoch 1: %v", err)
	}
	if second.Budget.String() != "10000000000000000000000" {
		t.Fatalf("rollover not applied to budget: %+v", second)
	}
	if second.Distributed.String() != "10000000000000000000000" || second.Rollover.Sign() != 0 {
		t.Fatalf("expected doubled payout, got %+v", second)
	}

	epoch, _ := rig.store.EpochByIndex(ctx, 1)
	if epoch.RolloverIn != "5000000000000000000000" || epoch.Budget != "5000000000000000000000" {
		t.Fatalf("epoch bookkeeping: %+v", epoch)
	}
}

func TestStallDefersCloseWithoutMovingBoundary(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	end := programStart.Add(24 * time.Hour)

	rig.enroll(t, 1, programStart, false)
	rig.sample(t, 1, programStart, true)

	// Price source down at the boundary: the close defers, nothing commits.
	rig.quotes.setErr(fmt.Errorf("%w: upstream 500", oracle.ErrPriceUnavailable))
	rig.clock.Set(end.Add(2 * time.Hour))
	if _, err := rig.acct.CloseNext(ctx); !errors.Is(err, ErrStalled) {
		t.Fatalf("expected stall, got %v", err)
	}
	if _, err := rig.store.LastClosedEpoch(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("epoch committed during stall: %v", err)
	}

	// Recovery closes the epoch at its original boundary, hours later.
	rig.quotes.setErr(nil)
	result, err := rig.acct.CloseNext(ctx)
	if err != nil {
		t.Fatalf("close after recovery: %v", err)
	}
	if !result.EpochStart.Equal(programStart) || !result.EpochEnd.Equal(end) {
		t.Fatalf("boundary drifted: %+v", result)
	}
	if result.Distributed.String() != "5000000000000000000000" {
		t.Fatalf("distribution after recovery: %+v", result)
	}
}

func TestTickClosesEpochsOldestFirst(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	rig.enroll(t, 1, programStart, false)
	rig.sample(t, 1, programStart, true)

	rig.clock.Set(programStart.Add(3*24*time.Hour + time.Hour))
	if err := rig.acct.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	last, err := rig.store.LastClosedEpoch(ctx)
	if err != nil {
		t.Fatalf("last epoch: %v", err)
	}
	if last.EpochIndex != 2 {
		t.Fatalf("expected catch-up through epoch 2, got %d", last.EpochIndex)
	}
	for idx := uint64(0); idx <= 2; idx++ {
		epoch, err := rig.store.EpochByIndex(ctx, idx)
		if err != nil {
			t.Fatalf("epoch %d: %v", idx, err)
		}
		wantStart := programStart.Add(time.Duration(idx) * 24 * time.Hour)
		if !epoch.EpochStart.Equal(wantStart) {
			t.Fatalf("epoch %d start %v, want %v", idx, epoch.EpochStart, wantStart)
		}
	}

	// The single always-in-range position accumulates the full budget each
	// epoch; the running totals advance monotonically.
	accruals, _ := rig.store.AccrualsByUser(ctx, rig.user.ID)
	if len(accruals) != 3 {
		t.Fatalf("expected three accruals, got %d", len(accruals))
	}
	wantTotals := []string{
		"5000000000000000000000",
		"10000000000000000000000",
		"15000000000000000000000",
	}
	for i, want := range wantTotals {
		if accruals[i].AccumulatedUnits != want {
			t.Fatalf("accumulated[%d] = %s, want %s", i, accruals[i].AccumulatedUnits, want)
		}
	}
}

func TestCloseTreatsRacingWriterAsNoOp(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	end := programStart.Add(24 * time.Hour)

	rig.enroll(t, 1, programStart, false)
	rig.sample(t, 1, programStart, true)
	rig.clock.Set(end.Add(time.Minute))

	// Another replica commits the epoch between the boundary check and our
	// commit. Drive the close below CloseNext so the race window is real.
	err := rig.store.CloseEpoch(ctx, storage.RewardEpoch{
		EpochIndex:  0,
		EpochStart:  programStart,
		EpochEnd:    end,
		Budget:      "5000000000000000000000",
		RolloverIn:  "0",
		Distributed: "5000000000000000000000",
		RolloverOut: "0",
		Normalizer:  "1.000000000000000000",
	}, nil)
	if err != nil {
		t.Fatalf("seed racing epoch: %v", err)
	}

	prog, err := rig.acct.loadProgram(ctx)
	if err != nil {
		t.Fatalf("load program: %v", err)
	}
	result, err := rig.acct.close(ctx, 0, programStart, end, new(big.Int), prog)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !result.AlreadyClosed {
		t.Fatalf("expected racing close to be reported, got %+v", result)
	}

	// The local computation was discarded: no accrual rows were written and
	// the stored epoch is untouched.
	accruals, _ := rig.store.AccrualsByUser(ctx, rig.user.ID)
	if len(accruals) != 0 {
		t.Fatalf("racing close wrote accruals: %+v", accruals)
	}
	next, err := rig.acct.CloseNext(ctx)
	if err != nil || next != nil {
		t.Fatalf("expected caught-up accountant, got %+v err %v", next, err)
	}
}

func TestCloseStopsAtProgramEnd(t *testing.T) {
	rig := newRig(t, func(treasury *storage.TreasuryConfig, _ *storage.ProgramSettings) {
		treasury.ProgramDurationDays = 2
	})
	ctx := context.Background()

	rig.enroll(t, 1, programStart, false)
	rig.sample(t, 1, programStart, true)

	rig.clock.Set(programStart.Add(5 * 24 * time.Hour))
	if err := rig.acct.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	last, err := rig.store.LastClosedEpoch(ctx)
	if err != nil {
		t.Fatalf("last epoch: %v", err)
	}
	if last.EpochIndex != 1 {
		t.Fatalf("program closed %d epochs past its end", last.EpochIndex-1)
	}
	if result, err := rig.acct.CloseNext(ctx); err != nil || result != nil {
		t.Fatalf("expected completed program to be a no-op, got %+v err %v", result, err)
	}
}
