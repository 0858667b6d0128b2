package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"lprewards/chain"
	"lprewards/storage"
)

const previewOwner = "0x5555555555555555555555555555555555555555"

type fakeRegistrarReader struct {
	*fakeReader
	meta    chain.PoolMeta
	metaErr error
}

func (f *fakeRegistrarReader) FetchPoolMeta(context.Context) (chain.PoolMeta, error) {
	if f.metaErr != nil {
		return chain.PoolMeta{}, f.metaErr
	}
	return f.meta, nil
}

type registrarRig struct {
	*testRig
	reg    *Registrar
	quotes *fakeQuotes
}

func newRegistrarRig(t *testing.T) *registrarRig {
	t.Helper()
	base := newTestRig(t, Config{})
	reader := &fakeRegistrarReader{
		fakeReader: base.reader,
		meta: chain.PoolMeta{
			Token0:      common.HexToAddress(testToken0),
			Token1:      common.HexToAddress(testToken1),
			FeeTier:     3000,
			TickSpacing: 60,
		},
	}
	quotes := dollarQuotes()
	valuer := NewValuer(reader, quotes)
	reg := NewRegistrar(base.store, reader, valuer, WithRegistrarClock(base.clock.Now))
	return &registrarRig{testRig: base, reg: reg, quotes: quotes}
}

func (rig *registrarRig) quoteOutage(err error) {
	rig.quotes.mu.Lock()
	rig.quotes.err = err
	rig.quotes.mu.Unlock()
}

// otherPoolPosition is an NFT from an unrelated pool in the same wallet.
func otherPoolPosition(tokenID uint64, feeTier uint32, token1 string) chain.RawPosition {
	return chain.RawPosition{
		TokenID:     new(big.Int).SetUint64(tokenID),
		Token0:      common.HexToAddress(testToken0),
		Token1:      common.HexToAddress(token1),
		FeeTier:     feeTier,
		TickLower:   -600,
		TickUpper:   600,
		Liquidity:   big.NewInt(9999),
		TokensOwed0: big.NewInt(0),
		TokensOwed1: big.NewInt(0),
	}
}

func TestRegisterAllFiltersToProgramPool(t *testing.T) {
	rig := newRegistrarRig(t)
	ctx := context.Background()

	rig.reader.setOwnerPositions(common.HexToAddress(testOwner),
		rawPosition(10, big.NewInt(5000), big.NewInt(0)),
		otherPoolPosition(11, 500, testToken1),
		otherPoolPosition(12, 3000, "0x00000000000000000000000000000000000000cc"),
	)

	report, err := rig.reg.RegisterAll(ctx, testOwner)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if report.TotalOwned != 3 || report.Matched != 1 || report.Registered != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	positions, err := rig.store.PositionsByUser(ctx, rig.user.ID)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected one enrolled position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.TokenID != 10 || !pos.IsActive || !pos.RewardEligible || !pos.CreatedViaApp {
		t.Fatalf("unexpected enrollment %+v", pos)
	}
	if pos.FullRange {
		t.Fatalf("narrow range misclassified as full range")
	}

	samples, err := rig.store.SamplesForTokenBetween(ctx, 10, rig.clock.Now().Add(-time.Hour), rig.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("samples: %v", err)
	}
	if len(samples) != 1 || !samples[0].Eligible {
		t.Fatalf("expected one eligible enrollment sample, got %+v", samples)
	}
}

func TestRegisterAllKeepsEnrollmentTime(t *testing.T) {
	rig := newRegistrarRig(t)
	ctx := context.Background()

	rig.reader.setOwnerPositions(common.HexToAddress(testOwner),
		rawPosition(20, big.NewInt(5000), big.NewInt(0)))

	if _, err := rig.reg.RegisterAll(ctx, testOwner); err != nil {
		t.Fatalf("first register: %v", err)
	}
	first, err := rig.store.PositionByTokenID(ctx, 20)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}

	rig.clock.Advance(48 * time.Hour)
	report, err := rig.reg.RegisterAll(ctx, testOwner)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if report.Registered != 0 || report.Matched != 1 {
		t.Fatalf("re-registration should enroll nothing, got %+v", report)
	}

	second, err := rig.store.PositionByTokenID(ctx, 20)
	if err != nil {
		t.Fatalf("reload position: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("enrollment time moved: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestRegisterAllMarksFullRange(t *testing.T) {
	rig := newRegistrarRig(t)
	ctx := context.Background()

	raw := rawPosition(30, big.NewInt(5000), big.NewInt(0))
	raw.TickLower = chain.MinUsableTick(60)
	raw.TickUpper = chain.MaxUsableTick(60)
	rig.reader.setOwnerPositions(common.HexToAddress(testOwner), raw)

	if _, err := rig.reg.RegisterAll(ctx, testOwner); err != nil {
		t.Fatalf("register: %v", err)
	}
	pos, err := rig.store.PositionByTokenID(ctx, 30)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if !pos.FullRange {
		t.Fatalf("full range position not flagged: %+v", pos)
	}
}

func TestRegisterAllEnrollsCloseoutPosition(t *testing.T) {
	rig := newRegistrarRig(t)
	ctx := context.Background()

	// Emptied position still owed $450 of fees, under the $500 threshold.
	rig.reader.setOwnerPositions(common.HexToAddress(testOwner),
		rawPosition(40, big.NewInt(0), units(450, 18)))

	if _, err := rig.reg.RegisterAll(ctx, testOwner); err != nil {
		t.Fatalf("register: %v", err)
	}
	pos, err := rig.store.PositionByTokenID(ctx, 40)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if pos.IsActive || !pos.RewardEligible {
		t.Fatalf("expected needs-closeout flags, got %+v", pos)
	}
}

func TestRegisterAllSurvivesValuationOutage(t *testing.T) {
	rig := newRegistrarRig(t)
	ctx := context.Background()

	rig.quoteOutage(errors.New("oracle down"))
	rig.reader.setOwnerPositions(common.HexToAddress(testOwner),
		rawPosition(50, big.NewInt(5000), big.NewInt(0)))

	report, err := rig.reg.RegisterAll(ctx, testOwner)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if report.Registered != 1 {
		t.Fatalf("expected enrollment despite valuation outage, got %+v", report)
	}
	pos, err := rig.store.PositionByTokenID(ctx, 50)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if !pos.RewardEligible || pos.CurrentValueUSD != "0" {
		t.Fatalf("expected liquidity-backed eligibility with zero value, got %+v", pos)
	}
}

func TestPreviewCountsWithoutWriting(t *testing.T) {
	rig := newRegistrarRig(t)
	ctx := context.Background()

	owner := common.HexToAddress(previewOwner)
	rig.reader.setOwnerPositions(owner,
		rawPosition(60, big.NewInt(5000), big.NewInt(0)),
		rawPosition(61, big.NewInt(0), big.NewInt(0)),
		otherPoolPosition(62, 500, testToken1),
	)

	preview, err := rig.reg.Preview(ctx, previewOwner)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.EligiblePositions != 1 || preview.TotalPositions != 2 || preview.RegisteredCount != 0 {
		t.Fatalf("unexpected preview %+v", preview)
	}

	if _, err := rig.store.UserByAddress(ctx, previewOwner); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("preview must not create users, got %v", err)
	}
}

func TestPreviewReflectsRegistrations(t *testing.T) {
	rig := newRegistrarRig(t)
	ctx := context.Background()

	rig.reader.setOwnerPositions(common.HexToAddress(testOwner),
		rawPosition(70, big.NewInt(5000), big.NewInt(0)))
	if _, err := rig.reg.RegisterAll(ctx, testOwner); err != nil {
		t.Fatalf("register: %v", err)
	}

	preview, err := rig.reg.Preview(ctx, testOwner)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.RegisteredCount != 1 || preview.EligiblePositions != 1 {
		t.Fatalf("unexpected preview %+v", preview)
	}
}

func TestPreviewPropagatesChainFailure(t *testing.T) {
	rig := newRegistrarRig(t)

	rig.reader.mu.Lock()
	rig.reader.ownerErr = &chain.Error{Kind: chain.KindTransient, Method: "positionsOfOwner", Err: errors.New("rpc timeout")}
	rig.reader.mu.Unlock()

	_, err := rig.reg.Preview(context.Background(), testOwner)
	if err == nil || !chain.IsTransient(err) {
		t.Fatalf("expected transient chain failure, got %v", err)
	}
}

func TestPreviewRejectsMalformedAddress(t *testing.T) {
	rig := newRegistrarRig(t)
	if _, err := rig.reg.Preview(context.Background(), "damaged"); !errors.Is(err, storage.ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

var _ RegistrarReader = (*fakeRegistrarReader)(nil)
