package rewards

import (
	"math/big"
	"testing"
	"time"

	"lprewards/storage"
)

func sampleAt(at time.Time, liquidity string, inRange, eligible bool) storage.PositionSample {
	return storage.PositionSample{
		ObservedAt: at,
		Liquidity:  liquidity,
		InRange:    inRange,
		Eligible:   eligible,
	}
}

func TestIntegrateSamplesCarriesBoundaryAcrossWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	boundary := sampleAt(start.Add(-time.Hour), "10", true, true)

	m := integrateSamples(&boundary, nil, start, end)

	wantNs := int64(24 * time.Hour)
	if m.eligibleNs != wantNs || m.inRangeNs != wantNs {
		t.Fatalf("durations: eligible %d in-range %d, want %d", m.eligibleNs, m.inRangeNs, wantNs)
	}
	want := new(big.Int).Mul(big.NewInt(10), big.NewInt(wantNs))
	if m.liquidityTime.Cmp(want) != 0 {
		t.Fatalf("liquidity-time %s, want %s", m.liquidityTime, want)
	}
}

func TestIntegrateSamplesPiecewise(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	mid := start.Add(12 * time.Hour)
	samples := []storage.PositionSample{
		sampleAt(start, "10", true, true),
		sampleAt(mid, "20", false, true),
	}

	m := integrateSamples(nil, samples, start, end)

	half := int64(12 * time.Hour)
	if m.eligibleNs != 2*half || m.inRangeNs != half {
		t.Fatalf("durations: eligible %d in-range %d", m.eligibleNs, m.inRangeNs)
	}
	// 10 units for the first half, 20 for the second.
	want := new(big.Int).Mul(big.NewInt(30), big.NewInt(half))
	if m.liquidityTime.Cmp(want) != 0 {
		t.Fatalf("liquidity-time %s, want %s", m.liquidityTime, want)
	}
}

func TestIntegrateSamplesSkipsIneligibleStretches(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	samples := []storage.PositionSample{
		sampleAt(start, "10", true, false),
		sampleAt(start.Add(18*time.Hour), "10", true, true),
	}

	m := integrateSamples(nil, samples, start, end)

	if m.eligibleNs != int64(6*time.Hour) {
		t.Fatalf("eligible ns %d, want %d", m.eligibleNs, int64(6*time.Hour))
	}
	want := new(big.Int).Mul(big.NewInt(10), big.NewInt(int64(6*time.Hour)))
	if m.liquidityTime.Cmp(want) != 0 {
		t.Fatalf("liquidity-time %s, want %s", m.liquidityTime, want)
	}
}

func TestIntegrateSamplesWithoutObservationsMeasuresZero(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := integrateSamples(nil, nil, start, start.Add(24*time.Hour))
	if m.liquidityTime.Sign() != 0 || m.eligibleNs != 0 {
		t.Fatalf("expected zero measure, got %+v", m)
	}
}

func TestTimeBoostClampsAtProgramLength(t *testing.T) {
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	w1 := big.NewRat(6, 10)

	cases := []struct {
		name string
		held time.Duration
		want *big.Rat
	}{
		{"fresh", 0, big.NewRat(1, 1)},
		{"half", 90 * 24 * time.Hour, big.NewRat(13, 10)},
		{"full", 180 * 24 * time.Hour, big.NewRat(16, 10)},
		{"beyond", 400 * 24 * time.Hour, big.NewRat(16, 10)},
	}
	for _, tc := range cases {
		got := timeBoostFor(end.Add(-tc.held), end, 180, w1)
		if got.Cmp(tc.want) != 0 {
			t.Fatalf("%s: boost %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestTimeBoostWithoutCoefficientIsNeutral(t *testing.T) {
	end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	got := timeBoostFor(end.Add(-90*24*time.Hour), end, 180, new(big.Rat))
	if got.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("boost %s, want 1", got)
	}
}

func TestInRangeFactorScalesAndClamps(t *testing.T) {
	m := measure{eligibleNs: int64(24 * time.Hour), inRangeNs: int64(12 * time.Hour)}

	if got := inRangeFactor(m, big.NewRat(1, 1)); got.Cmp(big.NewRat(1, 2)) != 0 {
		t.Fatalf("unit scale: %s", got)
	}
	// An aggressive multiplier cannot push the factor above one.
	if got := inRangeFactor(m, big.NewRat(4, 1)); got.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("clamp: %s", got)
	}
	if got := inRangeFactor(measure{eligibleNs: 1}, big.NewRat(1, 1)); got.Sign() != 0 {
		t.Fatalf("never in range: %s", got)
	}
}
