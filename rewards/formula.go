package rewards

import (
	"math/big"
	"time"

	"lprewards/storage"
)

// measure holds one position's integrals over an epoch window, taken from
// the piecewise-constant sample series. liquidityTime is in liquidity
// units times nanoseconds; the unit cancels out of every ratio built on it.
type measure struct {
	liquidityTime *big.Int
	eligibleNs    int64
	inRangeNs     int64
}

// integrateSamples walks the series across [start, end). boundary is the
// last observation before the window and establishes the value the
// position carries in; a position with neither boundary nor in-window
// samples measures zero.
func integrateSamples(boundary *storage.PositionSample, samples []storage.PositionSample, start, end time.Time) measure {
	m := measure{liquidityTime: new(big.Int)}
	cursor := start
	current := boundary
	for i := range samples {
		if current != nil {
			m.accumulate(current, cursor, samples[i].ObservedAt)
		}
		current = &samples[i]
		cursor = samples[i].ObservedAt
	}
	if current != nil {
		m.accumulate(current, cursor, end)
	}
	return m
}

func (m *measure) accumulate(s *storage.PositionSample, from, to time.Time) {
	dt := to.Sub(from)
	if dt <= 0 || !s.Eligible {
		return
	}
	ns := int64(dt)
	m.eligibleNs += ns
	if s.InRange {
		m.inRangeNs += ns
	}
	if liq := s.LiquidityUnits(); liq.Sign() > 0 {
		m.liquidityTime.Add(m.liquidityTime, new(big.Int).Mul(liq, big.NewInt(ns)))
	}
}

// timeBoostFor computes T = 1 + min(1, held/programLength)·w1. Holding
// time is measured at the epoch end so catch-up closes after a restart
// stay deterministic.
func timeBoostFor(enrolledAt, epochEnd time.Time, programDays int, w1 *big.Rat) *big.Rat {
	boost := big.NewRat(1, 1)
	if programDays <= 0 || w1 == nil || w1.Sign() == 0 {
		return boost
	}
	held := epochEnd.Sub(enrolledAt)
	if held <= 0 {
		return boost
	}
	ratio := new(big.Rat).SetFrac64(int64(held), int64(time.Duration(programDays)*24*time.Hour))
	if ratio.Cmp(ratOne) > 0 {
		ratio.Set(ratOne)
	}
	return boost.Add(boost, ratio.Mul(ratio, w1))
}

// inRangeFactor is the in-range share of the position's eligible time,
// scaled by the program multiplier and clamped to [0, 1]. Measuring
// against eligible time rather than the whole window keeps a mid-epoch
// enrollment from being discounted twice; the liquidity integral already
// prorates it.
func inRangeFactor(m measure, scale *big.Rat) *big.Rat {
	if m.eligibleNs == 0 || m.inRangeNs == 0 {
		return new(big.Rat)
	}
	f := new(big.Rat).SetFrac64(m.inRangeNs, m.eligibleNs)
	if scale != nil && scale.Sign() > 0 {
		f.Mul(f, scale)
	}
	if f.Cmp(ratOne) > 0 {
		f.Set(ratOne)
	}
	return f
}

var ratOne = big.NewRat(1, 1)

// draft carries a position's computed factors between the measuring and
// commit phases of a close.
type draft struct {
	pos     storage.EnrolledPosition
	m       measure
	share   *big.Rat
	boost   *big.Rat
	inRange *big.Rat
	bonus   *big.Rat
	weight  *big.Rat
}

// formulaInputs is captured verbatim on every accrual row so a payout can
// be re-derived without replaying the sample series.
type formulaInputs struct {
	LiquidityTime      string `json:"l_u"`
	TotalLiquidityTime string `json:"l_t"`
	Share              string `json:"s_u"`
	TimeBoost          string `json:"t_u"`
	InRange            string `json:"irm_u"`
	FullRangeBonus     string `json:"frb_u"`
	Normalizer         string `json:"z"`
	Budget             string `json:"budget"`
}
