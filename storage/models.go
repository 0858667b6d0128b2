package storage

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a liquidity provider known to the program. Created lazily on
// first interaction, never deleted.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Address   string    `gorm:"size:42;uniqueIndex" json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"-"`
}

// EnrolledPosition is an NFT position registered with the program.
// IsActive and RewardEligible are derived flags; the state manager is
// their only writer. CreatedAt anchors the time boost and is never
// touched by upserts.
type EnrolledPosition struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID `gorm:"type:uuid;index" json:"userId"`
	TokenID         uint64    `gorm:"uniqueIndex" json:"tokenId"`
	TickLower       int32     `json:"tickLower"`
	TickUpper       int32     `json:"tickUpper"`
	FeeTier         uint32    `json:"feeTier"`
	Token0          string    `gorm:"size:42" json:"token0"`
	Token1          string    `gorm:"size:42" json:"token1"`
	LiquidityUnits  string    `gorm:"size:80" json:"liquidityUnits"`
	CurrentValueUSD string    `gorm:"size:80" json:"currentValueUsd"`
	IsActive        bool      `gorm:"index" json:"isActive"`
	RewardEligible  bool      `gorm:"index" json:"rewardEligible"`
	FullRange       bool      `json:"fullRange"`
	CreatedViaApp   bool      `json:"createdViaApp"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Liquidity parses the stored liquidity units.
func (p *EnrolledPosition) Liquidity() *big.Int { return parseUnitsOrZero(p.LiquidityUnits) }

// ValueUSD parses the stored USD valuation.
func (p *EnrolledPosition) ValueUSD() *big.Rat { return parseUSDOrZero(p.CurrentValueUSD) }

// PositionSample is one reconciler observation of an enrolled position.
// The reward accountant integrates samples over the epoch window.
type PositionSample struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TokenID    uint64    `gorm:"index:idx_sample_token_time,priority:1"`
	ObservedAt time.Time `gorm:"index:idx_sample_token_time,priority:2;index"`
	Liquidity  string    `gorm:"size:80"`
	InRange    bool
	Eligible   bool
	ValueUSD   string `gorm:"size:80"`
}

// LiquidityUnits parses the sampled liquidity.
func (s *PositionSample) LiquidityUnits() *big.Int { return parseUnitsOrZero(s.Liquidity) }

// Value parses the sampled USD valuation.
func (s *PositionSample) Value() *big.Rat { return parseUSDOrZero(s.ValueUSD) }

// RewardAccrual is one position's reward for one closed epoch. Append-only.
type RewardAccrual struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID `gorm:"type:uuid;index" json:"userId"`
	PositionID       uuid.UUID `gorm:"type:uuid;index" json:"positionId"`
	TokenID          uint64    `gorm:"index;uniqueIndex:idx_accrual_token_epoch,priority:1" json:"tokenId"`
	EpochIndex       uint64    `gorm:"uniqueIndex:idx_accrual_token_epoch,priority:2" json:"epochIndex"`
	EpochStart       time.Time `json:"epochStart"`
	EpochEnd         time.Time `gorm:"index" json:"epochEnd"`
	RewardUnits      string    `gorm:"size:80" json:"rewardUnits"`
	AccumulatedUnits string    `gorm:"size:80" json:"accumulatedUnits"`
	FormulaInputs    string    `gorm:"type:text" json:"formulaInputs"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Units parses the epoch's reward amount.
func (a *RewardAccrual) Units() *big.Int { return parseUnitsOrZero(a.RewardUnits) }

// Accumulated parses the running per-position total at epoch close.
func (a *RewardAccrual) Accumulated() *big.Int { return parseUnitsOrZero(a.AccumulatedUnits) }

// RewardEpoch records one closed accounting epoch. The unique index makes
// closure idempotent: a second close of the same epoch fails its insert.
type RewardEpoch struct {
	EpochIndex    uint64    `gorm:"primaryKey;autoIncrement:false" json:"epochIndex"`
	EpochStart    time.Time `json:"epochStart"`
	EpochEnd      time.Time `gorm:"index" json:"epochEnd"`
	Budget        string    `gorm:"size:80" json:"budget"`
	RolloverIn    string    `gorm:"size:80" json:"rolloverIn"`
	Distributed   string    `gorm:"size:80" json:"distributed"`
	RolloverOut   string    `gorm:"size:80" json:"rolloverOut"`
	Normalizer    string    `gorm:"size:80" json:"normalizer"`
	EligibleCount int       `json:"eligibleCount"`
	ClosedAt      time.Time `json:"closedAt"`
}

// RolloverAfter parses the units carried into the next epoch.
func (e *RewardEpoch) RolloverAfter() *big.Int { return parseUnitsOrZero(e.RolloverOut) }

// DistributedUnits parses the units distributed by this epoch.
func (e *RewardEpoch) DistributedUnits() *big.Int { return parseUnitsOrZero(e.Distributed) }

// ClaimAuthorization is one signed claim issuance. At most one row exists
// per (address, nonce); the unique index converts races into errors the
// authorizer maps to a stale-nonce rejection.
type ClaimAuthorization struct {
	ID                        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserAddress               string    `gorm:"size:42;index;uniqueIndex:idx_claim_user_nonce,priority:1" json:"userAddress"`
	Nonce                     uint64    `gorm:"uniqueIndex:idx_claim_user_nonce,priority:2" json:"nonce"`
	CumulativeAuthorizedUnits string    `gorm:"size:80" json:"cumulativeAuthorizedUnits"`
	SignatureDigest           string    `gorm:"size:66" json:"signatureDigest"`
	Signature                 string    `gorm:"size:132" json:"signature"`
	KeyID                     string    `gorm:"size:128" json:"-"`
	SignedAt                  time.Time `json:"signedAt"`
}

// Cumulative parses the cumulative authorized units.
func (c *ClaimAuthorization) Cumulative() *big.Int {
	return parseUnitsOrZero(c.CumulativeAuthorizedUnits)
}

// TreasuryConfig is the versioned source of truth for the program's
// budget constants. Rows are append-only; the highest version wins.
type TreasuryConfig struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	Version               int       `gorm:"uniqueIndex" json:"version"`
	TotalAllocation       string    `gorm:"size:80" json:"totalAllocation"`
	ProgramStartTime      time.Time `json:"programStartTime"`
	ProgramDurationDays   int       `json:"programDurationDays"`
	DailyBudget           string    `gorm:"size:80" json:"dailyBudget"`
	RewardContractAddress string    `gorm:"size:42" json:"rewardContractAddress"`
	TokenAddress          string    `gorm:"size:42" json:"tokenAddress"`
	CreatedAt             time.Time `json:"createdAt"`
}

// DailyBudgetUnits parses the per-epoch budget.
func (t *TreasuryConfig) DailyBudgetUnits() *big.Int { return parseUnitsOrZero(t.DailyBudget) }

// ProgramSettings is the versioned bundle of formula coefficients.
type ProgramSettings struct {
	ID                       uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	Version                  int       `gorm:"uniqueIndex" json:"version"`
	TimeBoostCoefficient     string    `gorm:"size:32" json:"timeBoostCoefficient"`
	FullRangeBonus           string    `gorm:"size:32" json:"fullRangeBonus"`
	InRangeMultiplier        string    `gorm:"size:32" json:"inRangeMultiplier"`
	SignificanceThresholdUSD string    `gorm:"size:80" json:"significanceThresholdUsd"`
	AbsoluteMaxClaimUnits    string    `gorm:"size:80" json:"absoluteMaxClaimUnits"`
	CreatedAt                time.Time `json:"createdAt"`
}

// SyncDiscrepancy is one store/chain disagreement found by the validator.
// Append-only audit trail.
type SyncDiscrepancy struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TokenID    uint64    `gorm:"index" json:"tokenId"`
	DBState    string    `gorm:"size:32" json:"dbState"`
	ChainState string    `gorm:"size:32" json:"chainState"`
	Severity   string    `gorm:"size:16;index" json:"severity"`
	AutoFixed  bool      `json:"autoFixed"`
	Note       string    `gorm:"size:256" json:"note"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// BurnCandidate tracks a position suspected burned. Deletion requires the
// configured number of confirmed not-found reads spread over the window;
// any successful sighting clears the candidate.
type BurnCandidate struct {
	TokenID       uint64 `gorm:"primaryKey;autoIncrement:false"`
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
	Confirmations int
	UpdatedAt     time.Time
}

// AdminOperation is the append-only audit trail for administrative and
// destructive actions.
type AdminOperation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Actor     string    `gorm:"size:128" json:"actor"`
	Action    string    `gorm:"size:64;index" json:"action"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

// AutoMigrate performs all schema migrations for the daemon.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&EnrolledPosition{},
		&PositionSample{},
		&RewardAccrual{},
		&RewardEpoch{},
		&ClaimAuthorization{},
		&TreasuryConfig{},
		&ProgramSettings{},
		&SyncDiscrepancy{},
		&BurnCandidate{},
		&AdminOperation{},
	)
}
