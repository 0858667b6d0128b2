package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate is returned when an insert collides with a unique index.
	ErrDuplicate = errors.New("storage: duplicate record")
	// ErrInvalidAddress is returned for addresses that are not 20-byte hex.
	ErrInvalidAddress = errors.New("storage: invalid address")
)

// Store wraps the program database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option adjusts store construction.
type Option func(*Store)

// WithClock overrides the time source used for persisted timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the configured database and applies migrations. DSNs
// beginning with file: (or the literal :memory:) select the embedded
// sqlite driver, anything else is treated as postgres.
func Open(dsn string, opts ...Option) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("storage: dsn must be configured")
	}
	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(trimmed, "file:") || trimmed == ":memory:" {
		db, err = gorm.Open(sqlite.Open(trimmed), &gorm.Config{})
	} else {
		db, err = gorm.Open(postgres.Open(trimmed), &gorm.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn against a store bound to a single transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&Store{db: g, now: s.now})
	})
}

// NormalizeAddress canonicalises an EVM address to lowercase hex.
func NormalizeAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
}

// ---- users ----

// EnsureUser fetches the user for the address, creating it on first
// contact. The returned flag reports whether a row was created.
func (s *Store) EnsureUser(ctx context.Context, address string) (User, bool, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return User{}, false, err
	}
	var user User
	err = s.db.WithContext(ctx).First(&user, "address = ?", addr).Error
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, false, err
	}
	user = User{ID: uuid.New(), Address: addr, CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isUniqueViolation(err) {
			if ferr := s.db.WithContext(ctx).First(&user, "address = ?", addr).Error; ferr == nil {
				return user, false, nil
			}
		}
		return User{}, false, err
	}
	return user, true, nil
}

// UserByAddress looks a user up by canonical address.
func (s *Store) UserByAddress(ctx context.Context, address string) (User, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return User{}, err
	}
	var user User
	if err := s.db.WithContext(ctx).First(&user, "address = ?", addr).Error; err != nil {
		return User{}, wrapNotFound(err)
	}
	return user, nil
}

// UserByID looks a user up by identifier.
func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return User{}, wrapNotFound(err)
	}
	return user, nil
}

// UsersWithPositions returns every user holding at least one enrolled
// position. The reconciler iterates this set each pass.
func (s *Store) UsersWithPositions(ctx context.Context) ([]User, error) {
	sub := s.db.Model(&EnrolledPosition{}).Distinct("user_id")
	var users []User
	if err := s.db.WithContext(ctx).Where("id IN (?)", sub).Order("created_at").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// RegisteredUserCount counts all known users.
func (s *Store) RegisteredUserCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&User{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// ---- positions ----

// UpsertPosition registers a position or refreshes its mutable fields.
// Enrollment time, tick bounds and ownership never change on re-register,
// so the time boost anchor survives repeated registration calls.
func (s *Store) UpsertPosition(ctx context.Context, pos EnrolledPosition) (EnrolledPosition, bool, error) {
	stored, created, err := s.upsertPosition(ctx, pos)
	if errors.Is(err, ErrDuplicate) {
		// Lost an insert race; the winning row exists now, retry as an update.
		return s.upsertPosition(ctx, pos)
	}
	return stored, created, err
}

func (s *Store) upsertPosition(ctx context.Context, pos EnrolledPosition) (EnrolledPosition, bool, error) {
	var (
		stored  EnrolledPosition
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&stored, "token_id = ?", pos.TokenID).Error
		if err == nil {
			updates := map[string]any{
				"liquidity_units":   pos.LiquidityUnits,
				"current_value_usd": pos.CurrentValueUSD,
			}
			if err := tx.Model(&stored).Updates(updates).Error; err != nil {
				return err
			}
			stored.LiquidityUnits = pos.LiquidityUnits
			stored.CurrentValueUSD = pos.CurrentValueUSD
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if pos.ID == uuid.Nil {
			pos.ID = uuid.New()
		}
		if pos.CreatedAt.IsZero() {
			pos.CreatedAt = s.now().UTC()
		}
		if err := tx.Create(&pos).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		stored = pos
		created = true
		return nil
	})
	if err != nil {
		return EnrolledPosition{}, false, err
	}
	return stored, created, nil
}

// PositionByTokenID fetches one enrolled position.
func (s *Store) PositionByTokenID(ctx context.Context, tokenID uint64) (EnrolledPosition, error) {
	var pos EnrolledPosition
	if err := s.db.WithContext(ctx).First(&pos, "token_id = ?", tokenID).Error; err != nil {
		return EnrolledPosition{}, wrapNotFound(err)
	}
	return pos, nil
}

// PositionsByUser lists a user's enrolled positions in enrollment order.
func (s *Store) PositionsByUser(ctx context.Context, userID uuid.UUID) ([]EnrolledPosition, error) {
	var positions []EnrolledPosition
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// EligiblePositionsByUser lists the user's reward-eligible positions.
func (s *Store) EligiblePositionsByUser(ctx context.Context, userID uuid.UUID) ([]EnrolledPosition, error) {
	var positions []EnrolledPosition
	if err := s.db.WithContext(ctx).Where("user_id = ? AND reward_eligible = ?", userID, true).Order("created_at").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// AllPositions lists every enrolled position in token order.
func (s *Store) AllPositions(ctx context.Context) ([]EnrolledPosition, error) {
	var positions []EnrolledPosition
	if err := s.db.WithContext(ctx).Order("token_id").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// EligiblePositions lists every reward-eligible position in the program.
func (s *Store) EligiblePositions(ctx context.Context) ([]EnrolledPosition, error) {
	var positions []EnrolledPosition
	if err := s.db.WithContext(ctx).Where("reward_eligible = ?", true).Order("token_id").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// ActivePositionCount counts a user's active positions.
func (s *Store) ActivePositionCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&EnrolledPosition{}).Where("user_id = ? AND is_active = ?", userID, true).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// SetPositionFlags writes the derived lifecycle flags for a position.
func (s *Store) SetPositionFlags(ctx context.Context, tokenID uint64, isActive, rewardEligible bool) error {
	res := s.db.WithContext(ctx).Model(&EnrolledPosition{}).Where("token_id = ?", tokenID).Updates(map[string]any{
		"is_active":       isActive,
		"reward_eligible": rewardEligible,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePositionObservation refreshes the mutable on-chain fields.
func (s *Store) UpdatePositionObservation(ctx context.Context, tokenID uint64, liquidity *big.Int, valueUSD *big.Rat) error {
	res := s.db.WithContext(ctx).Model(&EnrolledPosition{}).Where("token_id = ?", tokenID).Updates(map[string]any{
		"liquidity_units":   FormatUnits(liquidity),
		"current_value_usd": FormatUSD(valueUSD),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePosition removes a confirmed-burned position together with its
// burn candidate row and records the deletion in the audit trail. Samples
// and accruals are history and stay.
func (s *Store) DeletePosition(ctx context.Context, tokenID uint64, actor, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("token_id = ?", tokenID).Delete(&EnrolledPosition{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("token_id = ?", tokenID).Delete(&BurnCandidate{}).Error; err != nil {
			return err
		}
		op := AdminOperation{
			ID:        uuid.New(),
			Actor:     actor,
			Action:    "position.delete",
			Details:   fmt.Sprintf(`{"tokenId":%d,"reason":%q}`, tokenID, reason),
			CreatedAt: s.now().UTC(),
		}
		return tx.Create(&op).Error
	})
}

// ---- samples ----

// RecordSample appends one reconciler observation.
func (s *Store) RecordSample(ctx context.Context, sample PositionSample) error {
	if sample.ID == uuid.Nil {
		sample.ID = uuid.New()
	}
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Create(&sample).Error
}

// TokensSampledBetween lists token ids with at least one observation in
// the half-open window [from, to).
func (s *Store) TokensSampledBetween(ctx context.Context, from, to time.Time) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Model(&PositionSample{}).
		Where("observed_at >= ? AND observed_at < ?", from.UTC(), to.UTC()).
		Distinct("token_id").Order("token_id").Pluck("token_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SamplesForTokenBetween returns a token's observations inside [from, to)
// in time order.
func (s *Store) SamplesForTokenBetween(ctx context.Context, tokenID uint64, from, to time.Time) ([]PositionSample, error) {
	var samples []PositionSample
	err := s.db.WithContext(ctx).
		Where("token_id = ? AND observed_at >= ? AND observed_at < ?", tokenID, from.UTC(), to.UTC()).
		Order("observed_at").Find(&samples).Error
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// LastSampleBefore returns the most recent observation strictly before at,
// establishing the value a position carries into an epoch window.
func (s *Store) LastSampleBefore(ctx context.Context, tokenID uint64, at time.Time) (PositionSample, error) {
	var sample PositionSample
	err := s.db.WithContext(ctx).
		Where("token_id = ? AND observed_at < ?", tokenID, at.UTC()).
		Order("observed_at DESC").First(&sample).Error
	if err != nil {
		return PositionSample{}, wrapNotFound(err)
	}
	return sample, nil
}

// PruneSamplesBefore deletes observations older than the cutoff.
func (s *Store) PruneSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("observed_at < ?", cutoff.UTC()).Delete(&PositionSample{})
	return res.RowsAffected, res.Error
}

// ---- epochs and accruals ----

// CloseEpoch persists an epoch record and its accruals atomically. A
// second close of the same epoch index returns ErrDuplicate and writes
// nothing.
func (s *Store) CloseEpoch(ctx context.Context, epoch RewardEpoch, accruals []RewardAccrual) error {
	if epoch.ClosedAt.IsZero() {
		epoch.ClosedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&epoch).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		for i := range accruals {
			if accruals[i].ID == uuid.Nil {
				accruals[i].ID = uuid.New()
			}
			if accruals[i].CreatedAt.IsZero() {
				accruals[i].CreatedAt = epoch.ClosedAt
			}
		}
		if len(accruals) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(accruals, 200).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
}

// LastClosedEpoch returns the highest closed epoch.
func (s *Store) LastClosedEpoch(ctx context.Context) (RewardEpoch, error) {
	var epoch RewardEpoch
	if err := s.db.WithContext(ctx).Order("epoch_index DESC").First(&epoch).Error; err != nil {
		return RewardEpoch{}, wrapNotFound(err)
	}
	return epoch, nil
}

// EpochByIndex fetches one closed epoch.
func (s *Store) EpochByIndex(ctx context.Context, index uint64) (RewardEpoch, error) {
	var epoch RewardEpoch
	if err := s.db.WithContext(ctx).First(&epoch, "epoch_index = ?", index).Error; err != nil {
		return RewardEpoch{}, wrapNotFound(err)
	}
	return epoch, nil
}

// AccrualsByUser lists a user's accruals in epoch order.
func (s *Store) AccrualsByUser(ctx context.Context, userID uuid.UUID) ([]RewardAccrual, error) {
	var accruals []RewardAccrual
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("epoch_index, token_id").Find(&accruals).Error; err != nil {
		return nil, err
	}
	return accruals, nil
}

// LastAccrualForToken returns a position's most recent accrual, the row
// carrying its running accumulated total.
func (s *Store) LastAccrualForToken(ctx context.Context, tokenID uint64) (RewardAccrual, error) {
	var accrual RewardAccrual
	if err := s.db.WithContext(ctx).Where("token_id = ?", tokenID).Order("epoch_index DESC").First(&accrual).Error; err != nil {
		return RewardAccrual{}, wrapNotFound(err)
	}
	return accrual, nil
}

// AccruedTotalByUser sums every reward the user has ever accrued. Amounts
// are stored as decimal strings, so the sum happens here rather than in
// SQL.
func (s *Store) AccruedTotalByUser(ctx context.Context, userID uuid.UUID) (*big.Int, error) {
	accruals, err := s.AccrualsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for i := range accruals {
		units, err := ParseUnits(accruals[i].RewardUnits)
		if err != nil {
			return nil, fmt.Errorf("accrual %s: %w", accruals[i].ID, err)
		}
		total.Add(total, units)
	}
	return total, nil
}

// ---- claims ----

// ClaimByNonce fetches the authorization issued for (address, nonce).
func (s *Store) ClaimByNonce(ctx context.Context, address string, nonce uint64) (ClaimAuthorization, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return ClaimAuthorization{}, err
	}
	var claim ClaimAuthorization
	if err := s.db.WithContext(ctx).First(&claim, "user_address = ? AND nonce = ?", addr, nonce).Error; err != nil {
		return ClaimAuthorization{}, wrapNotFound(err)
	}
	return claim, nil
}

// LatestClaim returns the most recently issued authorization for the
// address. Cumulative amounts are non-decreasing, so the highest nonce
// carries the running total.
func (s *Store) LatestClaim(ctx context.Context, address string) (ClaimAuthorization, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return ClaimAuthorization{}, err
	}
	var claim ClaimAuthorization
	if err := s.db.WithContext(ctx).Where("user_address = ?", addr).Order("nonce DESC").First(&claim).Error; err != nil {
		return ClaimAuthorization{}, wrapNotFound(err)
	}
	return claim, nil
}

// CreateClaim persists a signed authorization. Racing issuers collide on
// the (address, nonce) unique index and receive ErrDuplicate.
func (s *Store) CreateClaim(ctx context.Context, claim ClaimAuthorization) (ClaimAuthorization, error) {
	if claim.ID == uuid.Nil {
		claim.ID = uuid.New()
	}
	if claim.SignedAt.IsZero() {
		claim.SignedAt = s.now().UTC()
	}
	addr, err := NormalizeAddress(claim.UserAddress)
	if err != nil {
		return ClaimAuthorization{}, err
	}
	claim.UserAddress = addr
	if err := s.db.WithContext(ctx).Create(&claim).Error; err != nil {
		if isUniqueViolation(err) {
			return ClaimAuthorization{}, ErrDuplicate
		}
		return ClaimAuthorization{}, err
	}
	return claim, nil
}

// ClaimsByAddress lists every authorization issued to the address.
func (s *Store) ClaimsByAddress(ctx context.Context, address string) ([]ClaimAuthorization, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	var claims []ClaimAuthorization
	if err := s.db.WithContext(ctx).Where("user_address = ?", addr).Order("nonce").Find(&claims).Error; err != nil {
		return nil, err
	}
	return claims, nil
}

// ---- program configuration ----

// SeedProgram installs version 1 of the treasury config and program
// settings when the tables are empty. Later boots leave existing versions
// untouched.
func (s *Store) SeedProgram(ctx context.Context, treasury TreasuryConfig, settings ProgramSettings) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&TreasuryConfig{}).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			treasury.ID = uuid.New()
			treasury.Version = 1
			if treasury.CreatedAt.IsZero() {
				treasury.CreatedAt = s.now().UTC()
			}
			if err := tx.Create(&treasury).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&ProgramSettings{}).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			settings.ID = uuid.New()
			settings.Version = 1
			if settings.CreatedAt.IsZero() {
				settings.CreatedAt = s.now().UTC()
			}
			if err := tx.Create(&settings).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CurrentTreasury returns the live treasury configuration.
func (s *Store) CurrentTreasury(ctx context.Context) (TreasuryConfig, error) {
	var cfg TreasuryConfig
	if err := s.db.WithContext(ctx).Order("version DESC").First(&cfg).Error; err != nil {
		return TreasuryConfig{}, wrapNotFound(err)
	}
	return cfg, nil
}

// CurrentSettings returns the live program settings.
func (s *Store) CurrentSettings(ctx context.Context) (ProgramSettings, error) {
	var settings ProgramSettings
	if err := s.db.WithContext(ctx).Order("version DESC").First(&settings).Error; err != nil {
		return ProgramSettings{}, wrapNotFound(err)
	}
	return settings, nil
}

// AppendTreasury installs the next treasury config version and records
// the change in the audit trail.
func (s *Store) AppendTreasury(ctx context.Context, next TreasuryConfig, actor string) (TreasuryConfig, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current TreasuryConfig
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Order("version DESC").First(&current).Error
		switch {
		case err == nil:
			next.Version = current.Version + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			next.Version = 1
		default:
			return err
		}
		next.ID = uuid.New()
		next.CreatedAt = s.now().UTC()
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		op := AdminOperation{
			ID:        uuid.New(),
			Actor:     actor,
			Action:    "treasury.update",
			Details:   fmt.Sprintf(`{"version":%d}`, next.Version),
			CreatedAt: s.now().UTC(),
		}
		return tx.Create(&op).Error
	})
	if err != nil {
		return TreasuryConfig{}, err
	}
	return next, nil
}

// AppendSettings installs the next program settings version and records
// the change in the audit trail.
func (s *Store) AppendSettings(ctx context.Context, next ProgramSettings, actor string) (ProgramSettings, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current ProgramSettings
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Order("version DESC").First(&current).Error
		switch {
		case err == nil:
			next.Version = current.Version + 1
		case errors.Is(err, gorm.ErrRecordNotFound):
			next.Version = 1
		default:
			return err
		}
		next.ID = uuid.New()
		next.CreatedAt = s.now().UTC()
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		op := AdminOperation{
			ID:        uuid.New(),
			Actor:     actor,
			Action:    "settings.update",
			Details:   fmt.Sprintf(`{"version":%d}`, next.Version),
			CreatedAt: s.now().UTC(),
		}
		return tx.Create(&op).Error
	})
	if err != nil {
		return ProgramSettings{}, err
	}
	return next, nil
}

// ---- sync discrepancies ----

// RecordDiscrepancy appends one validator finding.
func (s *Store) RecordDiscrepancy(ctx context.Context, d SyncDiscrepancy) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	return s.db.WithContext(ctx).Create(&d).Error
}

// RecentDiscrepancies lists the newest findings first.
func (s *Store) RecentDiscrepancies(ctx context.Context, limit int) ([]SyncDiscrepancy, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []SyncDiscrepancy
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DiscrepancySummary reports lifetime counters for the sync report.
func (s *Store) DiscrepancySummary(ctx context.Context) (total, critical, autoFixed int64, err error) {
	db := s.db.WithContext(ctx).Model(&SyncDiscrepancy{})
	if err = db.Count(&total).Error; err != nil {
		return 0, 0, 0, err
	}
	if err = s.db.WithContext(ctx).Model(&SyncDiscrepancy{}).Where("severity = ?", "critical").Count(&critical).Error; err != nil {
		return 0, 0, 0, err
	}
	if err = s.db.WithContext(ctx).Model(&SyncDiscrepancy{}).Where("auto_fixed = ?", true).Count(&autoFixed).Error; err != nil {
		return 0, 0, 0, err
	}
	return total, critical, autoFixed, nil
}

// ---- burn candidates ----

// MarkBurnSuspect opens a burn candidate for the token if none exists and
// refreshes the last-seen timestamp either way.
func (s *Store) MarkBurnSuspect(ctx context.Context, tokenID uint64) (BurnCandidate, error) {
	var candidate BurnCandidate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&candidate, "token_id = ?", tokenID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := s.now().UTC()
			candidate = BurnCandidate{TokenID: tokenID, FirstSeenAt: now, LastSeenAt: now}
			return tx.Create(&candidate).Error
		}
		if err != nil {
			return err
		}
		candidate.LastSeenAt = s.now().UTC()
		return tx.Model(&candidate).Update("last_seen_at", candidate.LastSeenAt).Error
	})
	if err != nil {
		return BurnCandidate{}, err
	}
	return candidate, nil
}

// ConfirmBurn increments the candidate's not-found confirmation count.
func (s *Store) ConfirmBurn(ctx context.Context, tokenID uint64) (BurnCandidate, error) {
	var candidate BurnCandidate
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&candidate, "token_id = ?", tokenID).Error; err != nil {
			return wrapNotFound(err)
		}
		candidate.Confirmations++
		candidate.LastSeenAt = s.now().UTC()
		return tx.Model(&candidate).Updates(map[string]any{
			"confirmations": candidate.Confirmations,
			"last_seen_at":  candidate.LastSeenAt,
		}).Error
	})
	if err != nil {
		return BurnCandidate{}, err
	}
	return candidate, nil
}

// ClearBurnSuspect drops the candidate after the position is sighted
// again.
func (s *Store) ClearBurnSuspect(ctx context.Context, tokenID uint64) error {
	return s.db.WithContext(ctx).Where("token_id = ?", tokenID).Delete(&BurnCandidate{}).Error
}

// BurnCandidates lists open candidates.
func (s *Store) BurnCandidates(ctx context.Context) ([]BurnCandidate, error) {
	var rows []BurnCandidate
	if err := s.db.WithContext(ctx).Order("token_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ---- audit ----

// RecordAdminOperation appends one audit row.
func (s *Store) RecordAdminOperation(ctx context.Context, actor, action, details string) error {
	op := AdminOperation{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&op).Error
}

// AdminOperations lists the newest audit rows first.
func (s *Store) AdminOperations(ctx context.Context, limit int) ([]AdminOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []AdminOperation
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
