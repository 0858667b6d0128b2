// Package claims issues signed claim authorizations. An authorization
// grants a user the right to pull their accrued rewards from the reward
// contract: the daemon signs the cumulative total at the user's current
// contract nonce and the user submits the signature on-chain. The
// authorizer never signs above the recorded accrual and never signs the
// same nonce twice.
package claims

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lprewards/observability"
	"lprewards/storage"
)

var (
	// ErrNothingToClaim means the user's accrual is fully authorized.
	ErrNothingToClaim = errors.New("claims: nothing to claim")
	// ErrNonceReplay means an authorization was already issued at the
	// user's current contract nonce. The pending claim must be executed
	// or abandoned on-chain before another can be signed.
	ErrNonceReplay = errors.New("claims: authorization already issued at nonce")
	// ErrStaleNonce means a racing issuance won the (user, nonce) slot
	// between the replay check and the commit. Safe to retry.
	ErrStaleNonce = errors.New("claims: nonce moved during authorization")
	// ErrCalculatorUnauthorized means the reward contract does not list
	// the signing key as a calculator, typically during the rotation
	// time-delay window.
	ErrCalculatorUnauthorized = errors.New("claims: calculator not authorized on contract")
)

// ChainReader is the slice of the chain client the authorizer uses.
type ChainReader interface {
	FetchUserNonce(ctx context.Context, user common.Address) (uint64, error)
	FetchUserClaimedTotal(ctx context.Context, user common.Address) (*big.Int, error)
	CalculatorAuthorized(ctx context.Context, calculator common.Address) (bool, error)
}

// Config carries the digest domain parameters.
type Config struct {
	ChainID        uint64
	RewardContract common.Address
}

// Authorization is the signed grant returned to the caller and persisted
// verbatim.
type Authorization struct {
	UserAddress          string    `json:"userAddress"`
	Nonce                uint64    `json:"nonce"`
	CumulativeAuthorized string    `json:"cumulativeAuthorized"`
	Signature            string    `json:"signature"`
	Digest               string    `json:"digest"`
	SignedAt             time.Time `json:"signedAt"`
}

// Authorizer validates claim requests, chooses the grantable amount and
// signs the claim digest. Issuance for one address is serialised
// locally; across replicas the (address, nonce) unique index arbitrates.
type Authorizer struct {
	store   *storage.Store
	reader  ChainReader
	signer  Signer
	cfg     Config
	chainID *big.Int
	log     *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customises authorizer construction.
type Option func(*Authorizer)

// WithLogger attaches a logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Authorizer) {
		if log != nil {
			a.log = log
		}
	}
}

// WithMetrics attaches the daemon metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Authorizer) { a.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthorizer wires an authorizer over the store, chain reader and
// signer.
func NewAuthorizer(store *storage.Store, reader ChainReader, signer Signer, cfg Config, opts ...Option) *Authorizer {
	a := &Authorizer{
		store:   store,
		reader:  reader,
		signer:  signer,
		cfg:     cfg,
		chainID: new(big.Int).SetUint64(cfg.ChainID),
		log:     slog.Default(),
		tracer:  otel.Tracer("claims"),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize issues a signed authorization for the address's unclaimed
// accrual, or a typed failure.
func (a *Authorizer) Authorize(ctx context.Context, address string) (Authorization, error) {
	addr, err := storage.NormalizeAddress(address)
	if err != nil {
		a.metrics.RecordClaim("malformed")
		return Authorization{}, err
	}

	lock := a.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := a.tracer.Start(ctx, "claims.authorize",
		trace.WithAttributes(attribute.String("user", addr)))
	defer span.End()

	auth, err := a.issue(ctx, addr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.metrics.RecordClaim(outcome(err))
		return Authorization{}, err
	}
	a.metrics.RecordClaim("issued")
	a.log.Info("claim authorized",
		"user", addr,
		"nonce", auth.Nonce,
		"cumulative", auth.CumulativeAuthorized,
	)
	return auth, nil
}

func (a *Authorizer) issue(ctx context.Context, addr string) (Authorization, error) {
	userAddr := common.HexToAddress(addr)

	authorized, err := a.reader.CalculatorAuthorized(ctx, a.signer.Address())
	if err != nil {
		return Authorization{}, fmt.Errorf("calculator status: %w", err)
	}
	if !authorized {
		return Authorization{}, ErrCalculatorUnauthorized
	}

	user, err := a.store.UserByAddress(ctx, addr)
	if err != nil {
		return Authorization{}, err
	}
	accrued, err := a.store.AccruedTotalByUser(ctx, user.ID)
	if err != nil {
		return Authorization{}, err
	}

	// The floor is whichever is higher: what we already signed, or what
	// the contract has actually paid out. A lost database row can then
	// never cause a double grant.
	prev := new(big.Int)
	latest, err := a.store.LatestClaim(ctx, addr)
	switch {
	case err == nil:
		prev = latest.Cumulative()
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Authorization{}, err
	}
	onChain, err := a.reader.FetchUserClaimedTotal(ctx, userAddr)
	if err != nil {
		return Authorization{}, fmt.Errorf("claimed total: %w", err)
	}
	if onChain != nil && onChain.Cmp(prev) > 0 {
		prev = onChain
	}

	delta := new(big.Int).Sub(accrued, prev)
	if delta.Sign() <= 0 {
		return Authorization{}, ErrNothingToClaim
	}
	grant, err := a.capGrant(ctx, delta)
	if err != nil {
		return Authorization{}, err
	}

	nonce, err := a.reader.FetchUserNonce(ctx, userAddr)
	if err != nil {
		return Authorization{}, fmt.Errorf("user nonce: %w", err)
	}
	switch _, err := a.store.ClaimByNonce(ctx, addr, nonce); {
	case err == nil:
		return Authorization{}, fmt.Errorf("%w %d", ErrNonceReplay, nonce)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Authorization{}, err
	}

	cumulative := new(big.Int).Add(prev, grant)
	digest := ClaimDigest(a.chainID, a.cfg.RewardContract, userAddr, cumulative, nonce)
	sig, keyID, err := a.signer.Sign(ctx, SigningHash(digest))
	if err != nil {
		return Authorization{}, fmt.Errorf("sign authorization: %w", err)
	}

	stored, err := a.store.CreateClaim(ctx, storage.ClaimAuthorization{
		UserAddress:               addr,
		Nonce:                     nonce,
		CumulativeAuthorizedUnits: storage.FormatUnits(cumulative),
		SignatureDigest:           fmt.Sprintf("0x%x", digest),
		Signature:                 fmt.Sprintf("0x%x", sig),
		KeyID:                     keyID,
		SignedAt:                  a.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return Authorization{}, fmt.Errorf("%w %d", ErrStaleNonce, nonce)
		}
		return Authorization{}, err
	}
	return Authorization{
		UserAddress:          stored.UserAddress,
		Nonce:                stored.Nonce,
		CumulativeAuthorized: stored.CumulativeAuthorizedUnits,
		Signature:            stored.Signature,
		Digest:               stored.SignatureDigest,
		SignedAt:             stored.SignedAt,
	}, nil
}

func (a *Authorizer) capGrant(ctx context.Context, delta *big.Int) (*big.Int, error) {
	settings, err := a.store.CurrentSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("program settings: %w", err)
	}
	max, err := storage.ParseUnits(settings.AbsoluteMaxClaimUnits)
	if err != nil {
		return nil, fmt.Errorf("absolute max claim: %w", err)
	}
	grant := new(big.Int).Set(delta)
	if max.Sign() > 0 && grant.Cmp(max) > 0 {
		grant.Set(max)
	}
	return grant, nil
}

func (a *Authorizer) lockFor(addr string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.locks[addr]
	if !ok {
		m = &sync.Mutex{}
		a.locks[addr] = m
	}
	return m
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.Is(err, ErrNonceReplay):
		return "replay"
	case errors.Is(err, ErrStaleNonce):
		return "stale_nonce"
	case errors.Is(err, ErrCalculatorUnauthorized):
		return "unauthorized"
	case errors.Is(err, storage.ErrNotFound):
		return "unknown_user"
	default:
		return "error"
	}
}

// ClaimDigest hashes the packed claim tuple the reward contract
// verifies: keccak256(abi.encodePacked(uint256 chainId, address
// contract, address user, uint256 cumulative, uint256 nonce)).
func ClaimDigest(chainID *big.Int, contract, user common.Address, cumulative *big.Int, nonce uint64) []byte {
	packed := make([]byte, 0, 136)
	packed = append(packed, common.LeftPadBytes(chainID.Bytes(), 32)...)
	packed = append(packed, contract.Bytes()...)
	packed = append(packed, user.Bytes()...)
	packed = append(packed, common.LeftPadBytes(cumulative.Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32)...)
	return ethcrypto.Keccak256(packed)
}

// SigningHash applies the personal-message prefix the contract's
// ecrecover check expects over the claim digest.
func SigningHash(digest []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(digest))
	return ethcrypto.Keccak256([]byte(prefix), digest)
}
