package chain

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"lprewards/observability"
)

// Client is the subset of the RPC client the reader depends on. Satisfied
// by *ethclient.Client; tests substitute a fake.
type Client interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial connects to the chain RPC provider.
func Dial(ctx context.Context, rpcURL string) (Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// PoolState is the pool's spot observation.
type PoolState struct {
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
	ObservedAt   time.Time
}

// PoolMeta are the pool's immutable parameters.
type PoolMeta struct {
	Token0      common.Address
	Token1      common.Address
	FeeTier     uint32
	TickSpacing int32
}

// RawPosition is one NFT position as the position manager reports it.
type RawPosition struct {
	TokenID     *big.Int
	Token0      common.Address
	Token1      common.Address
	FeeTier     uint32
	TickLower   int32
	TickUpper   int32
	Liquidity   *big.Int
	TokensOwed0 *big.Int
	TokensOwed1 *big.Int
}

// HasUnclaimedTokens reports whether the position still owes the holder
// uncollected fees.
func (p RawPosition) HasUnclaimedTokens() bool {
	return (p.TokensOwed0 != nil && p.TokensOwed0.Sign() > 0) ||
		(p.TokensOwed1 != nil && p.TokensOwed1.Sign() > 0)
}

// Config carries the reader's contract addresses and call policy.
type Config struct {
	Pool            common.Address
	PositionManager common.Address
	RewardContract  common.Address
	RewardToken     common.Address
	CallTimeout     time.Duration
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	MaxQPS          float64
	Cooldown        time.Duration
}

// Option customises reader construction.
type Option func(*Reader)

// WithMetrics attaches the daemon metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reader) {
		if now != nil {
			r.now = now
		}
	}
}

// Reader is the read-only adapter over the pool, the position NFT contract
// and the reward contract. Every exposed fetch retries transient failures
// within its budget and returns a classified *Error on exhaustion.
type Reader struct {
	client Client
	cfg    Config

	limiter   *rate.Limiter
	baseLimit rate.Limit

	cooldownMu  sync.Mutex
	cooledUntil time.Time

	metaOnce sync.Once
	metaMu   sync.RWMutex
	meta     *PoolMeta

	decimalsMu sync.RWMutex
	decimals   map[common.Address]uint8

	chainIDMu sync.Mutex
	chainID   *big.Int

	metrics *observability.Metrics
	now     func() time.Time
}

// NewReader builds a reader over the supplied client.
func NewReader(client Client, cfg Config, opts ...Option) *Reader {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	if cfg.MaxQPS <= 0 {
		cfg.MaxQPS = 10
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	limit := rate.Limit(cfg.MaxQPS)
	r := &Reader{
		client:    client,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, int(cfg.MaxQPS)+1),
		baseLimit: limit,
		decimals:  make(map[common.Address]uint8),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ChainID returns the provider's chain id, cached after the first call.
func (r *Reader) ChainID(ctx context.Context) (*big.Int, error) {
	r.chainIDMu.Lock()
	defer r.chainIDMu.Unlock()
	if r.chainID != nil {
		return new(big.Int).Set(r.chainID), nil
	}
	var id *big.Int
	err := r.invoke(ctx, "chain_id", func(ctx context.Context) error {
		got, err := r.client.ChainID(ctx)
		if err != nil {
			return err
		}
		id = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.chainID = new(big.Int).Set(id)
	return id, nil
}

// VerifyChainID rejects providers that answer for a different network.
func (r *Reader) VerifyChainID(ctx context.Context, expected uint64) error {
	id, err := r.ChainID(ctx)
	if err != nil {
		return err
	}
	if !id.IsUint64() || id.Uint64() != expected {
		return fmt.Errorf("chain: provider reports chain id %s, expected %d", id, expected)
	}
	return nil
}

// FetchPoolState reads the pool's current price, tick and liquidity.
func (r *Reader) FetchPoolState(ctx context.Context) (PoolState, error) {
	var state PoolState
	err := r.invoke(ctx, "pool_state", func(ctx context.Context) error {
		out, err := r.callContract(ctx, r.cfg.Pool, poolABI, "slot0")
		if err != nil {
			return err
		}
		sqrtPrice, err := toBig(out[0])
		if err != nil {
			return err
		}
		tick, err := toBig(out[1])
		if err != nil {
			return err
		}
		liqOut, err := r.callContract(ctx, r.cfg.Pool, poolABI, "liquidity")
		if err != nil {
			return err
		}
		liquidity, err := toBig(liqOut[0])
		if err != nil {
			return err
		}
		state = PoolState{
			SqrtPriceX96: sqrtPrice,
			Tick:         int32(tick.Int64()),
			Liquidity:    liquidity,
			ObservedAt:   r.now(),
		}
		return nil
	})
	return state, err
}

// FetchPoolMeta reads the pool's immutable parameters, cached after the
// first successful call.
func (r *Reader) FetchPoolMeta(ctx context.Context) (PoolMeta, error) {
	r.metaMu.RLock()
	if r.meta != nil {
		meta := *r.meta
		r.metaMu.RUnlock()
		return meta, nil
	}
	r.metaMu.RUnlock()

	var meta PoolMeta
	err := r.invoke(ctx, "pool_meta", func(ctx context.Context) error {
		t0, err := r.callContract(ctx, r.cfg.Pool, poolABI, "token0")
		if err != nil {
			return err
		}
		token0, err := toAddress(t0[0])
		if err != nil {
			return err
		}
		t1, err := r.callContract(ctx, r.cfg.Pool, poolABI, "token1")
		if err != nil {
			return err
		}
		token1, err := toAddress(t1[0])
		if err != nil {
			return err
		}
		feeOut, err := r.callContract(ctx, r.cfg.Pool, poolABI, "fee")
		if err != nil {
			return err
		}
		fee, err := toBig(feeOut[0])
		if err != nil {
			return err
		}
		spacingOut, err := r.callContract(ctx, r.cfg.Pool, poolABI, "tickSpacing")
		if err != nil {
			return err
		}
		spacing, err := toBig(spacingOut[0])
		if err != nil {
			return err
		}
		meta = PoolMeta{
			Token0:      token0,
			Token1:      token1,
			FeeTier:     uint32(fee.Uint64()),
			TickSpacing: int32(spacing.Int64()),
		}
		return nil
	})
	if err != nil {
		return PoolMeta{}, err
	}
	r.metaMu.Lock()
	r.meta = &meta
	r.metaMu.Unlock()
	return meta, nil
}

// FetchPosition reads one position by token id. A burned token returns a
// *Error with KindNotFound.
func (r *Reader) FetchPosition(ctx context.Context, tokenID *big.Int) (RawPosition, error) {
	var pos RawPosition
	err := r.invoke(ctx, "position", func(ctx context.Context) error {
		out, err := r.callContract(ctx, r.cfg.PositionManager, positionManagerABI, "positions", tokenID)
		if err != nil {
			return err
		}
		decoded, err := decodePosition(tokenID, out)
		if err != nil {
			return err
		}
		pos = decoded
		return nil
	})
	return pos, err
}

// FetchPositionsOfOwner enumerates every position token the owner holds in
// the NFT contract. The result covers all pools; callers filter.
func (r *Reader) FetchPositionsOfOwner(ctx context.Context, owner common.Address) ([]RawPosition, error) {
	var count uint64
	err := r.invoke(ctx, "owner_balance", func(ctx context.Context) error {
		out, err := r.callContract(ctx, r.cfg.PositionManager, positionManagerABI, "balanceOf", owner)
		if err != nil {
			return err
		}
		balance, err := toBig(out[0])
		if err != nil {
			return err
		}
		count = balance.Uint64()
		return nil
	})
	if err != nil {
		return nil, err
	}

	positions := make([]RawPosition, 0, count)
	for i := uint64(0); i < count; i++ {
		var tokenID *big.Int
		err := r.invoke(ctx, "token_by_index", func(ctx context.Context) error {
			out, err := r.callContract(ctx, r.cfg.PositionManager, positionManagerABI, "tokenOfOwnerByIndex", owner, new(big.Int).SetUint64(i))
			if err != nil {
				return err
			}
			id, err := toBig(out[0])
			if err != nil {
				return err
			}
			tokenID = id
			return nil
		})
		if err != nil {
			return nil, err
		}
		pos, err := r.FetchPosition(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// FetchUserNonce reads the reward contract's per-user claim counter.
func (r *Reader) FetchUserNonce(ctx context.Context, user common.Address) (uint64, error) {
	var nonce uint64
	err := r.invoke(ctx, "user_nonce", func(ctx context.Context) error {
		out, err := r.callContract(ctx, r.cfg.RewardContract, rewarderABI, "userNonce", user)
		if err != nil {
			return err
		}
		value, err := toBig(out[0])
		if err != nil {
			return err
		}
		if !value.IsUint64() {
			return fmt.Errorf("nonce %s exceeds uint64", value)
		}
		nonce = value.Uint64()
		return nil
	})
	return nonce, err
}

// FetchUserClaimedTotal reads the cumulative amount the contract has paid
// the user.
func (r *Reader) FetchUserClaimedTotal(ctx context.Context, user common.Address) (*big.Int, error) {
	var total *big.Int
	err := r.invoke(ctx, "user_claimed", func(ctx context.Context) error {
		out, err := r.callContract(ctx, r.cfg.RewardContract, rewarderABI, "userClaimedAmount", user)
		if err != nil {
			return err
		}
		value, err := toBig(out[0])
		if err != nil {
			return err
		}
		total = value
		return nil
	})
	return total, err
}

// CalculatorAuthorized reports whether the reward contract accepts
// signatures from the given calculator address.
func (r *Reader) CalculatorAuthorized(ctx context.Context, calculator common.Address) (bool, error) {
	var authorized bool
	err := r.invoke(ctx, "calculator_authorized", func(ctx context.Context) error {
		out, err := r.callContract(ctx, r.cfg.RewardContract, rewarderABI, "calculators", calculator)
		if err != nil {
			return err
		}
		ok, err := toBool(out[0])
		if err != nil {
			return err
		}
		authorized = ok
		return nil
	})
	return authorized, err
}

// FetchTokenBalance reads the reward token balance of an address.
func (r *Reader) FetchTokenBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	var balance *big.Int
	err := r.invoke(ctx, "token_balance", func(ctx context.Context) error {
		out, err := r.callContract(ctx, r.cfg.RewardToken, erc20ABI, "balanceOf", holder)
		if err != nil {
			return err
		}
		value, err := toBig(out[0])
		if err != nil {
			return err
		}
		balance = value
		return nil
	})
	return balance, err
}

// TokenDecimals reads an ERC-20's decimals, cached per token.
func (r *Reader) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	r.decimalsMu.RLock()
	if dec, ok := r.decimals[token]; ok {
		r.decimalsMu.RUnlock()
		return dec, nil
	}
	r.decimalsMu.RUnlock()

	var decimals uint8
	err := r.invoke(ctx, "token_decimals", func(ctx context.Context) error {
		out, err := r.callContract(ctx, token, erc20ABI, "decimals")
		if err != nil {
			return err
		}
		dec, err := toUint8(out[0])
		if err != nil {
			return err
		}
		decimals = dec
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.decimalsMu.Lock()
	r.decimals[token] = decimals
	r.decimalsMu.Unlock()
	return decimals, nil
}

func (r *Reader) callContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("abi: pack %s: %w", method, err)
	}
	data, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("abi: empty result for %s at %s", method, to.Hex())
	}
	out, err := contractABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("abi: unpack %s: %w", method, err)
	}
	return out, nil
}

// invoke runs one logical chain call under the outer timeout, the QPS
// limiter and the retry budget.
func (r *Reader) invoke(ctx context.Context, method string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	started := r.now()
	backoff := r.cfg.RetryBaseDelay
	retries := 0
	var lastErr *Error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := r.waitSlot(ctx); err != nil {
			lastErr = &Error{Kind: KindTransient, Method: method, Err: err}
			break
		}
		err := fn(ctx)
		if err == nil {
			r.metrics.RecordChainCall(method, "ok", r.now().Sub(started), retries)
			return nil
		}
		if rateLimited(err) {
			r.engageCooldown()
		}
		lastErr = &Error{Kind: classify(err), Method: method, Err: err}
		if lastErr.Kind != KindTransient || attempt == r.cfg.MaxAttempts {
			break
		}
		retries++
		select {
		case <-time.After(withJitter(backoff)):
		case <-ctx.Done():
			lastErr = &Error{Kind: KindTransient, Method: method, Err: ctx.Err()}
			attempt = r.cfg.MaxAttempts
		}
		backoff = nextBackoff(backoff, r.cfg.RetryMaxDelay)
	}
	r.metrics.RecordChainCall(method, lastErr.Kind.String(), r.now().Sub(started), retries)
	return lastErr
}

func (r *Reader) waitSlot(ctx context.Context) error {
	r.cooldownMu.Lock()
	if !r.cooledUntil.IsZero() && r.now().After(r.cooledUntil) {
		r.limiter.SetLimit(r.baseLimit)
		r.cooledUntil = time.Time{}
	}
	r.cooldownMu.Unlock()
	return r.limiter.Wait(ctx)
}

func (r *Reader) engageCooldown() {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	until := r.now().Add(r.cfg.Cooldown)
	if r.cooledUntil.Before(until) {
		r.cooledUntil = until
	}
	half := r.baseLimit / 2
	if half <= 0 {
		half = rate.Limit(0.5)
	}
	r.limiter.SetLimit(half)
	r.metrics.RecordChainCooldown()
}

func decodePosition(tokenID *big.Int, out []interface{}) (RawPosition, error) {
	if len(out) < 12 {
		return RawPosition{}, fmt.Errorf("abi: positions returned %d fields", len(out))
	}
	token0, err := toAddress(out[2])
	if err != nil {
		return RawPosition{}, err
	}
	token1, err := toAddress(out[3])
	if err != nil {
		return RawPosition{}, err
	}
	fee, err := toBig(out[4])
	if err != nil {
		return RawPosition{}, err
	}
	tickLower, err := toBig(out[5])
	if err != nil {
		return RawPosition{}, err
	}
	tickUpper, err := toBig(out[6])
	if err != nil {
		return RawPosition{}, err
	}
	liquidity, err := toBig(out[7])
	if err != nil {
		return RawPosition{}, err
	}
	owed0, err := toBig(out[10])
	if err != nil {
		return RawPosition{}, err
	}
	owed1, err := toBig(out[11])
	if err != nil {
		return RawPosition{}, err
	}
	return RawPosition{
		TokenID:     new(big.Int).Set(tokenID),
		Token0:      token0,
		Token1:      token1,
		FeeTier:     uint32(fee.Uint64()),
		TickLower:   int32(tickLower.Int64()),
		TickUpper:   int32(tickUpper.Int64()),
		Liquidity:   liquidity,
		TokensOwed0: owed0,
		TokensOwed1: owed1,
	}, nil
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	// spread retries by up to 25% of the base delay
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
