package lifecycle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lprewards/chain"
	"lprewards/oracle"
)

// QuoteSource prices pool tokens in USD.
type QuoteSource interface {
	QuoteUSD(ctx context.Context, asset string) (oracle.Quote, error)
}

// Valuer converts a raw position into a USD valuation: the withdrawable
// amounts implied by current pool price plus any uncollected owed tokens.
type Valuer struct {
	reader ChainReader
	quotes QuoteSource
}

// NewValuer builds a Valuer over the given reader and price source.
func NewValuer(reader ChainReader, quotes QuoteSource) *Valuer {
	return &Valuer{reader: reader, quotes: quotes}
}

// PositionValue values a position against the supplied pool state.
func (v *Valuer) PositionValue(ctx context.Context, raw chain.RawPosition, pool chain.PoolState) (*big.Rat, error) {
	amount0, amount1 := chain.PositionAmounts(raw.Liquidity, pool.SqrtPriceX96, pool.Tick, raw.TickLower, raw.TickUpper)
	if raw.TokensOwed0 != nil {
		amount0.Add(amount0, raw.TokensOwed0)
	}
	if raw.TokensOwed1 != nil {
		amount1.Add(amount1, raw.TokensOwed1)
	}

	total := new(big.Rat)
	sides := []struct {
		token  common.Address
		amount *big.Int
	}{
		{raw.Token0, amount0},
		{raw.Token1, amount1},
	}
	for _, side := range sides {
		if side.amount == nil || side.amount.Sign() == 0 {
			continue
		}
		decimals, err := v.reader.TokenDecimals(ctx, side.token)
		if err != nil {
			return nil, fmt.Errorf("decimals %s: %w", side.token.Hex(), err)
		}
		quote, err := v.quotes.QuoteUSD(ctx, strings.ToLower(side.token.Hex()))
		if err != nil {
			return nil, err
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
		part := new(big.Rat).SetFrac(side.amount, scale)
		part.Mul(part, quote.Price)
		total.Add(total, part)
	}
	return total, nil
}
