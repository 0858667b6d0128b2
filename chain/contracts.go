package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI fragments for the contracts the daemon reads. Only view
// functions appear here; the backend never sends transactions.
const (
	poolABIJSON = `[
{"name":"slot0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},{"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},{"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},{"name":"unlocked","type":"bool"}]},
{"name":"liquidity","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint128"}]},
{"name":"fee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]},
{"name":"tickSpacing","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int24"}]},
{"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

	positionManagerABIJSON = `[
{"name":"positions","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"nonce","type":"uint96"},{"name":"operator","type":"address"},{"name":"token0","type":"address"},{"name":"token1","type":"address"},{"name":"fee","type":"uint24"},{"name":"tickLower","type":"int24"},{"name":"tickUpper","type":"int24"},{"name":"liquidity","type":"uint128"},{"name":"feeGrowthInside0LastX128","type":"uint256"},{"name":"feeGrowthInside1LastX128","type":"uint256"},{"name":"tokensOwed0","type":"uint128"},{"name":"tokensOwed1","type":"uint128"}]},
{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"tokenOfOwnerByIndex","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

	rewarderABIJSON = `[
{"name":"userNonce","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"userClaimedAmount","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"calculators","type":"function","stateMutability":"view","inputs":[{"name":"calculator","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

	erc20ABIJSON = `[
{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`
)

var (
	poolABI            = mustParseABI(poolABIJSON)
	positionManagerABI = mustParseABI(positionManagerABIJSON)
	rewarderABI        = mustParseABI(rewarderABIJSON)
	erc20ABI           = mustParseABI(erc20ABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("chain: parse abi: %v", err))
	}
	return parsed
}

func toBig(v interface{}) (*big.Int, error) {
	out, ok := v.(*big.Int)
	if !ok || out == nil {
		return nil, fmt.Errorf("chain: expected big integer output, got %T", v)
	}
	return out, nil
}

func toAddress(v interface{}) (common.Address, error) {
	out, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: expected address output, got %T", v)
	}
	return out, nil
}

func toBool(v interface{}) (bool, error) {
	out, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("chain: expected bool output, got %T", v)
	}
	return out, nil
}

func toUint8(v interface{}) (uint8, error) {
	out, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: expected uint8 output, got %T", v)
	}
	return out, nil
}
