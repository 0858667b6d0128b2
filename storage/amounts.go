package storage

import (
	"errors"
	"math/big"
)

// Chain amounts are persisted as base-10 strings so the schema stays
// portable across postgres and the sqlite test driver.

var errMalformedAmount = errors.New("storage: malformed amount")

// usdScale fixes the decimal places used when rendering USD rationals.
const usdScale = 18

// FormatUnits renders an integer token amount for storage.
func FormatUnits(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ParseUnits decodes a stored token amount.
func ParseUnits(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errMalformedAmount
	}
	return v, nil
}

// FormatUSD renders a USD rational with fixed decimal precision.
func FormatUSD(v *big.Rat) string {
	if v == nil {
		return "0"
	}
	return v.FloatString(usdScale)
}

// ParseUSD decodes a stored USD value.
func ParseUSD(s string) (*big.Rat, error) {
	return ParseDecimal(s)
}

// ParseDecimal decodes a stored decimal string (USD values, formula
// coefficients) into a rational.
func ParseDecimal(s string) (*big.Rat, error) {
	if s == "" {
		return new(big.Rat), nil
	}
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, errMalformedAmount
	}
	return v, nil
}

func parseUnitsOrZero(s string) *big.Int {
	v, err := ParseUnits(s)
	if err != nil {
		return big.NewInt(0)
	}
	return v
}

func parseUSDOrZero(s string) *big.Rat {
	v, err := ParseUSD(s)
	if err != nil {
		return new(big.Rat)
	}
	return v
}
