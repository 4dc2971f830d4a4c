// Package token parses the textual identifiers used on the API surface:
// asset ids, currency symbols and decimal amounts.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/model"
)

const (
	// MaxAmountScale is the number of fractional digits an amount may carry.
	MaxAmountScale = 18

	// MaxAmountDigits is the number of integer digits an amount may carry,
	// enough for any 128-bit balance.
	MaxAmountDigits = 39
)

// assetRegex matches: {classID}:{tokenID}
// Example: 7:42
var assetRegex = regexp.MustCompile(`^(\d+):(\d+)$`)

// currencyRegex matches an upper-case symbol of 2-12 characters, e.g. DOT.
var currencyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

var (
	ErrInvalidAsset    = errors.New("token: invalid asset id")
	ErrInvalidCurrency = errors.New("token: invalid currency symbol")
	ErrInvalidAmount   = errors.New("token: invalid amount")
)

// ParseAsset parses an asset id.
// Format: {classID}:{tokenID}
func ParseAsset(s string) (model.AssetID, error) {
	matches := assetRegex.FindStringSubmatch(s)
	if matches == nil {
		return model.AssetID{}, fmt.Errorf("%w: %q (expected {class}:{token})", ErrInvalidAsset, s)
	}

	classID, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return model.AssetID{}, fmt.Errorf("%w: class %s out of range", ErrInvalidAsset, matches[1])
	}
	tokenID, err := strconv.ParseUint(matches[2], 10, 64)
	if err != nil {
		return model.AssetID{}, fmt.Errorf("%w: token %s out of range", ErrInvalidAsset, matches[2])
	}
	return model.AssetID{ClassID: classID, TokenID: tokenID}, nil
}

// FormatAsset is the inverse of ParseAsset.
func FormatAsset(a model.AssetID) string {
	return strconv.FormatUint(a.ClassID, 10) + ":" + strconv.FormatUint(a.TokenID, 10)
}

// ParseCurrency validates a currency symbol.
func ParseCurrency(s string) (model.CurrencyID, error) {
	if !currencyRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
	}
	return model.CurrencyID(s), nil
}

// ParseAmount parses a non-negative decimal amount with at most
// MaxAmountDigits integer digits and MaxAmountScale fractional digits.
// The exponent is bounded before any arithmetic, so scientific notation
// cannot expand into an arbitrarily large number.
func ParseAmount(s string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if amt.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, s)
	}
	if amt.IsZero() {
		return decimal.Zero, nil
	}
	const maxExp = MaxAmountDigits + MaxAmountScale
	if exp := int64(amt.Exponent()); exp > maxExp || exp < -maxExp || int64(amt.NumDigits())+exp > MaxAmountDigits {
		return decimal.Zero, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, s)
	}
	if -amt.Exponent() > MaxAmountScale && !amt.Equal(amt.Truncate(MaxAmountScale)) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, s, MaxAmountScale)
	}
	return amt, nil
}
