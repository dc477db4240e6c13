// Package utils provides utility functions for the analytics backend.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Serialized numeric precision of the external schema: prices and
// quantities carry 8 decimal digits, returns and ratios carry 4.
const (
	PricePrecision = 8
	RatioPrecision = 4
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// FormatSymbol normalizes a trading symbol.
func FormatSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// RoundPrice rounds a price or quantity to the persisted precision.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PricePrecision)
}

// RoundRatio rounds a return, ratio, or percentage to the persisted precision.
func RoundRatio(d decimal.Decimal) decimal.Decimal {
	return d.Round(RatioPrecision)
}

// RatioFromFloat converts a float metric to its serialized decimal form.
func RatioFromFloat(v float64) decimal.Decimal {
	return RoundRatio(decimal.NewFromFloat(v))
}

// RatioPtr converts an optional float metric to a nullable decimal.
// A nil input stays nil so undefined metrics serialize as null.
func RatioPtr(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := RatioFromFloat(*v)
	return &d
}

// PriceFromFloat converts a float value to its serialized decimal form.
func PriceFromFloat(v float64) decimal.Decimal {
	return RoundPrice(decimal.NewFromFloat(v))
}
