package postgres

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// parseDecimal converts a numeric column rendered as text back into a decimal.
func parseDecimal(column, value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %s=%q: %w", column, trimmed, err)
	}
	return out, nil
}

// optionalDecimalText renders an optional decimal pointer for a numeric
// parameter; nil leaves the column untouched via COALESCE.
func optionalDecimalText(ptr *decimal.Decimal) any {
	if ptr == nil {
		return nil
	}
	return ptr.String()
}

func optionalString(ptr *string) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func optionalInt64(ptr *int64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func optionalBool(ptr *bool) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
