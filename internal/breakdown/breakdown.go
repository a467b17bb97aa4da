package breakdown

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/hanko-field/shipping-change/internal/domain"
)

// Updates maps breakdown keys to replacement amounts. A Money without a currency
// code inherits the breakdown's currency.
type Updates map[domain.BreakdownKey]domain.Money

// ApplyUpdate returns a copy of current with every key in updated overwritten.
// Updated values are normalised to the currency's minor unit. current is never mutated.
func ApplyUpdate(current domain.Breakdown, updated Updates) (domain.Breakdown, error) {
	code, err := sharedCurrency(current, updated)
	if err != nil {
		return nil, err
	}
	scale, err := Scale(code)
	if err != nil {
		return nil, err
	}

	out := current.Clone()
	if out == nil {
		out = make(domain.Breakdown, len(updated))
	}
	for key, money := range updated {
		if !key.Valid() {
			return nil, fmt.Errorf("%w: unknown breakdown key %q", domain.ErrValidation, key)
		}
		value, err := parseAmount(key, money.Value)
		if err != nil {
			return nil, err
		}
		out[key] = domain.Money{
			CurrencyCode: code,
			Value:        value.Round(scale).StringFixed(scale),
		}
	}
	return out, nil
}

// GrandTotal sums every line item except discounts and subtracts the discounts,
// using b as overridden by updated. b itself is left untouched; the caller decides
// whether to persist the merged breakdown. The result is rounded half-up to the
// currency's minor unit.
func GrandTotal(b domain.Breakdown, updated Updates) (domain.Money, error) {
	if len(b) == 0 && len(updated) == 0 {
		return domain.Money{}, fmt.Errorf("%w: breakdown is empty", domain.ErrValidation)
	}
	merged, err := ApplyUpdate(b, updated)
	if err != nil {
		return domain.Money{}, err
	}
	code, err := Currency(merged)
	if err != nil {
		return domain.Money{}, err
	}
	scale, err := Scale(code)
	if err != nil {
		return domain.Money{}, err
	}

	total := decimal.Zero
	for key, money := range merged {
		if !key.Valid() {
			return domain.Money{}, fmt.Errorf("%w: unknown breakdown key %q", domain.ErrValidation, key)
		}
		value, err := parseAmount(key, money.Value)
		if err != nil {
			return domain.Money{}, err
		}
		if key.IsDiscount() {
			total = total.Sub(value)
		} else {
			total = total.Add(value)
		}
	}

	total = total.Round(scale)
	if total.IsNegative() {
		return domain.Money{}, fmt.Errorf("%w: discounts exceed line items (total %s)", domain.ErrValidation, total.StringFixed(scale))
	}
	return domain.Money{CurrencyCode: code, Value: total.StringFixed(scale)}, nil
}

// Currency returns the currency code shared by every value in b.
func Currency(b domain.Breakdown) (string, error) {
	if len(b) == 0 {
		return "", fmt.Errorf("%w: breakdown is empty", domain.ErrValidation)
	}
	return sharedCurrency(b, nil)
}

// Scale returns the number of minor-unit digits for the ISO 4217 code.
func Scale(code string) (int32, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("%w: unknown currency %q", domain.ErrValidation, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

func sharedCurrency(current domain.Breakdown, updated Updates) (string, error) {
	code := ""
	for key, money := range current {
		c := strings.ToUpper(strings.TrimSpace(money.CurrencyCode))
		if c == "" {
			return "", fmt.Errorf("%w: %s has no currency code", domain.ErrValidation, key)
		}
		if code == "" {
			code = c
			continue
		}
		if c != code {
			return "", fmt.Errorf("%w: currency mismatch %s and %s", domain.ErrValidation, code, c)
		}
	}
	for _, money := range updated {
		c := strings.ToUpper(strings.TrimSpace(money.CurrencyCode))
		if c == "" {
			continue
		}
		if code == "" {
			code = c
			continue
		}
		if c != code {
			return "", fmt.Errorf("%w: currency mismatch %s and %s", domain.ErrValidation, code, c)
		}
	}
	if code == "" {
		return "", fmt.Errorf("%w: currency code is required", domain.ErrValidation)
	}
	return code, nil
}

func parseAmount(key domain.BreakdownKey, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s amount %q is not numeric", domain.ErrValidation, key, raw)
	}
	if value.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s amount %q is negative", domain.ErrValidation, key, raw)
	}
	return value, nil
}
