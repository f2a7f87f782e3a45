package models

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	errNegativeAmount  = errors.New("amount must not be negative")
	errMissingCurrency = errors.New("currency is required when an amount is reported")
)

// zeroDecimalCurrencies are reported by providers in whole units
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code
func NormalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// CurrencyExponent returns the number of minor-unit digits for a currency
func CurrencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[NormalizeCurrency(currency)] {
		return 0
	}
	return 2
}

// FromMinorUnits converts a provider's integer minor-unit amount into a decimal
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -CurrencyExponent(currency))
}

// AmountEpsilon is the tolerance used when comparing amounts reported by different events
func AmountEpsilon(currency string) decimal.Decimal {
	if CurrencyExponent(currency) == 0 {
		return decimal.Zero
	}
	return decimal.New(1, -2)
}

// AmountsMatch reports whether two amounts in the same currency agree within epsilon
func AmountsMatch(a, b decimal.Decimal, currency string) bool {
	return a.Sub(b).Abs().LessThanOrEqual(AmountEpsilon(currency))
}
