// Package symbol handles equity ticker normalisation and validation, and
// holds the static symbol catalog used by search and the synthetic market.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported exchange codes.
const (
	ExchangeNSE    = "NSE"
	ExchangeBSE    = "BSE"
	ExchangeNASDAQ = "NASDAQ"
	ExchangeNYSE   = "NYSE"
)

// DefaultExchange is assumed when a caller does not name one.
const DefaultExchange = ExchangeNSE

var validExchanges = map[string]bool{
	ExchangeNSE:    true,
	ExchangeBSE:    true,
	ExchangeNASDAQ: true,
	ExchangeNYSE:   true,
}

// tickerRegex matches exchange tickers such as RELIANCE, M&M, BRK.B or 500325.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9&._-]{0,19}$`)

var (
	ErrInvalidSymbol   = errors.New("symbol: invalid ticker format")
	ErrInvalidExchange = errors.New("symbol: unsupported exchange")
)

// Normalize trims and upper-cases a ticker and validates its format.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !tickerRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// NormalizeExchange upper-cases an exchange code. Empty means DefaultExchange.
func NormalizeExchange(raw string) (string, error) {
	e := strings.ToUpper(strings.TrimSpace(raw))
	if e == "" {
		return DefaultExchange, nil
	}
	if !validExchanges[e] {
		return "", fmt.Errorf("%w: %s", ErrInvalidExchange, raw)
	}
	return e, nil
}

// Currency returns the trading currency for an exchange.
func Currency(exchange string) string {
	switch exchange {
	case ExchangeNSE, ExchangeBSE:
		return "INR"
	default:
		return "USD"
	}
}

// Region is "India" for domestic exchanges and "International" otherwise.
func Region(exchange string) string {
	if Currency(exchange) == "INR" {
		return "India"
	}
	return "International"
}
