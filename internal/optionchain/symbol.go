package optionchain

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	expiryCode   = regexp.MustCompile(`^(\d{2}[A-Z]{3}\d{2})`)
	strikeSuffix = regexp.MustCompile(`^(\d+(?:\.\d+)?)(CE|PE)$`)
)

// Contract is the decoded form of an option trading symbol such as
// "NIFTY31JUL2524000CE".
type Contract struct {
	Underlying string
	Expiry     string // "31JUL25"
	Strike     float64
	OptionType string // "CE" or "PE"
}

// ParseContract decodes <underlying><DDMONYY><strike><CE|PE>. The symbol must
// start with underlying exactly, so NIFTY never claims BANKNIFTY or FINNIFTY
// contracts.
func ParseContract(symbol, underlying string) (Contract, bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	u := strings.ToUpper(strings.TrimSpace(underlying))
	if u == "" || !strings.HasPrefix(s, u) {
		return Contract{}, false
	}
	rest := s[len(u):]
	m := expiryCode.FindStringSubmatch(rest)
	if m == nil {
		return Contract{}, false
	}
	tail := strikeSuffix.FindStringSubmatch(rest[len(m[1]):])
	if tail == nil {
		return Contract{}, false
	}
	strike, err := strconv.ParseFloat(tail[1], 64)
	if err != nil || strike <= 0 {
		return Contract{}, false
	}
	return Contract{Underlying: u, Expiry: m[1], Strike: strike, OptionType: tail[2]}, true
}

// IsOptionSymbol reports whether a trading symbol names a call or put.
func IsOptionSymbol(symbol string) bool {
	s := strings.ToUpper(symbol)
	return strings.HasSuffix(s, "CE") || strings.HasSuffix(s, "PE")
}
