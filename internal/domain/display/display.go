// Package display holds the pure presentation helpers used when rendering account slots.
package display

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/mt5desk/internal/domain/account"
)

var loginPrefixes = []string{"MTR", "MTD", "MT"}

// Localize substitutes [_1], [_2], ... placeholders in template with args.
func Localize(template string, args ...string) string {
	out := template
	for i, arg := range args {
		out = strings.ReplaceAll(out, "[_"+strconv.Itoa(i+1)+"]", arg)
	}
	return out
}

// FormatMoney renders amount with two decimals, thousands separators and the currency suffix.
func FormatMoney(currency string, amount decimal.Decimal) string {
	fixed := amount.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if amount.IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	if c := strings.TrimSpace(currency); c != "" {
		b.WriteByte(' ')
		b.WriteString(c)
	}
	return b.String()
}

// Login strips the MT, MTD and MTR prefixes from a remote login.
func Login(login string) string {
	trimmed := strings.TrimSpace(login)
	upper := strings.ToUpper(trimmed)
	for _, prefix := range loginPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return trimmed[len(prefix):]
		}
	}
	return trimmed
}

// Titles returns the short and full names of an archetype.
func Titles(key account.Key) account.Titles {
	if key.IsUnknown() {
		return account.Titles{Short: account.Unavailable, Full: account.Unavailable}
	}
	short := marketTitle(key.Market, key.SubType)
	prefix := "Real"
	if key.IsDemo() {
		prefix = "Demo"
	}
	return account.Titles{Short: short, Full: prefix + " " + short}
}

func marketTitle(market account.Market, sub account.SubType) string {
	base := "Financial"
	if market == account.Gaming {
		base = "Synthetic"
	}
	switch sub {
	case account.SubFinancialSTP:
		return base + " STP"
	case account.SubSwapFree:
		return base + " Swap-Free"
	default:
		return base
	}
}
