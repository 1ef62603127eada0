// Package account defines the account catalog model shared by the engine components.
package account

import "strings"

// Ownership distinguishes demo from real-money accounts.
type Ownership string

// Market identifies the account market group.
type Market string

// SubType identifies the sub-account flavour within a market.
type SubType string

// ServerKind enumerates the account kinds a trading server advertises support for.
type ServerKind string

const (
	// Demo marks virtual-money accounts.
	Demo Ownership = "demo"
	// Real marks real-money accounts.
	Real Ownership = "real"

	// Gaming is the synthetic-indices market. Remote payloads call it "synthetic".
	Gaming Market = "gaming"
	// Financial is the financial-instruments market.
	Financial Market = "financial"

	// SubFinancial is the standard sub-account.
	SubFinancial SubType = "financial"
	// SubFinancialSTP is the straight-through-processing sub-account.
	SubFinancialSTP SubType = "financial_stp"
	// SubSwapFree is the swap-free sub-account.
	SubSwapFree SubType = "swap_free"

	// KindGaming marks servers hosting synthetic accounts.
	KindGaming ServerKind = "gaming"
	// KindFinancial marks servers hosting financial accounts.
	KindFinancial ServerKind = "financial"
	// KindFinancialSTP marks servers hosting financial STP accounts.
	KindFinancialSTP ServerKind = "financial_stp"
)

const remoteSynthetic = "synthetic"

// Ownerships lists the ownerships in catalog order.
var Ownerships = []Ownership{Demo, Real}

// ParseOwnership normalises a remote account_type value.
func ParseOwnership(raw string) (Ownership, bool) {
	switch Ownership(strings.ToLower(strings.TrimSpace(raw))) {
	case Demo:
		return Demo, true
	case Real:
		return Real, true
	default:
		return "", false
	}
}

// ParseMarket maps a remote market_type to the catalog market.
func ParseMarket(raw string) (Market, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case remoteSynthetic, string(Gaming):
		return Gaming, true
	case string(Financial):
		return Financial, true
	default:
		return "", false
	}
}

// Remote returns the market_type value the remote side expects.
func (m Market) Remote() string {
	if m == Gaming {
		return remoteSynthetic
	}
	return string(m)
}

// ParseSubType normalises a remote sub_account_type value.
func ParseSubType(raw string) (SubType, bool) {
	switch SubType(strings.ToLower(strings.TrimSpace(raw))) {
	case SubFinancial:
		return SubFinancial, true
	case SubFinancialSTP:
		return SubFinancialSTP, true
	case SubSwapFree:
		return SubSwapFree, true
	default:
		return "", false
	}
}

// KindFor reports the server kind a market/sub-account combination requires.
func KindFor(market Market, sub SubType) (ServerKind, bool) {
	switch {
	case market == Gaming && sub == SubFinancial:
		return KindGaming, true
	case market == Financial && sub == SubFinancial:
		return KindFinancial, true
	case market == Financial && sub == SubFinancialSTP:
		return KindFinancialSTP, true
	default:
		return "", false
	}
}

// Key identifies an archetype in the directory. Keys are comparable and used directly as map keys.
//
// A key with Login set is a degraded placeholder built from an error record; such keys carry only
// the ownership and never a market or sub-account type.
type Key struct {
	Ownership Ownership
	Market    Market
	SubType   SubType
	ServerID  string
	Login     string
}

// NewKey builds a key without a server.
func NewKey(ownership Ownership, market Market, sub SubType) Key {
	return Key{Ownership: ownership, Market: market, SubType: sub}
}

// UnknownKey builds the placeholder key for an account the remote side could not describe.
func UnknownKey(ownership Ownership, login string) Key {
	return Key{Ownership: ownership, Login: strings.TrimSpace(login)}
}

// IsUnknown reports whether the key is a degraded placeholder.
func (k Key) IsUnknown() bool { return k.Login != "" }

// IsDemo reports whether the key belongs to a demo account.
func (k Key) IsDemo() bool { return k.Ownership == Demo }

// HasServer reports whether the key is bound to a specific trading server.
func (k Key) HasServer() bool { return k.ServerID != "" }

// Logical strips the server from the key.
func (k Key) Logical() Key {
	k.ServerID = ""
	return k
}

// WithServer returns the key bound to the given server.
func (k Key) WithServer(serverID string) Key {
	k.ServerID = strings.TrimSpace(serverID)
	return k
}

// SameType reports whether both keys share ownership, market and sub-account type.
func (k Key) SameType(other Key) bool {
	return k.Ownership == other.Ownership && k.Market == other.Market && k.SubType == other.SubType
}

// String renders the canonical form, e.g. real_gaming_financial_p01_ts01 or real-9999_unknown.
func (k Key) String() string {
	if k.IsUnknown() {
		return string(k.Ownership) + "-" + k.Login + "_unknown"
	}
	var b strings.Builder
	b.WriteString(string(k.Ownership))
	b.WriteByte('_')
	b.WriteString(string(k.Market))
	b.WriteByte('_')
	b.WriteString(string(k.SubType))
	if k.ServerID != "" {
		b.WriteByte('_')
		b.WriteString(k.ServerID)
	}
	return b.String()
}

// Less orders keys by their canonical form.
func (k Key) Less(other Key) bool { return k.String() < other.String() }
