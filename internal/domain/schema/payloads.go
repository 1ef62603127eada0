package schema

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/mt5desk/internal/domain/account"
)

// StatusPasswordNotSet is the account status flag raised until the trading password is set.
const StatusPasswordNotSet = "mt5_password_not_set"

// LoginRecord is one entry of the mt5_login_list payload: either account data or an error.
type LoginRecord struct {
	Login               string          `json:"login,omitempty"`
	AccountType         string          `json:"account_type,omitempty"`
	MarketType          string          `json:"market_type,omitempty"`
	SubAccountType      string          `json:"sub_account_type,omitempty"`
	LandingCompanyShort string          `json:"landing_company_short,omitempty"`
	Leverage            int             `json:"leverage,omitempty"`
	Server              string          `json:"server,omitempty"`
	Balance             decimal.Decimal `json:"balance"`
	Currency            string          `json:"currency,omitempty"`
	Email               string          `json:"email,omitempty"`
	Name                string          `json:"name,omitempty"`
	Error               *RecordError    `json:"error,omitempty"`
}

// RecordError describes why a remote account could not be listed.
type RecordError struct {
	Code            string              `json:"code"`
	MessageToClient string              `json:"message_to_client,omitempty"`
	Details         *RecordErrorDetails `json:"details,omitempty"`
}

// RecordErrorDetails identifies the failing account.
type RecordErrorDetails struct {
	AccountType string `json:"account_type"`
	Login       string `json:"login"`
	Server      string `json:"server,omitempty"`
}

// IsError reports whether the record carries an error instead of data.
func (r LoginRecord) IsError() bool { return r.Error != nil }

// CompanyEntry is the landing company assigned to a sub-account type.
type CompanyEntry struct {
	Shortcode string `json:"shortcode"`
	Name      string `json:"name,omitempty"`
}

// LandingCompany is the subset of the landing_company payload the engine consumes.
type LandingCompany struct {
	MTGamingCompany    map[string]CompanyEntry `json:"mt_gaming_company,omitempty"`
	MTFinancialCompany map[string]CompanyEntry `json:"mt_financial_company,omitempty"`
	GamingCompany      *CompanyEntry           `json:"gaming_company,omitempty"`
	FinancialCompany   *CompanyEntry           `json:"financial_company,omitempty"`
}

// Group returns the sub-account table for the market.
func (lc LandingCompany) Group(market account.Market) map[string]CompanyEntry {
	if market == account.Gaming {
		return lc.MTGamingCompany
	}
	return lc.MTFinancialCompany
}

// OffersMT5 reports whether either MT5 company group is present.
func (lc LandingCompany) OffersMT5() bool {
	return lc.MTGamingCompany != nil || lc.MTFinancialCompany != nil
}

// Flag decodes 0/1 and boolean JSON values.
type Flag bool

// UnmarshalJSON accepts 0, 1, true, false and null.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(bytes.Trim(data, `"`))) {
	case "1", "true":
		*f = true
	case "0", "false", "null", "":
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", string(data))
	}
	return nil
}

// Geolocation is the server's region descriptor.
type Geolocation struct {
	Region   string `json:"region"`
	Sequence int    `json:"sequence"`
	Location string `json:"location,omitempty"`
	Group    string `json:"group,omitempty"`
}

// TradingServerRecord is one entry of the trading_servers payload.
type TradingServerRecord struct {
	ID                string      `json:"id"`
	Environment       string      `json:"environment,omitempty"`
	Geolocation       Geolocation `json:"geolocation"`
	SupportedAccounts []string    `json:"supported_accounts"`
	Disabled          Flag        `json:"disabled"`
	Recommended       Flag        `json:"recommended"`
}

// Domain converts the record into the immutable server model.
func (r TradingServerRecord) Domain() account.TradingServer {
	server := account.TradingServer{
		ID:          strings.TrimSpace(r.ID),
		Region:      r.Geolocation.Region,
		Sequence:    r.Geolocation.Sequence,
		Environment: r.Environment,
		Disabled:    bool(r.Disabled),
		Recommended: bool(r.Recommended),
	}
	if r.SupportedAccounts != nil {
		server.Supported = make([]account.ServerKind, 0, len(r.SupportedAccounts))
		for _, kind := range r.SupportedAccounts {
			switch k := account.ServerKind(strings.ToLower(strings.TrimSpace(kind))); k {
			case account.KindGaming, account.KindFinancial, account.KindFinancialSTP:
				server.Supported = append(server.Supported, k)
			}
		}
	}
	return server
}

// DecodeServers converts a trading_servers payload into the server snapshot.
func DecodeServers(records []TradingServerRecord) account.Servers {
	out := make(account.Servers, 0, len(records))
	for _, r := range records {
		out = append(out, r.Domain())
	}
	return out
}

// AccountStatus is the subset of get_account_status the engine consumes.
type AccountStatus struct {
	Status []string `json:"status"`
}

// Has reports whether the status set contains flag.
func (s AccountStatus) Has(flag string) bool {
	for _, v := range s.Status {
		if v == flag {
			return true
		}
	}
	return false
}

// TradingPasswordSet reports whether the trading password has been set.
func (s AccountStatus) TradingPasswordSet() bool {
	return !s.Has(StatusPasswordNotSet)
}

// TransferLimits bounds transfers between accounts for a currency.
type TransferLimits struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// CurrencyConfig is one currency entry of website_status.
type CurrencyConfig struct {
	FractionalDigits        int `json:"fractional_digits"`
	TransferBetweenAccounts struct {
		Limits TransferLimits `json:"limits"`
	} `json:"transfer_between_accounts"`
}

// WebsiteStatus is the subset of website_status the engine consumes.
type WebsiteStatus struct {
	CurrenciesConfig map[string]CurrencyConfig `json:"currencies_config"`
}

// Limits is the subset of get_limits the engine consumes.
type Limits struct {
	AccountBalance decimal.Decimal `json:"account_balance"`
	Payout         decimal.Decimal `json:"payout"`
	Remainder      decimal.Decimal `json:"remainder"`
}

// NewAccountResult is the mt5_new_account payload.
type NewAccountResult struct {
	Login       string          `json:"login"`
	AccountType string          `json:"account_type"`
	Balance     decimal.Decimal `json:"balance"`
	Currency    string          `json:"currency"`
}
