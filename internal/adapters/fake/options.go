// Package fake provides an in-process simulation of the remote MT5 account API for tests and offline runs.
package fake

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/mt5desk/internal/domain/schema"
)

const (
	defaultLoginID          = "CR90000001"
	defaultEmail            = "trader@example.com"
	defaultCurrency         = "USD"
	defaultVerificationCode = "ABCD1234"
	defaultDemoServer       = "p01_ts01"
	firstLogin              = 1000
)

var (
	defaultCashierBalance = decimal.NewFromInt(5000)
	defaultTopUpAmount    = decimal.NewFromInt(10000)
	// demo accounts can be topped up only at or below this balance.
	defaultTopUpThreshold = decimal.NewFromInt(1000)
)

// Options configures the simulated remote.
type Options struct {
	LoginID          string
	Email            string
	Currency         string
	IsVirtual        bool
	LandingCompany   *schema.LandingCompany
	Servers          []schema.TradingServerRecord
	Accounts         []schema.LoginRecord
	PasswordSet      bool
	TradingPassword  string
	CashierBalance   decimal.Decimal
	TopUpAmount      decimal.Decimal
	VerificationCode string
	DemoServer       string
	// Latency delays every answer.
	Latency time.Duration
}

func withDefaults(in Options) Options {
	if strings.TrimSpace(in.LoginID) == "" {
		in.LoginID = defaultLoginID
	}
	if strings.TrimSpace(in.Email) == "" {
		in.Email = defaultEmail
	}
	if strings.TrimSpace(in.Currency) == "" {
		in.Currency = defaultCurrency
	}
	if in.LandingCompany == nil {
		lc := DefaultLandingCompany()
		in.LandingCompany = &lc
	}
	if in.Servers == nil {
		in.Servers = DefaultServers()
	}
	if in.CashierBalance.IsZero() {
		in.CashierBalance = defaultCashierBalance
	}
	if !in.TopUpAmount.IsPositive() {
		in.TopUpAmount = defaultTopUpAmount
	}
	if strings.TrimSpace(in.VerificationCode) == "" {
		in.VerificationCode = defaultVerificationCode
	}
	if strings.TrimSpace(in.DemoServer) == "" {
		in.DemoServer = defaultDemoServer
	}
	if in.TradingPassword != "" {
		in.PasswordSet = true
	}
	return in
}

// DefaultLandingCompany returns an svg-style jurisdiction offering synthetic, financial and STP accounts.
func DefaultLandingCompany() schema.LandingCompany {
	return schema.LandingCompany{
		MTGamingCompany: map[string]schema.CompanyEntry{
			"financial": {Shortcode: "svg", Name: "Deriv (SVG) LLC"},
		},
		MTFinancialCompany: map[string]schema.CompanyEntry{
			"financial":     {Shortcode: "svg", Name: "Deriv (SVG) LLC"},
			"financial_stp": {Shortcode: "labuan", Name: "Deriv (FX) Ltd"},
			"swap_free":     {Shortcode: "svg", Name: "Deriv (SVG) LLC"},
		},
	}
}

// DefaultServers returns two synthetic servers, one recommended, plus a financial server.
func DefaultServers() []schema.TradingServerRecord {
	return []schema.TradingServerRecord{
		{
			ID:                "p01_ts01",
			Environment:       "Deriv-Server",
			Geolocation:       schema.Geolocation{Region: "Europe", Sequence: 1},
			SupportedAccounts: []string{"gaming", "financial", "financial_stp"},
		},
		{
			ID:                "p01_ts02",
			Environment:       "Deriv-Server",
			Geolocation:       schema.Geolocation{Region: "Africa", Sequence: 1},
			SupportedAccounts: []string{"gaming"},
			Recommended:       true,
		},
		{
			ID:                "p01_ts03",
			Environment:       "Deriv-Server",
			Geolocation:       schema.Geolocation{Region: "Asia", Sequence: 2},
			SupportedAccounts: []string{"gaming"},
			Disabled:          true,
		},
	}
}
