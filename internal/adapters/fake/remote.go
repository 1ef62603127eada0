package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/schema"
)

const (
	platformMT5         = "mt5"
	codeUnrecognised    = "UnrecognisedRequest"
	codeInputValidation = "InputValidationFailed"
	codePasswordMissing = "TradingPlatformPasswordRequired"
	codeCreateUser      = "MT5CreateUserError"
	codeAccountMissing  = "MT5AccountMissing"
)

type failure struct {
	code    string
	message string
	details map[string]any
}

// Remote answers requests the way the remote account service does, against in-memory state.
type Remote struct {
	opts Options

	mu             sync.Mutex
	book           *accountBook
	passwordSet    bool
	password       string
	cashierBalance decimal.Decimal
	failures       map[schema.Topic][]failure
	holds          map[schema.Topic]chan struct{}
	calls          map[schema.Topic]int
}

// NewRemote constructs a simulated remote seeded from opts.
func NewRemote(opts Options) *Remote {
	opts = withDefaults(opts)
	return &Remote{
		opts:           opts,
		book:           newAccountBook(opts.Accounts),
		passwordSet:    opts.PasswordSet,
		password:       opts.TradingPassword,
		cashierBalance: opts.CashierBalance,
		failures:       make(map[schema.Topic][]failure),
		holds:          make(map[schema.Topic]chan struct{}),
		calls:          make(map[schema.Topic]int),
	}
}

// FailNext makes the next request for topic fail with the given remote error.
func (r *Remote) FailNext(topic schema.Topic, code, message string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[topic] = append(r.failures[topic], failure{code: code, message: message, details: details})
}

// Hold parks every request for topic until the returned release function is called.
func (r *Remote) Hold(topic schema.Topic) (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.holds[topic] = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.holds[topic] == gate {
				delete(r.holds, topic)
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many requests for topic have been answered.
func (r *Remote) Calls(topic schema.Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[topic]
}

// Accounts returns the current remote login list.
func (r *Remote) Accounts() []schema.LoginRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.book.records()
}

// PasswordSet reports whether the trading password has been set.
func (r *Remote) PasswordSet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passwordSet
}

// CashierBalance returns the balance of the main (non-MT5) account.
func (r *Remote) CashierBalance() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cashierBalance
}

// Handle answers one request. Its signature matches channel.Handler.
func (r *Remote) Handle(ctx context.Context, req schema.Request) schema.Response {
	if r.opts.Latency > 0 {
		timer := time.NewTimer(r.opts.Latency)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	r.mu.Lock()
	gate := r.holds[req.Topic]
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-ctx.Done():
			return schema.ErrorResponse(req.Topic, 0, "RequestCancelled", "request cancelled", nil)
		case <-gate:
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[req.Topic]++
	if queue := r.failures[req.Topic]; len(queue) > 0 {
		f := queue[0]
		r.failures[req.Topic] = queue[1:]
		return schema.ErrorResponse(req.Topic, 0, f.code, f.message, f.details)
	}

	switch req.Topic {
	case schema.TopicPing:
		return respond(req.Topic, "pong")
	case schema.TopicAuthorize:
		return respond(req.Topic, map[string]any{
			"loginid":    r.opts.LoginID,
			"email":      r.opts.Email,
			"currency":   r.opts.Currency,
			"is_virtual": r.opts.IsVirtual,
		})
	case schema.TopicStatement:
		return respond(req.Topic, map[string]any{"count": 0, "transactions": []any{}})
	case schema.TopicLandingCompany:
		return respond(req.Topic, *r.opts.LandingCompany)
	case schema.TopicTradingServers:
		return respond(req.Topic, r.opts.Servers)
	case schema.TopicAccountStatus:
		return respond(req.Topic, r.accountStatus())
	case schema.TopicLimits:
		return respond(req.Topic, schema.Limits{
			AccountBalance: r.cashierBalance,
			Payout:         r.cashierBalance,
			Remainder:      r.cashierBalance,
		})
	case schema.TopicWebsiteStatus:
		return respond(req.Topic, r.websiteStatus())
	case schema.TopicLoginList, schema.TopicTradingPlatformAccounts:
		return respond(req.Topic, r.book.records())
	case schema.TopicNewAccount:
		return r.newAccount(req)
	case schema.TopicPasswordChange:
		return r.changeTradingPassword(req)
	case schema.TopicInvestorPasswordChange:
		return r.changeInvestorPassword(req)
	case schema.TopicInvestorPasswordReset:
		return r.resetInvestorPassword(req)
	case schema.TopicVerifyEmail:
		return respond(req.Topic, 1)
	case schema.TopicDeposit:
		return r.deposit(req)
	case schema.TopicWithdrawal:
		return r.withdraw(req)
	default:
		return schema.ErrorResponse(req.Topic, 0, codeUnrecognised, "Unrecognised request.", nil)
	}
}

func (r *Remote) accountStatus() schema.AccountStatus {
	status := schema.AccountStatus{Status: []string{"authenticated"}}
	if !r.passwordSet {
		status.Status = append(status.Status, schema.StatusPasswordNotSet)
	}
	return status
}

func (r *Remote) websiteStatus() map[string]any {
	return map[string]any{
		"currencies_config": map[string]any{
			r.opts.Currency: map[string]any{
				"fractional_digits": 2,
				"transfer_between_accounts": map[string]any{
					"limits": map[string]any{"min": "1", "max": "2500"},
				},
			},
		},
	}
}

func (r *Remote) newAccount(req schema.Request) schema.Response {
	ownership, ok := account.ParseOwnership(req.FieldString("account_type"))
	if !ok {
		return invalid(req.Topic, "account_type")
	}
	market, ok := account.ParseMarket(req.FieldString("market_type"))
	if !ok {
		return invalid(req.Topic, "market_type")
	}
	sub, ok := account.ParseSubType(req.FieldString("sub_account_type"))
	if !ok {
		return invalid(req.Topic, "sub_account_type")
	}
	if !r.passwordSet {
		return schema.ErrorResponse(req.Topic, 0, codePasswordMissing, "Please set your trading password first.", nil)
	}
	if req.FieldString("mainPassword") != r.password {
		return schema.ErrorResponse(req.Topic, 0, schema.CodePasswordError, "That password is incorrect. Please try again.", nil)
	}

	key := account.NewKey(ownership, market, sub)
	group := r.opts.LandingCompany.Group(market)
	entry, ok := group[string(sub)]
	if !ok {
		return schema.ErrorResponse(req.Topic, 0, codeCreateUser, "This account type is not available in your country.", nil)
	}

	server := r.opts.DemoServer
	balance := decimal.Zero
	if ownership == account.Demo {
		balance = r.opts.TopUpAmount
		if r.book.serverUsed(key, server) {
			return schema.ErrorResponse(req.Topic, 0, codeCreateUser, "You already have an account of this type.", nil)
		}
	} else {
		var reason string
		server, reason = r.assignServer(key, req.FieldString("server"))
		if reason != "" {
			return schema.ErrorResponse(req.Topic, 0, codeCreateUser, reason, nil)
		}
	}

	login := r.book.issueLogin(ownership)
	r.book.add(schema.LoginRecord{
		Login:               login,
		AccountType:         string(ownership),
		MarketType:          market.Remote(),
		SubAccountType:      string(sub),
		LandingCompanyShort: entry.Shortcode,
		Leverage:            account.Leverage(market, sub, entry.Shortcode),
		Server:              server,
		Balance:             balance,
		Currency:            r.opts.Currency,
		Email:               r.opts.Email,
		Name:                req.FieldString("name"),
	})
	return respond(req.Topic, schema.NewAccountResult{
		Login:       login,
		AccountType: string(ownership),
		Balance:     balance,
		Currency:    r.opts.Currency,
	})
}

// assignServer validates an explicit server or picks one the way the remote does when none is given.
func (r *Remote) assignServer(key account.Key, requested string) (string, string) {
	servers := schema.DecodeServers(r.opts.Servers).Eligible(key.Market, key.SubType)
	if len(servers) == 0 {
		return "", "There are no trading servers for this account type."
	}
	requested = strings.TrimSpace(requested)
	if requested != "" {
		for _, s := range servers {
			if s.ID != requested {
				continue
			}
			switch {
			case s.Disabled:
				return "", "This trading server is temporarily unavailable."
			case r.book.serverUsed(key, s.ID):
				return "", "You already have an account of this type on this server."
			default:
				return s.ID, ""
			}
		}
		return "", "This trading server does not support the account type."
	}
	var fallback string
	for _, s := range servers {
		if s.Disabled || r.book.serverUsed(key, s.ID) {
			continue
		}
		if s.Recommended {
			return s.ID, ""
		}
		if fallback == "" {
			fallback = s.ID
		}
	}
	if fallback == "" {
		return "", "You already have accounts of this type on every available server."
	}
	return fallback, ""
}

func (r *Remote) changeTradingPassword(req schema.Request) schema.Response {
	if req.FieldString("platform") != platformMT5 {
		return invalid(req.Topic, "platform")
	}
	next := req.FieldString("new_password")
	if next == "" {
		return invalid(req.Topic, "new_password")
	}
	if r.passwordSet && req.FieldString("old_password") != r.password {
		return schema.ErrorResponse(req.Topic, 0, schema.CodePasswordError, "That password is incorrect. Please try again.", nil)
	}
	r.password = next
	r.passwordSet = true
	return respond(req.Topic, 1)
}

func (r *Remote) changeInvestorPassword(req schema.Request) schema.Response {
	acc, ok := r.book.find(req.FieldString("account_id"))
	if !ok {
		return missing(req.Topic)
	}
	next := req.FieldString("new_password")
	if next == "" {
		return invalid(req.Topic, "new_password")
	}
	if acc.investorPassword != "" && req.FieldString("old_password") != acc.investorPassword {
		return schema.ErrorResponse(req.Topic, 0, schema.CodePasswordError, "That password is incorrect. Please try again.", nil)
	}
	acc.investorPassword = next
	return respond(req.Topic, 1)
}

func (r *Remote) resetInvestorPassword(req schema.Request) schema.Response {
	if req.FieldString("verification_code") != r.opts.VerificationCode {
		return schema.ErrorResponse(req.Topic, 0, schema.CodeInvalidToken, "Your token has expired or is invalid.", nil)
	}
	acc, ok := r.book.find(req.FieldString("account_id"))
	if !ok {
		return missing(req.Topic)
	}
	next := req.FieldString("new_password")
	if next == "" {
		return invalid(req.Topic, "new_password")
	}
	acc.investorPassword = next
	return respond(req.Topic, 1)
}

func (r *Remote) deposit(req schema.Request) schema.Response {
	acc, ok := r.book.find(req.FieldString("to_mt5"))
	if !ok {
		return missing(req.Topic)
	}
	if acc.record.AccountType == string(account.Demo) {
		if acc.record.Balance.GreaterThan(defaultTopUpThreshold) {
			return schema.ErrorResponse(req.Topic, 0, schema.CodeDepositError,
				fmt.Sprintf("You can top up a demo account only when its balance is %s or less.", defaultTopUpThreshold.StringFixed(2)), nil)
		}
		acc.credit(r.opts.TopUpAmount)
		return respond(req.Topic, 1)
	}
	amount, ok := amountField(req)
	if !ok {
		return invalid(req.Topic, "amount")
	}
	if amount.GreaterThan(r.cashierBalance) {
		return schema.ErrorResponse(req.Topic, 0, schema.CodeDepositError, "The amount exceeds your account balance.", nil)
	}
	r.cashierBalance = r.cashierBalance.Sub(amount)
	acc.credit(amount)
	return respond(req.Topic, 1)
}

func (r *Remote) withdraw(req schema.Request) schema.Response {
	acc, ok := r.book.find(req.FieldString("from_mt5"))
	if !ok {
		return missing(req.Topic)
	}
	amount, ok := amountField(req)
	if !ok {
		return invalid(req.Topic, "amount")
	}
	if amount.GreaterThan(acc.record.Balance) {
		return schema.ErrorResponse(req.Topic, 0, schema.CodeWithdrawalError, "The amount exceeds your MT5 account balance.", nil)
	}
	acc.credit(amount.Neg())
	r.cashierBalance = r.cashierBalance.Add(amount)
	return respond(req.Topic, 1)
}

func amountField(req schema.Request) (decimal.Decimal, bool) {
	raw := strings.TrimSpace(req.FieldString("amount"))
	if raw == "" {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

func respond(topic schema.Topic, payload any) schema.Response {
	resp, err := schema.NewResponse(topic, 0, payload)
	if err != nil {
		return schema.ErrorResponse(topic, 0, "InternalServerError", err.Error(), nil)
	}
	return resp
}

func invalid(topic schema.Topic, field string) schema.Response {
	return schema.ErrorResponse(topic, 0, codeInputValidation, "Input validation failed: "+field, map[string]any{"field": field})
}

func missing(topic schema.Topic) schema.Response {
	return schema.ErrorResponse(topic, 0, codeAccountMissing, "The MT5 account was not found.", nil)
}
