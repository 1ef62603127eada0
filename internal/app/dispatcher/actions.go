package dispatcher

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/mt5desk/internal/domain/account"
)

// Action is a user-initiated mutation of remote account state. The set of actions is closed.
type Action interface {
	// Target is the slot the action is locked on.
	Target() account.Key
	Name() string
	action()
}

// Action names, used in metrics, logs and the journal.
const (
	NameCreateAccount     = "create_account"
	NameChangePassword    = "change_password"
	NameResetPassword     = "reset_password"
	NameDeposit           = "deposit"
	NameWithdraw          = "withdraw"
	NameVerifyResetToken  = "verify_reset_token"
	NameRequestResetEmail = "request_reset_email"
	NameTopUpDemo         = "top_up_demo"
)

// CreateAccount provisions a new remote account of the given type. Account carries the chosen
// server when one was picked.
type CreateAccount struct {
	Account      account.Key
	MainPassword string
	// HolderName is the account holder name sent with the request; the client name is used when empty.
	HolderName string
	// PasswordConfirmed is set once the client acknowledged that the new trading password also
	// applies to their existing accounts.
	PasswordConfirmed bool
}

// ChangePassword changes the investor password of a provisioned account.
type ChangePassword struct {
	Account     account.Key
	OldPassword string
	NewPassword string
}

// ResetPassword sets a new investor password using an emailed verification code. When
// VerificationCode is empty the code stored by VerifyResetToken is used.
type ResetPassword struct {
	Account          account.Key
	NewPassword      string
	VerificationCode string
}

// Deposit moves funds from the cashier account into a real account.
type Deposit struct {
	Account account.Key
	Amount  decimal.Decimal
}

// Withdraw moves funds from a real account back to the cashier account.
type Withdraw struct {
	Account account.Key
	Amount  decimal.Decimal
}

// VerifyResetToken stores the emailed verification code locally; nothing is sent.
type VerifyResetToken struct {
	Account account.Key
	Token   string
}

// RequestResetEmail asks the remote side to email a verification code.
type RequestResetEmail struct {
	Account account.Key
	Kind    ResetKind
}

// TopUpDemo credits a demo account with the fixed top-up amount.
type TopUpDemo struct {
	Account account.Key
}

// ResetKind selects which password a verification email resets.
type ResetKind string

const (
	// ResetInvestor resets the investor password of one account.
	ResetInvestor ResetKind = "trading_platform_investor_password_reset"
	// ResetTrading resets the trading password shared by every account.
	ResetTrading ResetKind = "trading_platform_mt5_password_reset"
)

func (a CreateAccount) Target() account.Key     { return a.Account }
func (a ChangePassword) Target() account.Key    { return a.Account }
func (a ResetPassword) Target() account.Key     { return a.Account }
func (a Deposit) Target() account.Key           { return a.Account }
func (a Withdraw) Target() account.Key          { return a.Account }
func (a VerifyResetToken) Target() account.Key  { return a.Account }
func (a RequestResetEmail) Target() account.Key { return a.Account }
func (a TopUpDemo) Target() account.Key         { return a.Account }

func (CreateAccount) Name() string     { return NameCreateAccount }
func (ChangePassword) Name() string    { return NameChangePassword }
func (ResetPassword) Name() string     { return NameResetPassword }
func (Deposit) Name() string           { return NameDeposit }
func (Withdraw) Name() string          { return NameWithdraw }
func (VerifyResetToken) Name() string  { return NameVerifyResetToken }
func (RequestResetEmail) Name() string { return NameRequestResetEmail }
func (TopUpDemo) Name() string         { return NameTopUpDemo }

func (CreateAccount) action()     {}
func (ChangePassword) action()    {}
func (ResetPassword) action()     {}
func (Deposit) action()           {}
func (Withdraw) action()          {}
func (VerifyResetToken) action()  {}
func (RequestResetEmail) action() {}
func (TopUpDemo) action()         {}
