package dispatcher

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/display"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/observability"
)

const (
	msgCreated          = "Congratulations! Your [_1] account has been created."
	msgConfirmPassword  = "You will use this password for all your existing MT5 accounts as well. Please confirm to continue."
	msgPasswordChanged  = "Your investor password has been changed."
	msgPasswordReset    = "Your investor password has been reset."
	msgCheckEmail       = "Please check your email for further instructions."
	msgTokenRejected    = "Your token has expired or is invalid. Please request a new verification code."
	msgDeposited        = "[_1] has been transferred from Deriv account [_2] to MT5 account [_3]."
	msgWithdrawn        = "[_1] has been transferred from MT5 account [_2] to Deriv account [_3]."
	msgToppedUp         = "[_1] has been credited into your MT5 Demo Account: [_2]."
	msgAmountOutOfRange = "Please enter an amount between [_1] and [_2]."
)

func (d *Dispatcher) createAccount(ctx context.Context, a CreateAccount) Result {
	key := a.Account
	if key.IsUnknown() || key.Ownership == "" || key.Market == "" || key.SubType == "" {
		return rejectLocally(validation("Please choose an account type."))
	}
	if strings.TrimSpace(a.MainPassword) == "" {
		return rejectLocally(validation("Please enter your trading password."))
	}
	snap := d.reconciler.Directory().Snapshot()
	arch, ok := snap.Get(key)
	if !ok {
		arch, ok = snap.Get(key.Logical())
	}
	if !ok && !key.HasServer() {
		// the remote places a server-less request on a server of its choice.
		if variants := snap.Variants(key); len(variants) > 0 {
			arch, ok = variants[0], true
		}
	}
	if !ok {
		return rejectLocally(validation("This account type is not available."))
	}

	set, err := d.passwordSet(ctx)
	if err != nil {
		return d.failure(ctx, a, err)
	}
	if !set {
		// the password about to be set also applies to every existing account.
		records, err := d.loginList(ctx)
		if err != nil {
			return d.failure(ctx, a, err)
		}
		if len(records) > 0 && !a.PasswordConfirmed {
			return Result{Outcome: OutcomeConfirmPassword, Message: msgConfirmPassword}
		}
		change := schema.NewRequest(schema.TopicPasswordChange).
			With("new_password", a.MainPassword).
			With("platform", platformMT5)
		if _, err := d.call(ctx, change); err != nil {
			return d.failure(ctx, a, err)
		}
	}

	name := strings.TrimSpace(a.HolderName)
	if name == "" {
		name = d.client.Name
	}
	req := schema.NewRequest(schema.TopicNewAccount).
		With("account_type", string(key.Ownership)).
		With("market_type", key.Market.Remote()).
		With("sub_account_type", string(key.SubType)).
		With("leverage", arch.Leverage).
		With("mainPassword", a.MainPassword).
		With("name", name).
		With("email", d.client.Email)
	if key.HasServer() && !key.IsDemo() {
		req = req.With("server", key.ServerID)
	}
	resp, err := d.call(ctx, req)
	if err != nil {
		return d.failure(ctx, a, err)
	}
	var created schema.NewAccountResult
	if err := resp.Decode(&created); err != nil {
		return d.failure(ctx, a, err)
	}

	res := Result{Outcome: OutcomeSucceeded, Message: display.Localize(msgCreated, arch.Titles.Full)}
	d.refresh(ctx, &res, a.Name(), false)
	if bound, ok := findLogin(d.reconciler.Directory().Snapshot(), created.Login); ok {
		res.Created = bound
	}
	return res
}

func (d *Dispatcher) changePassword(ctx context.Context, a ChangePassword) Result {
	arch, err := d.provisioned(a.Account)
	if err != nil {
		return rejectLocally(err)
	}
	if strings.TrimSpace(a.OldPassword) == "" || strings.TrimSpace(a.NewPassword) == "" {
		return rejectLocally(validation("Please enter your current and new investor passwords."))
	}
	if a.OldPassword == a.NewPassword {
		return rejectLocally(validation("Current password and new password cannot be the same."))
	}
	req := schema.NewRequest(schema.TopicInvestorPasswordChange).
		With("account_id", arch.Remote.Login).
		With("old_password", a.OldPassword).
		With("new_password", a.NewPassword).
		With("platform", platformMT5)
	if _, err := d.call(ctx, req); err != nil {
		return d.failure(ctx, a, err)
	}
	res := Result{Outcome: OutcomeSucceeded, Message: msgPasswordChanged}
	d.refresh(ctx, &res, a.Name(), false)
	return res
}

func (d *Dispatcher) resetPassword(ctx context.Context, a ResetPassword) Result {
	arch, err := d.provisioned(a.Account)
	if err != nil {
		return rejectLocally(err)
	}
	if strings.TrimSpace(a.NewPassword) == "" {
		return rejectLocally(validation("Please enter a new investor password."))
	}
	code := strings.TrimSpace(a.VerificationCode)
	if code == "" {
		d.mu.Lock()
		code = d.tokens[a.Account]
		d.mu.Unlock()
	}
	if code == "" {
		return rejectLocally(validation("Please enter the verification code sent to your email."))
	}
	req := schema.NewRequest(schema.TopicInvestorPasswordReset).
		With("account_id", arch.Remote.Login).
		With("new_password", a.NewPassword).
		With("verification_code", code).
		With("platform", platformMT5)
	if _, err := d.call(ctx, req); err != nil {
		res := d.failure(ctx, a, err)
		if res.Code == schema.CodeInvalidToken {
			d.forgetToken(a.Account)
			res.Message = msgTokenRejected
		}
		return res
	}
	d.forgetToken(a.Account)
	res := Result{Outcome: OutcomeSucceeded, Message: msgPasswordReset}
	d.refresh(ctx, &res, a.Name(), false)
	return res
}

// forgetToken drops the stored verification code so the next reset asks for a fresh one.
func (d *Dispatcher) forgetToken(key account.Key) {
	d.mu.Lock()
	delete(d.tokens, key)
	d.mu.Unlock()
}

func (d *Dispatcher) deposit(ctx context.Context, a Deposit) Result {
	arch, err := d.transferTarget(a.Account, a.Amount)
	if err != nil {
		return rejectLocally(err)
	}
	req := schema.NewRequest(schema.TopicDeposit).
		With("from_binary", d.client.LoginID).
		With("to_mt5", arch.Remote.Login).
		With("amount", amountField(a.Amount))
	if _, err := d.call(ctx, req); err != nil {
		return d.failure(ctx, a, err)
	}
	res := Result{
		Outcome: OutcomeSucceeded,
		Message: display.Localize(msgDeposited,
			display.FormatMoney(d.currency(arch), a.Amount), d.client.LoginID, arch.Remote.DisplayLogin),
	}
	d.refresh(ctx, &res, a.Name(), true)
	return res
}

func (d *Dispatcher) withdraw(ctx context.Context, a Withdraw) Result {
	arch, err := d.transferTarget(a.Account, a.Amount)
	if err != nil {
		return rejectLocally(err)
	}
	req := schema.NewRequest(schema.TopicWithdrawal).
		With("from_mt5", arch.Remote.Login).
		With("to_binary", d.client.LoginID).
		With("amount", amountField(a.Amount))
	if _, err := d.call(ctx, req); err != nil {
		return d.failure(ctx, a, err)
	}
	res := Result{
		Outcome: OutcomeSucceeded,
		Message: display.Localize(msgWithdrawn,
			display.FormatMoney(d.currency(arch), a.Amount), arch.Remote.DisplayLogin, d.client.LoginID),
	}
	d.refresh(ctx, &res, a.Name(), true)
	return res
}

func (d *Dispatcher) verifyResetToken(a VerifyResetToken) Result {
	token := strings.TrimSpace(a.Token)
	if token == "" {
		return rejectLocally(validation("Please enter the verification code sent to your email."))
	}
	d.mu.Lock()
	d.tokens[a.Account] = token
	d.mu.Unlock()
	return Result{Outcome: OutcomeSucceeded}
}

func (d *Dispatcher) requestResetEmail(ctx context.Context, a RequestResetEmail) Result {
	if strings.TrimSpace(d.client.Email) == "" {
		return rejectLocally(validation("No email address is registered for this account."))
	}
	kind := a.Kind
	if kind == "" {
		kind = ResetInvestor
	}
	req := schema.NewRequest(schema.TopicVerifyEmail).
		With(string(schema.TopicVerifyEmail), d.client.Email).
		With("type", string(kind))
	if _, err := d.call(ctx, req); err != nil {
		return d.failure(ctx, a, err)
	}
	return Result{Outcome: OutcomeSucceeded, Message: msgCheckEmail}
}

func (d *Dispatcher) topUpDemo(ctx context.Context, a TopUpDemo) Result {
	arch, err := d.provisioned(a.Account)
	if err != nil {
		return rejectLocally(err)
	}
	if !a.Account.IsDemo() {
		return rejectLocally(validation("Only demo accounts can be topped up."))
	}
	req := schema.NewRequest(schema.TopicDeposit).With("to_mt5", arch.Remote.Login)
	if _, err := d.call(ctx, req); err != nil {
		return d.failure(ctx, a, err)
	}
	res := Result{
		Outcome: OutcomeSucceeded,
		Message: display.Localize(msgToppedUp, display.FormatMoney(d.currency(arch), d.topUp), arch.Remote.DisplayLogin),
	}
	d.refresh(ctx, &res, a.Name(), false)
	return res
}

// transferTarget validates a cashier transfer against the real account and the transfer bounds
// last published in website status.
func (d *Dispatcher) transferTarget(key account.Key, amount decimal.Decimal) (account.Archetype, error) {
	arch, err := d.provisioned(key)
	if err != nil {
		return account.Archetype{}, err
	}
	if key.IsDemo() {
		return account.Archetype{}, validation("Transfers are available for real accounts only.")
	}
	if !amount.IsPositive() {
		return account.Archetype{}, validation("Please enter a valid amount.")
	}
	if limits, ok := d.transferLimits(); ok {
		if amount.LessThan(limits.Min) || (limits.Max.IsPositive() && amount.GreaterThan(limits.Max)) {
			return account.Archetype{}, validation(display.Localize(msgAmountOutOfRange,
				display.FormatMoney(d.client.Currency, limits.Min), display.FormatMoney(d.client.Currency, limits.Max)))
		}
	}
	return arch, nil
}

func (d *Dispatcher) transferLimits() (schema.TransferLimits, bool) {
	resp, ok := d.channel.Latest(schema.TopicWebsiteStatus)
	if !ok || resp.Error != nil {
		return schema.TransferLimits{}, false
	}
	var status schema.WebsiteStatus
	if err := resp.Decode(&status); err != nil {
		observability.Log().Debug("website status unreadable", observability.Field{Key: "error", Value: err})
		return schema.TransferLimits{}, false
	}
	cfg, ok := status.CurrenciesConfig[d.client.Currency]
	if !ok {
		return schema.TransferLimits{}, false
	}
	return cfg.TransferBetweenAccounts.Limits, true
}

func (d *Dispatcher) currency(arch account.Archetype) string {
	if arch.Remote != nil && arch.Remote.Currency != "" {
		return arch.Remote.Currency
	}
	return d.client.Currency
}

// amountField renders a transfer amount as a JSON number.
func amountField(amount decimal.Decimal) json.Number {
	return json.Number(amount.String())
}

func findLogin(snap *account.Snapshot, login string) (account.Key, bool) {
	if login == "" {
		return account.Key{}, false
	}
	for _, arch := range snap.Archetypes() {
		if arch.Remote != nil && arch.Remote.Login == login {
			return arch.Key, true
		}
	}
	return account.Key{}, false
}

// journalPayload describes the action without credentials.
func journalPayload(action Action) json.RawMessage {
	fields := map[string]any{}
	switch a := action.(type) {
	case CreateAccount:
		fields["account_type"] = string(a.Account.Ownership)
		if a.Account.HasServer() {
			fields["server"] = a.Account.ServerID
		}
		fields["password_confirmed"] = a.PasswordConfirmed
	case Deposit:
		fields["amount"] = a.Amount.String()
	case Withdraw:
		fields["amount"] = a.Amount.String()
	case RequestResetEmail:
		fields["kind"] = string(a.Kind)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}
