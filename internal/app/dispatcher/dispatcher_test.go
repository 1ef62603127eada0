package dispatcher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/adapters/fake"
	"github.com/coachpo/mt5desk/internal/app/catalog"
	"github.com/coachpo/mt5desk/internal/app/reconciler"
	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/journalstore"
	"github.com/coachpo/mt5desk/internal/domain/messaging"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/infra/channel"
)

var (
	realSyntheticTS01 = account.NewKey(account.Real, account.Gaming, account.SubFinancial).WithServer("p01_ts01")
	realFinancial     = account.NewKey(account.Real, account.Financial, account.SubFinancial)
	demoSynthetic     = account.NewKey(account.Demo, account.Gaming, account.SubFinancial)
)

type harness struct {
	remote     *fake.Remote
	channel    *channel.MemoryChannel
	reconciler *reconciler.Reconciler
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, opts fake.Options, mutate ...func(*Config)) *harness {
	t.Helper()
	remote := fake.NewRemote(opts)
	ch := channel.NewMemoryChannel(channel.MemoryConfig{BufferSize: 8})
	t.Cleanup(ch.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, ch.Serve(ctx, remote.Handle))

	servers := schema.DecodeServers(fake.DefaultServers())
	rec := reconciler.New(account.NewDirectory(), servers)
	companies := catalog.FromLandingCompany(fake.DefaultLandingCompany())
	require.NoError(t, rec.Seed(catalog.NewBuilder(catalog.DefaultConfig()).Build(companies, servers)))
	_, err := rec.Reconcile(remote.Accounts())
	require.NoError(t, err)

	cfg := Config{
		Channel:    ch,
		Reconciler: rec,
		Client:     Client{LoginID: "CR90000001", Email: "trader@example.com", Name: "Trader", Currency: "USD"},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return &harness{remote: remote, channel: ch, reconciler: rec, dispatcher: d}
}

func (h *harness) submit(t *testing.T, action Action) Result {
	t.Helper()
	res, err := h.dispatcher.Submit(context.Background(), action)
	require.NoError(t, err)
	return res
}

func (h *harness) slot(t *testing.T, key account.Key) account.Archetype {
	t.Helper()
	a, ok := h.reconciler.Directory().Snapshot().Get(key)
	require.True(t, ok, "missing slot %s", key)
	return a
}

func realAccount(login, market, server string) schema.LoginRecord {
	return schema.LoginRecord{
		Login: login, AccountType: "real", MarketType: market, SubAccountType: "financial",
		Server: server, Currency: "USD", Balance: decimal.NewFromInt(100),
	}
}

func demoAccount(login string, balance int64) schema.LoginRecord {
	return schema.LoginRecord{
		Login: login, AccountType: "demo", MarketType: "synthetic", SubAccountType: "financial",
		Server: "p01_ts01", Currency: "USD", Balance: decimal.NewFromInt(balance),
	}
}

func TestNewRequiresChannelAndReconciler(t *testing.T) {
	_, err := New(Config{})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	d, err := New(Config{Channel: channel.NewMemoryChannel(channel.MemoryConfig{}), Reconciler: reconciler.New(account.NewDirectory(), nil)})
	require.NoError(t, err)
	require.NotEmpty(t, d.SessionID())
}

func TestCreateAccountSetsTradingPasswordFirst(t *testing.T) {
	h := newHarness(t, fake.Options{})

	res := h.submit(t, CreateAccount{Account: realSyntheticTS01, MainPassword: "Secret123"})
	require.Equal(t, OutcomeSucceeded, res.Outcome, res.Message)
	require.Equal(t, "Congratulations! Your Real Synthetic account has been created.", res.Message)
	require.Equal(t, 1, h.remote.Calls(schema.TopicPasswordChange))
	require.Equal(t, 1, h.remote.Calls(schema.TopicNewAccount))
	require.True(t, h.remote.PasswordSet())

	require.True(t, res.Refreshed)
	require.NoError(t, res.RefreshErr)
	require.Equal(t, realSyntheticTS01, res.Created)
	slot := h.slot(t, realSyntheticTS01)
	require.True(t, slot.Provisioned())
	require.Equal(t, "1000", slot.Remote.DisplayLogin)
}

func TestCreateAccountAsksToConfirmPasswordForExistingAccounts(t *testing.T) {
	h := newHarness(t, fake.Options{Accounts: []schema.LoginRecord{demoAccount("MTD1000", 500)}})

	res := h.submit(t, CreateAccount{Account: realFinancial, MainPassword: "Secret123"})
	require.Equal(t, OutcomeConfirmPassword, res.Outcome)
	require.Zero(t, h.remote.Calls(schema.TopicPasswordChange))
	require.Zero(t, h.remote.Calls(schema.TopicNewAccount))

	res = h.submit(t, CreateAccount{Account: realFinancial, MainPassword: "Secret123", PasswordConfirmed: true})
	require.Equal(t, OutcomeSucceeded, res.Outcome, res.Message)
	require.Equal(t, realFinancial, res.Created)
	require.True(t, h.slot(t, demoSynthetic).Provisioned())
}

func TestCreateAccountWrongPasswordShowsCredentialsAgain(t *testing.T) {
	h := newHarness(t, fake.Options{TradingPassword: "Secret123"})
	before := h.reconciler.Directory().Snapshot().Version()

	res := h.submit(t, CreateAccount{Account: realFinancial, MainPassword: "wrong"})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.False(t, res.Banner())
	require.Equal(t, errs.CategoryCredential, res.Category)
	require.Equal(t, schema.CodePasswordError, res.Code)
	require.True(t, res.PasswordSet)
	require.Zero(t, h.remote.Calls(schema.TopicPasswordChange))
	require.Equal(t, before, h.reconciler.Directory().Snapshot().Version())
}

func TestCreateAccountValidatesLocally(t *testing.T) {
	h := newHarness(t, fake.Options{})

	res := h.submit(t, CreateAccount{Account: realFinancial})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(res.Err))

	unknown := account.NewKey(account.Real, account.Financial, account.SubSwapFree)
	res = h.submit(t, CreateAccount{Account: unknown, MainPassword: "pw"})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Zero(t, h.remote.Calls(schema.TopicAccountStatus))
}

func TestSecondSubmissionForBusySlotIsRejected(t *testing.T) {
	h := newHarness(t, fake.Options{
		Accounts: []schema.LoginRecord{realAccount("MTR1000", "financial", "p01_ts01"), demoAccount("MTD1001", 500)},
	})
	release := h.remote.Hold(schema.TopicDeposit)
	defer release()

	done := make(chan Result, 1)
	failed := make(chan error, 1)
	go func() {
		res, err := h.dispatcher.Submit(context.Background(), Deposit{Account: realFinancial, Amount: decimal.NewFromInt(40)})
		if err != nil {
			failed <- err
			return
		}
		done <- res
	}()
	require.Eventually(t, func() bool { return h.dispatcher.InFlight(realFinancial) }, time.Second, 5*time.Millisecond)

	_, err := h.dispatcher.Submit(context.Background(), Withdraw{Account: realFinancial, Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	// other slots are unaffected.
	other := h.submit(t, ChangePassword{Account: demoSynthetic, OldPassword: "old", NewPassword: "Investor1"})
	require.Equal(t, OutcomeSucceeded, other.Outcome, other.Message)

	release()
	select {
	case res := <-done:
		require.Equal(t, OutcomeSucceeded, res.Outcome, res.Message)
		require.Equal(t, "40.00 USD has been transferred from Deriv account CR90000001 to MT5 account 1000.", res.Message)
	case err := <-failed:
		t.Fatalf("first submission failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("first submission never completed")
	}
	require.False(t, h.dispatcher.InFlight(realFinancial))
	require.Zero(t, h.remote.Calls(schema.TopicWithdrawal))
}

func TestDepositSuccessRefreshesLimitsAndDirectory(t *testing.T) {
	h := newHarness(t, fake.Options{Accounts: []schema.LoginRecord{realAccount("MTR1000", "financial", "p01_ts01")}})

	res := h.submit(t, Deposit{Account: realFinancial, Amount: decimal.NewFromInt(40)})
	require.Equal(t, OutcomeSucceeded, res.Outcome, res.Message)
	require.Equal(t, 1, h.remote.Calls(schema.TopicLimits))
	require.Equal(t, 1, h.remote.Calls(schema.TopicAccountStatus))
	require.True(t, res.Refreshed)
	require.True(t, h.slot(t, realFinancial).Remote.Balance.Equal(decimal.NewFromInt(140)))
}

func TestFinancialErrorRefreshesRates(t *testing.T) {
	h := newHarness(t, fake.Options{
		CashierBalance: decimal.NewFromInt(10),
		Accounts:       []schema.LoginRecord{realAccount("MTR1000", "financial", "p01_ts01")},
	})

	res := h.submit(t, Deposit{Account: realFinancial, Amount: decimal.NewFromInt(40)})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, errs.CategoryFinancial, res.Category)
	require.Equal(t, schema.CodeDepositError, res.Code)
	require.Equal(t, 1, h.remote.Calls(schema.TopicWebsiteStatus))
	require.Equal(t, 1, h.remote.Calls(schema.TopicLimits))
	require.False(t, res.Refreshed)

	// the refreshed bounds now apply before anything is sent.
	res = h.submit(t, Deposit{Account: realFinancial, Amount: decimal.NewFromInt(3000)})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, "Please enter an amount between 1.00 USD and 2,500.00 USD.", res.Message)
	require.Equal(t, 1, h.remote.Calls(schema.TopicDeposit))
}

func TestTransfersRequireRealAccount(t *testing.T) {
	h := newHarness(t, fake.Options{Accounts: []schema.LoginRecord{demoAccount("MTD1000", 500)}})

	res := h.submit(t, Withdraw{Account: demoSynthetic, Amount: decimal.NewFromInt(1)})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Zero(t, h.remote.Calls(schema.TopicWithdrawal))

	res = h.submit(t, Deposit{Account: realFinancial, Amount: decimal.NewFromInt(1)})
	require.Equal(t, "This account is not available.", res.Message)
}

func TestProvisioningErrorReconcilesAgain(t *testing.T) {
	h := newHarness(t, fake.Options{Accounts: []schema.LoginRecord{realAccount("MTR1000", "financial", "p01_ts01")}})
	h.remote.FailNext(schema.TopicWithdrawal, schema.CodeAccountInaccessible, "MT5 account is unavailable.", nil)

	res := h.submit(t, Withdraw{Account: realFinancial, Amount: decimal.NewFromInt(10)})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, errs.CategoryProvisioning, res.Category)
	require.Equal(t, "MT5 account is unavailable.", res.Message)
	require.True(t, res.Refreshed)
	require.Equal(t, 1, h.remote.Calls(schema.TopicLoginList))
}

type brokenChannel struct {
	*messaging.Tracker
}

func (brokenChannel) Send(context.Context, schema.Request) (schema.Response, error) {
	return schema.Response{}, errs.Transport("channel/send", context.DeadlineExceeded)
}

func TestTransportFailureLeavesDirectoryUntouched(t *testing.T) {
	h := newHarness(t, fake.Options{Accounts: []schema.LoginRecord{realAccount("MTR1000", "financial", "p01_ts01")}})
	d, err := New(Config{Channel: brokenChannel{Tracker: messaging.NewTracker()}, Reconciler: h.reconciler})
	require.NoError(t, err)
	before := h.reconciler.Directory().Snapshot().Version()

	res, err := d.Submit(context.Background(), Withdraw{Account: realFinancial, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.True(t, res.Banner())
	require.Equal(t, errs.CategoryTransport, res.Category)
	require.Equal(t, msgGeneric, res.Message)
	require.Equal(t, before, h.reconciler.Directory().Snapshot().Version())
	require.True(t, h.slot(t, realFinancial).Provisioned())
}

func TestCreateAccountSendsHolderName(t *testing.T) {
	remote := fake.NewRemote(fake.Options{})
	var (
		mu    sync.Mutex
		names []string
	)
	record := func(ctx context.Context, req schema.Request) schema.Response {
		if req.Topic == schema.TopicNewAccount {
			mu.Lock()
			names = append(names, req.FieldString("name"))
			mu.Unlock()
		}
		return remote.Handle(ctx, req)
	}
	h := newHarness(t, fake.Options{}, func(cfg *Config) {
		ch := channel.NewMemoryChannel(channel.MemoryConfig{BufferSize: 8})
		t.Cleanup(ch.Close)
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		require.NoError(t, ch.Serve(ctx, record))
		cfg.Channel = ch
	})

	res := h.submit(t, CreateAccount{Account: realSyntheticTS01, MainPassword: "Secret123", HolderName: "  Jane Doe "})
	require.Equal(t, OutcomeSucceeded, res.Outcome, res.Message)
	res = h.submit(t, CreateAccount{Account: demoSynthetic, MainPassword: "Secret123", PasswordConfirmed: true})
	require.Equal(t, OutcomeSucceeded, res.Outcome, res.Message)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Jane Doe", "Trader"}, names)
}

func TestTopUpDemo(t *testing.T) {
	h := newHarness(t, fake.Options{Accounts: []schema.LoginRecord{demoAccount("MTD1000", 500)}})

	res := h.submit(t, TopUpDemo{Account: demoSynthetic})
	require.Equal(t, OutcomeSucceeded, res.Outcome, res.Message)
	require.Equal(t, "10,000.00 USD has been credited into your MT5 Demo Account: 1000.", res.Message)
	require.True(t, h.slot(t, demoSynthetic).Remote.Balance.Equal(decimal.NewFromInt(10500)))

	res = h.submit(t, TopUpDemo{Account: demoSynthetic})
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, errs.CategoryFinancial, res.Category)
}

func TestInvestorPasswordResetFlow(t *testing.T) {
	h := newHarness(t, fake.Options{
		VerificationCode: "TOKEN",
		Accounts:         []schema.LoginRecord{realAccount("MTR1000", "financial", "p01_ts01")},
	})

	res := h.submit(t, ResetPassword{Account: realFinancial, NewPassword: "Investor1"})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Zero(t, h.remote.Calls(schema.TopicInvestorPasswordReset))

	res = h.submit(t, RequestResetEmail{Account: realFinancial})
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	require.Equal(t, msgCheckEmail, res.Message)
	require.Equal(t, 1, h.remote.Calls(schema.TopicVerifyEmail))

	res = h.submit(t, VerifyResetToken{Account: realFinancial, Token: "WRONG"})
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	res = h.submit(t, ResetPassword{Account: realFinancial, NewPassword: "Investor1"})
	require.Equal(t, errs.CategoryCredential, res.Category)
	require.Equal(t, schema.CodeInvalidToken, res.Code)
	require.Equal(t, msgTokenRejected, res.Message)
	require.Equal(t, 1, h.remote.Calls(schema.TopicInvestorPasswordReset))

	res = h.submit(t, ResetPassword{Account: realFinancial, NewPassword: "Investor1"})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Equal(t, 1, h.remote.Calls(schema.TopicInvestorPasswordReset), "rejected code is not resent")

	res = h.submit(t, VerifyResetToken{Account: realFinancial, Token: " TOKEN "})
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	res = h.submit(t, ResetPassword{Account: realFinancial, NewPassword: "Investor1"})
	require.Equal(t, OutcomeSucceeded, res.Outcome, res.Message)
	require.Equal(t, msgPasswordReset, res.Message)
	require.Equal(t, 2, h.remote.Calls(schema.TopicInvestorPasswordReset))
}

func TestChangePasswordValidation(t *testing.T) {
	h := newHarness(t, fake.Options{Accounts: []schema.LoginRecord{realAccount("MTR1000", "financial", "p01_ts01")}})

	res := h.submit(t, ChangePassword{Account: realFinancial, OldPassword: "same", NewPassword: "same"})
	require.Equal(t, OutcomeRejected, res.Outcome)
	require.Zero(t, h.remote.Calls(schema.TopicInvestorPasswordChange))

	res = h.submit(t, ChangePassword{Account: realSyntheticTS01, OldPassword: "a", NewPassword: "b"})
	require.Equal(t, "This account is not available.", res.Message)
}

func TestResultIsStaleWhenSelectionMoved(t *testing.T) {
	var mu sync.Mutex
	selected := realFinancial
	h := newHarness(t, fake.Options{
		Accounts: []schema.LoginRecord{realAccount("MTR1000", "financial", "p01_ts01")},
	}, func(cfg *Config) {
		cfg.Selected = func() (account.Key, bool) {
			mu.Lock()
			defer mu.Unlock()
			return selected, true
		}
	})

	res := h.submit(t, Deposit{Account: realFinancial, Amount: decimal.NewFromInt(5)})
	require.False(t, res.Stale)

	mu.Lock()
	selected = demoSynthetic
	mu.Unlock()
	res = h.submit(t, Deposit{Account: realFinancial, Amount: decimal.NewFromInt(5)})
	require.True(t, res.Stale)
	require.Equal(t, OutcomeSucceeded, res.Outcome)
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []journalstore.Entry
}

func (j *memoryJournal) Append(_ context.Context, entry journalstore.Entry) (journalstore.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return entry, nil
}

func (j *memoryJournal) ListBySession(_ context.Context, sessionID string, _ int) ([]journalstore.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journalstore.Entry
	for _, e := range j.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestJournalRecordsOutcomesWithoutSecrets(t *testing.T) {
	journal := &memoryJournal{}
	h := newHarness(t, fake.Options{TradingPassword: "Secret123"}, func(cfg *Config) {
		cfg.Journal = journal
		cfg.Client.SessionID = "session-1"
	})

	h.submit(t, CreateAccount{Account: realSyntheticTS01, MainPassword: "Secret123"})
	h.submit(t, CreateAccount{Account: realFinancial, MainPassword: "nope"})

	entries, err := journal.ListBySession(context.Background(), "session-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, NameCreateAccount, entries[0].Action)
	require.Equal(t, string(OutcomeSucceeded), entries[0].Outcome)
	require.Equal(t, realSyntheticTS01.String(), entries[0].AccountKey)
	require.Equal(t, string(OutcomeRejected), entries[1].Outcome)
	require.Equal(t, string(errs.CategoryCredential), entries[1].Category)
	require.Equal(t, schema.CodePasswordError, entries[1].Code)
	for _, e := range entries {
		require.False(t, strings.Contains(string(e.Payload), "Secret123"))
		require.False(t, strings.Contains(string(e.Payload), "nope"))
	}
}

func TestSubmitRejectsNilAction(t *testing.T) {
	h := newHarness(t, fake.Options{})
	_, err := h.dispatcher.Submit(context.Background(), nil)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}
