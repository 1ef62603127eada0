package fake

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mt5desk/internal/domain/schema"
)

func TestRemoteCreatesAccountOnRecommendedServer(t *testing.T) {
	remote := NewRemote(Options{TradingPassword: "Secret123"})
	ctx := context.Background()

	resp := remote.Handle(ctx, schema.NewRequest(schema.TopicNewAccount).
		With("account_type", "real").
		With("market_type", "synthetic").
		With("sub_account_type", "financial").
		With("mainPassword", "Secret123"))
	require.NoError(t, resp.Err())

	var created schema.NewAccountResult
	require.NoError(t, resp.Decode(&created))
	require.Equal(t, "MTR1000", created.Login)

	accounts := remote.Accounts()
	require.Len(t, accounts, 1)
	require.Equal(t, "p01_ts02", accounts[0].Server)
	require.Equal(t, 500, accounts[0].Leverage)
}

func TestRemoteRejectsCreationWithoutTradingPassword(t *testing.T) {
	remote := NewRemote(Options{})
	resp := remote.Handle(context.Background(), schema.NewRequest(schema.TopicNewAccount).
		With("account_type", "demo").
		With("market_type", "financial").
		With("sub_account_type", "financial"))
	require.Error(t, resp.Err())
	require.Equal(t, codePasswordMissing, resp.Error.Code)

	status := remote.Handle(context.Background(), schema.NewRequest(schema.TopicAccountStatus))
	var decoded schema.AccountStatus
	require.NoError(t, status.Decode(&decoded))
	require.False(t, decoded.TradingPasswordSet())
}

func TestRemoteRejectsDisabledAndUsedServers(t *testing.T) {
	remote := NewRemote(Options{
		TradingPassword: "pw",
		Accounts: []schema.LoginRecord{{
			Login: "MTR1000", AccountType: "real", MarketType: "synthetic", SubAccountType: "financial", Server: "p01_ts01",
		}},
	})
	base := schema.NewRequest(schema.TopicNewAccount).
		With("account_type", "real").
		With("market_type", "synthetic").
		With("sub_account_type", "financial").
		With("mainPassword", "pw")

	require.Error(t, remote.Handle(context.Background(), base.With("server", "p01_ts03")).Err())
	require.Error(t, remote.Handle(context.Background(), base.With("server", "p01_ts01")).Err())

	resp := remote.Handle(context.Background(), base)
	require.NoError(t, resp.Err())
	var created schema.NewAccountResult
	require.NoError(t, resp.Decode(&created))
	require.Equal(t, "MTR1001", created.Login)
}

func TestRemoteDepositAndWithdrawMoveFunds(t *testing.T) {
	remote := NewRemote(Options{
		CashierBalance: decimal.NewFromInt(100),
		Accounts: []schema.LoginRecord{{
			Login: "MTR1000", AccountType: "real", MarketType: "financial", SubAccountType: "financial", Server: "p01_ts01",
		}},
	})
	ctx := context.Background()

	require.NoError(t, remote.Handle(ctx, schema.NewRequest(schema.TopicDeposit).
		With("to_mt5", "MTR1000").With("amount", decimal.NewFromInt(40))).Err())
	require.True(t, remote.CashierBalance().Equal(decimal.NewFromInt(60)))

	over := remote.Handle(ctx, schema.NewRequest(schema.TopicWithdrawal).
		With("from_mt5", "MTR1000").With("amount", "41"))
	require.Error(t, over.Err())
	require.Equal(t, schema.CodeWithdrawalError, over.Error.Code)

	require.NoError(t, remote.Handle(ctx, schema.NewRequest(schema.TopicWithdrawal).
		With("from_mt5", "MTR1000").With("amount", "15.5")).Err())
	require.True(t, remote.CashierBalance().Equal(decimal.RequireFromString("75.5")))
	require.True(t, remote.Accounts()[0].Balance.Equal(decimal.RequireFromString("24.5")))
}

func TestRemoteDemoTopUpHonoursThreshold(t *testing.T) {
	remote := NewRemote(Options{
		Accounts: []schema.LoginRecord{{
			Login: "MTD1000", AccountType: "demo", MarketType: "synthetic", SubAccountType: "financial", Balance: decimal.NewFromInt(500),
		}},
	})
	req := schema.NewRequest(schema.TopicDeposit).With("to_mt5", "MTD1000")

	require.NoError(t, remote.Handle(context.Background(), req).Err())
	require.True(t, remote.Accounts()[0].Balance.Equal(decimal.NewFromInt(10500)))

	resp := remote.Handle(context.Background(), req)
	require.Equal(t, schema.CodeDepositError, resp.Error.Code)
}

func TestRemoteInvestorPasswordReset(t *testing.T) {
	remote := NewRemote(Options{
		VerificationCode: "TOKEN",
		Accounts:         []schema.LoginRecord{{Login: "MTR1000", AccountType: "real"}},
	})
	req := schema.NewRequest(schema.TopicInvestorPasswordReset).
		With("account_id", "MTR1000").
		With("new_password", "Investor1")

	bad := remote.Handle(context.Background(), req.With("verification_code", "WRONG"))
	require.Equal(t, schema.CodeInvalidToken, bad.Error.Code)
	require.NoError(t, remote.Handle(context.Background(), req.With("verification_code", "TOKEN")).Err())
}

func TestRemoteFailNextAndHold(t *testing.T) {
	remote := NewRemote(Options{})
	remote.FailNext(schema.TopicLoginList, "InternalServerError", "boom", nil)

	failed := remote.Handle(context.Background(), schema.NewRequest(schema.TopicLoginList))
	require.Error(t, failed.Err())
	require.NoError(t, remote.Handle(context.Background(), schema.NewRequest(schema.TopicLoginList)).Err())

	release := remote.Hold(schema.TopicStatement)
	done := make(chan schema.Response, 1)
	go func() {
		done <- remote.Handle(context.Background(), schema.NewRequest(schema.TopicStatement))
	}()
	select {
	case <-done:
		t.Fatal("held request answered early")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	select {
	case resp := <-done:
		require.NoError(t, resp.Err())
	case <-time.After(time.Second):
		t.Fatal("held request not released")
	}
	require.Equal(t, 2, remote.Calls(schema.TopicLoginList))
}
