package reconciler

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/coachpo/mt5desk/internal/app/catalog"
	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/schema"
)

var (
	realSynthetic = account.NewKey(account.Real, account.Gaming, account.SubFinancial)
	testServers   = account.Servers{
		{ID: "p01_ts01", Region: "Europe", Sequence: 1, Supported: []account.ServerKind{account.KindGaming, account.KindFinancial}},
		{ID: "p01_ts02", Region: "Africa", Sequence: 2, Supported: []account.ServerKind{account.KindGaming}},
	}
	testCompanies = catalog.Companies{
		account.Gaming:    {account.SubFinancial: "svg"},
		account.Financial: {account.SubFinancial: "svg"},
	}
)

func seeded(t require.TestingT) *Reconciler {
	r := New(account.NewDirectory(), testServers)
	require.NoError(t, r.Seed(catalog.NewBuilder(catalog.DefaultConfig()).Build(testCompanies, testServers)))
	return r
}

func TestReconcileAttachesToServerArchetype(t *testing.T) {
	r := seeded(t)
	report, err := r.Reconcile([]schema.LoginRecord{{
		Login: "MT1234", AccountType: "real", MarketType: "synthetic", SubAccountType: "financial",
		Server: "p01_ts01", Balance: decimal.NewFromInt(100), Currency: "USD",
	}})
	require.NoError(t, err)
	require.Equal(t, 1, report.Attached)
	require.Zero(t, report.Synthesized)

	a, ok := r.Directory().Snapshot().Get(realSynthetic.WithServer("p01_ts01"))
	require.True(t, ok)
	require.NotNil(t, a.Remote)
	require.Equal(t, "MT1234", a.Remote.Login)
	require.Equal(t, "1234", a.Remote.DisplayLogin)
	require.True(t, a.Remote.Balance.Equal(decimal.NewFromInt(100)))
	require.Equal(t, "Europe", a.Remote.DisplayServer)
	require.Equal(t, account.SlotProvisioned, a.State())
}

func TestReconcileErrorRecordCreatesPlaceholder(t *testing.T) {
	r := seeded(t)
	report, err := r.Reconcile([]schema.LoginRecord{{
		Error: &schema.RecordError{
			Code:    schema.CodeAccountInaccessible,
			Details: &schema.RecordErrorDetails{AccountType: "real", Login: "9999", Server: "p01_ts02"},
		},
	}})
	require.NoError(t, err)
	require.Equal(t, 1, report.Degraded)

	snap := r.Directory().Snapshot()
	key := account.UnknownKey(account.Real, "9999")
	require.Equal(t, "real-9999_unknown", key.String())
	a, ok := snap.Get(key)
	require.True(t, ok)
	require.Equal(t, account.Unavailable, a.LeverageLabel())
	require.Equal(t, account.Unavailable, a.Titles.Full)
	require.Equal(t, account.Unavailable, a.LandingCompanyShort)
	require.Equal(t, account.SlotInaccessible, a.State())
	require.Equal(t, "Africa 2", a.Remote.DisplayServer)

	flags := snap.Flags()
	require.True(t, flags.HasRealError)
	require.False(t, flags.HasDemoError)
	require.True(t, flags.ForceWizard())
	require.False(t, flags.CreationDisabled())
}

func TestReconcileFlags(t *testing.T) {
	r := seeded(t)
	_, err := r.Reconcile([]schema.LoginRecord{
		{Login: "MTD1", AccountType: "demo", MarketType: "financial", SubAccountType: "financial"},
		{Login: "MTR2", AccountType: "real", MarketType: "financial", SubAccountType: "financial"},
		{Error: &schema.RecordError{Code: "X", Details: &schema.RecordErrorDetails{AccountType: "demo", Login: "7"}}},
		{Error: &schema.RecordError{Code: "X", Details: &schema.RecordErrorDetails{AccountType: "real", Login: "8"}}},
	})
	require.NoError(t, err)
	flags := r.Directory().Snapshot().Flags()
	require.True(t, flags.HasMultipleAccounts)
	require.True(t, flags.CreationDisabled())
	require.False(t, flags.ForceWizard())
}

func TestReconcileSynthesizesUnknownTypes(t *testing.T) {
	r := seeded(t)
	report, err := r.Reconcile([]schema.LoginRecord{{
		Login: "MTR77", AccountType: "real", MarketType: "financial", SubAccountType: "financial_stp",
		LandingCompanyShort: "labuan", Leverage: 100, Server: "p01_ts01",
	}})
	require.NoError(t, err)
	require.Equal(t, 1, report.Synthesized)

	key := account.NewKey(account.Real, account.Financial, account.SubFinancialSTP).WithServer("p01_ts01")
	a, ok := r.Directory().Snapshot().Get(key)
	require.True(t, ok)
	require.True(t, a.Synthesized)
	require.Equal(t, 100, a.Leverage)
	require.Equal(t, &account.Company{Name: "Deriv (FX) Ltd", Country: "Malaysia"}, a.Company)
	require.Equal(t, "Real Financial STP", a.Titles.Full)
}

func TestReconcileOmitsStructuralRecords(t *testing.T) {
	r := seeded(t)
	before := r.Directory().Snapshot().Len()
	report, err := r.Reconcile([]schema.LoginRecord{
		{Login: "MTR1", AccountType: "real", MarketType: "crypto", SubAccountType: "financial"},
		{Error: &schema.RecordError{Code: schema.CodeAccountInaccessible}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Omitted)
	require.Equal(t, before, r.Directory().Snapshot().Len())
}

func TestReconcileDetachesAccountsMissingFromList(t *testing.T) {
	r := seeded(t)
	demo := account.NewKey(account.Demo, account.Gaming, account.SubFinancial)
	_, err := r.Reconcile([]schema.LoginRecord{{Login: "MTD1", AccountType: "demo", MarketType: "synthetic", SubAccountType: "financial"}})
	require.NoError(t, err)
	a, _ := r.Directory().Snapshot().Get(demo)
	require.NotNil(t, a.Remote)

	_, err = r.Reconcile(nil)
	require.NoError(t, err)
	a, _ = r.Directory().Snapshot().Get(demo)
	require.Nil(t, a.Remote)
}

func TestReconcileSameTypeOnLegacyServers(t *testing.T) {
	r := New(account.NewDirectory(), nil)
	require.NoError(t, r.Seed(catalog.NewBuilder(catalog.DefaultConfig()).Build(testCompanies, nil)))
	records := []schema.LoginRecord{
		{Login: "MTR1", AccountType: "real", MarketType: "synthetic", SubAccountType: "financial", Server: "real01"},
		{Login: "MTR2", AccountType: "real", MarketType: "synthetic", SubAccountType: "financial", Server: "real02"},
	}
	for range 2 {
		_, err := r.Reconcile(records)
		require.NoError(t, err)
		snap := r.Directory().Snapshot()
		bare, _ := snap.Get(realSynthetic)
		require.Equal(t, "MTR1", bare.Remote.Login)
		second, ok := snap.Get(realSynthetic.WithServer("real02"))
		require.True(t, ok)
		require.Equal(t, "MTR2", second.Remote.Login)
	}
}

func TestReconcileKeepsSynthesizedServerVariant(t *testing.T) {
	r := New(account.NewDirectory(), nil)
	require.NoError(t, r.Seed(catalog.NewBuilder(catalog.DefaultConfig()).Build(testCompanies, nil)))
	record := func(login, server string) schema.LoginRecord {
		return schema.LoginRecord{Login: login, AccountType: "real", MarketType: "synthetic", SubAccountType: "financial", Server: server}
	}
	onReal02 := realSynthetic.WithServer("real02")

	_, err := r.Reconcile([]schema.LoginRecord{record("MTR1", "real01"), record("MTR2", "real02")})
	require.NoError(t, err)

	_, err = r.Reconcile([]schema.LoginRecord{record("MTR2", "real02")})
	require.NoError(t, err)
	snap := r.Directory().Snapshot()
	suffixed, ok := snap.Get(onReal02)
	require.True(t, ok)
	require.NotNil(t, suffixed.Remote)
	require.Equal(t, "MTR2", suffixed.Remote.Login)
	bare, _ := snap.Get(realSynthetic)
	require.Nil(t, bare.Remote)

	// a new login on the same server takes the suffixed slot once its previous holder is gone.
	_, err = r.Reconcile([]schema.LoginRecord{record("MTR3", "real02")})
	require.NoError(t, err)
	snap = r.Directory().Snapshot()
	suffixed, _ = snap.Get(onReal02)
	require.NotNil(t, suffixed.Remote)
	require.Equal(t, "MTR3", suffixed.Remote.Login)
	bare, _ = snap.Get(realSynthetic)
	require.Nil(t, bare.Remote)
}

func TestReconcileSameServerTwiceIsStable(t *testing.T) {
	r := New(account.NewDirectory(), nil)
	require.NoError(t, r.Seed(catalog.NewBuilder(catalog.DefaultConfig()).Build(testCompanies, nil)))
	records := []schema.LoginRecord{
		{Login: "MTR1", AccountType: "real", MarketType: "synthetic", SubAccountType: "financial", Server: "real01"},
		{Login: "MTR2", AccountType: "real", MarketType: "synthetic", SubAccountType: "financial", Server: "real01"},
	}
	for range 3 {
		report, err := r.Reconcile(records)
		require.NoError(t, err)
		require.Equal(t, 2, report.Attached)
		require.Zero(t, report.Omitted)
		snap := r.Directory().Snapshot()
		bare, _ := snap.Get(realSynthetic)
		require.Equal(t, "MTR1", bare.Remote.Login)
		suffixed, _ := snap.Get(realSynthetic.WithServer("real01"))
		require.Equal(t, "MTR2", suffixed.Remote.Login)
	}
}

var (
	genOwnership = rapid.SampledFrom([]string{"demo", "real", "bogus"})
	genMarket    = rapid.SampledFrom([]string{"synthetic", "financial"})
	genSub       = rapid.SampledFrom([]string{"financial", "financial_stp"})
	genServer    = rapid.SampledFrom([]string{"", "p01_ts01", "p01_ts02", "real01"})
	genLogin     = rapid.SampledFrom([]string{"MTR1", "MTR2", "MTR3", "MTD4", "5"})
)

func genRecord() *rapid.Generator[schema.LoginRecord] {
	return rapid.Custom(func(t *rapid.T) schema.LoginRecord {
		if rapid.IntRange(0, 4).Draw(t, "kind") == 0 {
			return schema.LoginRecord{Error: &schema.RecordError{
				Code: schema.CodeAccountInaccessible,
				Details: &schema.RecordErrorDetails{
					AccountType: genOwnership.Draw(t, "errOwnership"),
					Login:       genLogin.Draw(t, "errLogin"),
					Server:      genServer.Draw(t, "errServer"),
				},
			}}
		}
		return schema.LoginRecord{
			Login:          genLogin.Draw(t, "login"),
			AccountType:    genOwnership.Draw(t, "ownership"),
			MarketType:     genMarket.Draw(t, "market"),
			SubAccountType: genSub.Draw(t, "sub"),
			Server:         genServer.Draw(t, "server"),
			Balance:        decimal.NewFromInt(int64(rapid.IntRange(0, 1000).Draw(t, "balance"))),
		}
	})
}

func TestReconcileIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		records := rapid.SliceOfN(genRecord(), 0, 8).Draw(t, "records")

		once := seeded(t)
		_, err := once.Reconcile(records)
		require.NoError(t, err)

		twice := seeded(t)
		_, err = twice.Reconcile(records)
		require.NoError(t, err)
		_, err = twice.Reconcile(records)
		require.NoError(t, err)

		a, b := once.Directory().Snapshot(), twice.Directory().Snapshot()
		require.Equal(t, a.Archetypes(), b.Archetypes())
		require.Equal(t, a.Flags(), b.Flags())
	})
}

func TestReconcileBindsOnlyListedAccounts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		records := rapid.SliceOfN(genRecord(), 0, 8).Draw(t, "records")
		r := seeded(t)
		_, err := r.Reconcile(records)
		require.NoError(t, err)

		listed := make(map[string]struct{})
		successes := 0
		for _, rec := range records {
			if rec.IsError() {
				listed[rec.Error.Details.Login] = struct{}{}
				continue
			}
			successes++
			listed[rec.Login] = struct{}{}
		}

		healthy := 0
		for _, a := range r.Directory().Snapshot().Archetypes() {
			if a.Remote == nil {
				continue
			}
			require.Contains(t, listed, a.Remote.Login)
			if a.Remote.Error == nil {
				healthy++
			}
		}
		require.LessOrEqual(t, healthy, successes)
	})
}

func TestReconcilePrefersServerVariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		server := rapid.SampledFrom([]string{"p01_ts01", "p01_ts02"}).Draw(t, "server")
		r := seeded(t)
		// add the bare variant next to the fanned-out ones.
		require.NoError(t, r.Seed([]account.Archetype{{Key: realSynthetic, LandingCompanyShort: "svg"}}))

		_, err := r.Reconcile([]schema.LoginRecord{{
			Login: "MTR1", AccountType: "real", MarketType: "synthetic", SubAccountType: "financial", Server: server,
		}})
		require.NoError(t, err)

		snap := r.Directory().Snapshot()
		suffixed, _ := snap.Get(realSynthetic.WithServer(server))
		bare, _ := snap.Get(realSynthetic)
		require.NotNil(t, suffixed.Remote)
		require.Nil(t, bare.Remote)
	})
}
