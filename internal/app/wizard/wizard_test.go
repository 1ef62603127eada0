package wizard

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/app/allocator"
	"github.com/coachpo/mt5desk/internal/domain/account"
)

type stubEnv struct {
	flags  account.Flags
	allocs map[account.Key]allocator.Allocation
}

func (e stubEnv) Flags() account.Flags { return e.flags }

func (e stubEnv) Allocation(key account.Key) allocator.Allocation {
	if a, ok := e.allocs[key.Logical()]; ok {
		return a
	}
	return allocator.Allocation{Key: key.Logical(), SlotFree: true}
}

var realSynthetic = account.NewKey(account.Real, account.Gaming, account.SubFinancial)

func server(id string, recommended bool) account.TradingServer {
	return account.TradingServer{ID: id, Supported: []account.ServerKind{account.KindGaming}, Recommended: recommended}
}

// one server used by an existing account, one free and recommended.
func meaningfulEnv() stubEnv {
	return stubEnv{allocs: map[account.Key]allocator.Allocation{
		realSynthetic: {
			Key:      realSynthetic,
			SlotFree: true,
			Default:  "p01_ts02",
			Candidates: []allocator.Candidate{
				{Server: server("p01_ts01", false), State: allocator.StateUsed},
				{Server: server("p01_ts02", true), State: allocator.StateAvailable},
			},
		},
	}}
}

func apply(t *testing.T, env Environment, s State, events ...Event) State {
	t.Helper()
	for _, ev := range events {
		var err error
		s, _, err = Transition(s, ev, env)
		require.NoError(t, err, "%T", ev)
	}
	return s
}

func TestWizardShowsServerStepWhenChoiceMatters(t *testing.T) {
	env := meaningfulEnv()
	s := apply(t, env, Start(),
		SelectOwnership{Ownership: account.Real},
		SelectMarket{Market: account.Gaming, SubType: account.SubFinancial},
		Next{},
	)
	require.Equal(t, StepServerSelect, s.Step)
	require.Equal(t, "p01_ts02", s.ServerID)

	_, _, err := Transition(s, SelectServer{ServerID: "p01_ts01"}, env)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	s = apply(t, env, s, Next{})
	require.Equal(t, StepCredentials, s.Step)
	key, ok := s.Key()
	require.True(t, ok)
	require.Equal(t, realSynthetic.WithServer("p01_ts02"), key)

	s = apply(t, env, s, Back{})
	require.Equal(t, StepServerSelect, s.Step)
	s = apply(t, env, s, Back{})
	require.Equal(t, Start(), s)
}

func TestWizardSkipsServerStepWithoutUsedServers(t *testing.T) {
	env := stubEnv{allocs: map[account.Key]allocator.Allocation{
		realSynthetic: {
			Key: realSynthetic, SlotFree: true, Default: "a",
			Candidates: []allocator.Candidate{
				{Server: server("a", false), State: allocator.StateAvailable},
				{Server: server("b", false), State: allocator.StateAvailable},
			},
		},
	}}
	s := apply(t, env, Start(),
		SelectOwnership{Ownership: account.Real},
		SelectMarket{Market: account.Gaming, SubType: account.SubFinancial},
		Next{},
	)
	require.Equal(t, StepCredentials, s.Step)
	require.Empty(t, s.ServerID)

	s = apply(t, env, s, Back{})
	require.Equal(t, StepTypeSelect, s.Step)
	require.Empty(t, s.Ownership)
}

func TestWizardRejectsExhaustedTypes(t *testing.T) {
	env := stubEnv{allocs: map[account.Key]allocator.Allocation{
		realSynthetic: {Key: realSynthetic, SlotFree: false},
	}}
	s := apply(t, env, Start(), SelectOwnership{Ownership: account.Real})
	_, _, err := Transition(s, SelectMarket{Market: account.Gaming, SubType: account.SubFinancial}, env)
	require.Error(t, err)

	_, _, err = Transition(s, Next{}, env)
	require.Error(t, err)
}

func TestWizardRespectsDegradedOwnerships(t *testing.T) {
	env := stubEnv{flags: account.Flags{HasDemoError: true}}
	_, _, err := Transition(Start(), SelectOwnership{Ownership: account.Demo}, env)
	require.Error(t, err)
	apply(t, env, Start(), SelectOwnership{Ownership: account.Real})

	env.flags.HasRealError = true
	_, _, err = Transition(Start(), SelectOwnership{Ownership: account.Real}, env)
	require.Error(t, err)
}

func TestWizardPasswordConfirmationBack(t *testing.T) {
	env := meaningfulEnv()
	s := apply(t, env, Start(),
		SelectOwnership{Ownership: account.Real},
		SelectMarket{Market: account.Gaming, SubType: account.SubFinancial},
		Next{}, Next{},
		ConfirmTradingPassword{},
	)
	require.True(t, s.TradingPasswordConfirmed)
	require.Equal(t, ControlConfirmPassword, s.Control(false))
	require.Equal(t, ControlExistingUser, s.Control(true))

	s = apply(t, env, s, Back{})
	require.Equal(t, StepCredentials, s.Step)
	require.False(t, s.TradingPasswordConfirmed)
	require.Equal(t, ControlNewUser, s.Control(false))
}

func TestWizardForgotPasswordIsTransient(t *testing.T) {
	env := meaningfulEnv()
	s := apply(t, env, Start(),
		SelectOwnership{Ownership: account.Demo},
		SelectMarket{Market: account.Financial, SubType: account.SubFinancial},
		Next{},
	)
	next, effect, err := Transition(s, ForgotPassword{}, env)
	require.NoError(t, err)
	require.Equal(t, StepPasswordReset, next.Step)
	require.Equal(t, EffectResetPassword, effect)

	back := apply(t, env, next, EffectCompleted{})
	require.Equal(t, StepCredentials, back.Step)
}

func TestWizardSubmitOutcomes(t *testing.T) {
	env := meaningfulEnv()
	s := apply(t, env, Start(),
		SelectOwnership{Ownership: account.Demo},
		SelectMarket{Market: account.Gaming, SubType: account.SubFinancial},
		Next{},
		SubmitFailed{Message: "That password is incorrect."},
	)
	require.Equal(t, StepCredentials, s.Step)
	require.Equal(t, "That password is incorrect.", s.Error)

	s = apply(t, env, s, SubmitSucceeded{})
	require.True(t, s.Closed)
	_, _, err := Transition(s, Next{}, env)
	require.Error(t, err)
}

func TestWizardCancelDiscardsSelections(t *testing.T) {
	env := meaningfulEnv()
	s := apply(t, env, Start(),
		SelectOwnership{Ownership: account.Real},
		SelectMarket{Market: account.Gaming, SubType: account.SubFinancial},
		Next{},
		Cancel{},
	)
	require.True(t, s.Closed)
	_, ok := s.Key()
	require.False(t, ok)
}

func TestWizardDemoNeverReachesServerStep(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		supported := rapid.IntRange(0, 5).Draw(t, "supported")
		used := rapid.IntRange(0, supported).Draw(t, "used")
		market := rapid.SampledFrom([]account.Market{account.Gaming, account.Financial}).Draw(t, "market")

		candidates := make([]allocator.Candidate, 0, supported)
		for i := range supported {
			state := allocator.StateAvailable
			if i < used {
				state = allocator.StateUsed
			}
			candidates = append(candidates, allocator.Candidate{Server: server(string(rune('a'+i)), false), State: state})
		}
		key := account.NewKey(account.Demo, market, account.SubFinancial)
		env := stubEnv{allocs: map[account.Key]allocator.Allocation{
			key: {Key: key, SlotFree: true, Candidates: candidates},
		}}

		s, _, err := Transition(Start(), SelectOwnership{Ownership: account.Demo}, env)
		require.NoError(t, err)
		s, _, err = Transition(s, SelectMarket{Market: market, SubType: account.SubFinancial}, env)
		if err != nil {
			// every server used: the type is exhausted and cannot be chosen.
			require.True(t, env.Allocation(key).Exhausted())
			return
		}
		s, _, err = Transition(s, Next{}, env)
		require.NoError(t, err)
		require.Equal(t, StepCredentials, s.Step)
	})
}

func TestWizardStepStaysInRange(t *testing.T) {
	events := []Event{
		SelectOwnership{Ownership: account.Real}, SelectOwnership{Ownership: account.Demo},
		SelectMarket{Market: account.Gaming, SubType: account.SubFinancial},
		SelectMarket{Market: account.Financial, SubType: account.SubFinancialSTP},
		SelectServer{ServerID: "p01_ts01"}, SelectServer{ServerID: "p01_ts02"},
		Next{}, Back{}, BackFromPassword{}, ForgotPassword{}, EffectCompleted{},
		ConfirmTradingPassword{}, SubmitFailed{Message: "x"},
	}
	rapid.Check(t, func(t *rapid.T) {
		env := meaningfulEnv()
		s := Start()
		steps := rapid.SliceOfN(rapid.IntRange(0, len(events)-1), 0, 30).Draw(t, "events")
		for _, i := range steps {
			next, _, err := Transition(s, events[i], env)
			if err != nil {
				require.Equal(t, s, next)
				continue
			}
			s = next
			require.GreaterOrEqual(t, int(s.Step), int(StepTypeSelect))
			require.LessOrEqual(t, int(s.Step), int(StepPasswordReset))
			if s.Step == StepServerSelect {
				require.Equal(t, account.Real, s.Ownership)
				require.Equal(t, account.Gaming, s.Market)
			}
		}
	})
}
