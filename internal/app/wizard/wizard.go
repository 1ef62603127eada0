// Package wizard drives the guided account-creation flow as a finite state machine.
package wizard

import (
	"fmt"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/app/allocator"
	"github.com/coachpo/mt5desk/internal/domain/account"
)

// Step is a wizard step.
type Step int

const (
	// StepTypeSelect picks ownership, market and sub-account type.
	StepTypeSelect Step = 1
	// StepServerSelect picks the trading server for a real account.
	StepServerSelect Step = 2
	// StepCredentials collects the trading password and submits the creation.
	StepCredentials Step = 3
	// StepPasswordReset is transient while the trading password reset email is requested.
	StepPasswordReset Step = 4
)

func (s Step) String() string {
	switch s {
	case StepTypeSelect:
		return "type_select"
	case StepServerSelect:
		return "server_select"
	case StepCredentials:
		return "credentials"
	case StepPasswordReset:
		return "password_reset"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Effect is a side effect the caller must perform after a transition.
type Effect int

const (
	// EffectNone means the transition needs nothing further from the caller.
	EffectNone Effect = iota
	// EffectResetPassword asks the caller to start the trading password reset.
	EffectResetPassword
)

// Control names the submit control that is active on the credentials step.
type Control string

const (
	// ControlExistingUser asks for the trading password already set.
	ControlExistingUser Control = "existing_user"
	// ControlNewUser asks the client to choose a trading password.
	ControlNewUser Control = "new_user"
	// ControlConfirmPassword asks the client to confirm the password applies to existing accounts too.
	ControlConfirmPassword Control = "confirm_password"
)

// Environment exposes the directory-derived facts transitions depend on.
type Environment interface {
	Allocation(key account.Key) allocator.Allocation
	Flags() account.Flags
}

// State is the single live wizard value. The zero value is not valid; use Start.
type State struct {
	Step      Step
	Ownership account.Ownership
	Market    account.Market
	SubType   account.SubType
	ServerID  string
	// TradingPasswordConfirmed is set while the password confirmation sub-step is showing.
	TradingPasswordConfirmed bool
	Error                    string
	Closed                   bool

	viaServerStep bool
	resume        Step
}

// Start returns the initial state.
func Start() State {
	return State{Step: StepTypeSelect}
}

// Key returns the account type selected so far, suffixed with the chosen server.
func (s State) Key() (account.Key, bool) {
	if s.Ownership == "" || s.Market == "" || s.SubType == "" {
		return account.Key{}, false
	}
	key := account.NewKey(s.Ownership, s.Market, s.SubType)
	if s.ServerID != "" {
		key = key.WithServer(s.ServerID)
	}
	return key, true
}

// Control selects the active submit control for the credentials step.
func (s State) Control(passwordSet bool) Control {
	switch {
	case passwordSet:
		return ControlExistingUser
	case s.TradingPasswordConfirmed:
		return ControlConfirmPassword
	default:
		return ControlNewUser
	}
}

// Event is a wizard input.
type Event interface{ event() }

type (
	// SelectOwnership picks demo or real.
	SelectOwnership struct{ Ownership account.Ownership }
	// SelectMarket picks the market and sub-account type.
	SelectMarket struct {
		Market  account.Market
		SubType account.SubType
	}
	// SelectServer checks a server on the server step.
	SelectServer struct{ ServerID string }
	// Next advances from the current step.
	Next struct{}
	// Back returns to the previous step.
	Back struct{}
	// BackFromPassword leaves the password confirmation sub-step.
	BackFromPassword struct{}
	// Cancel discards the wizard.
	Cancel struct{}
	// ForgotPassword starts the trading password reset side flow.
	ForgotPassword struct{}
	// EffectCompleted reports that the side effect of the transient step ran.
	EffectCompleted struct{}
	// ConfirmTradingPassword enters the password confirmation sub-step.
	ConfirmTradingPassword struct{}
	// SubmitSucceeded closes the wizard after a successful creation.
	SubmitSucceeded struct{}
	// SubmitFailed keeps the wizard on the credentials step with the message.
	SubmitFailed struct{ Message string }
)

func (SelectOwnership) event()        {}
func (SelectMarket) event()           {}
func (SelectServer) event()           {}
func (Next) event()                   {}
func (Back) event()                   {}
func (BackFromPassword) event()       {}
func (Cancel) event()                 {}
func (ForgotPassword) event()         {}
func (EffectCompleted) event()        {}
func (ConfirmTradingPassword) event() {}
func (SubmitSucceeded) event()        {}
func (SubmitFailed) event()           {}

// Transition applies ev to s. Rejected events return s unchanged with an error.
func Transition(s State, ev Event, env Environment) (State, Effect, error) {
	if s.Closed {
		return s, EffectNone, reject(s, ev, "wizard closed")
	}
	next := s
	next.Error = ""

	switch e := ev.(type) {
	case Cancel:
		return State{Step: StepTypeSelect, Closed: true}, EffectNone, nil

	case SelectOwnership:
		if s.Step != StepTypeSelect {
			return s, EffectNone, reject(s, ev, "ownership is chosen on the first step")
		}
		flags := env.Flags()
		if flags.CreationDisabled() || flags.OwnershipDegraded(e.Ownership) {
			return s, EffectNone, reject(s, ev, "account creation is unavailable")
		}
		if e.Ownership != account.Demo && e.Ownership != account.Real {
			return s, EffectNone, reject(s, ev, "unknown ownership")
		}
		if e.Ownership != s.Ownership {
			next = State{Step: StepTypeSelect, Ownership: e.Ownership}
		}
		return next, EffectNone, nil

	case SelectMarket:
		if s.Step != StepTypeSelect || s.Ownership == "" {
			return s, EffectNone, reject(s, ev, "choose demo or real first")
		}
		if env.Allocation(account.NewKey(s.Ownership, e.Market, e.SubType)).Exhausted() {
			return s, EffectNone, reject(s, ev, "no more accounts of this type can be created")
		}
		next.Market, next.SubType, next.ServerID = e.Market, e.SubType, ""
		return next, EffectNone, nil

	case SelectServer:
		if s.Step != StepServerSelect {
			return s, EffectNone, reject(s, ev, "not on the server step")
		}
		if !allocation(s, env).Selectable(e.ServerID) {
			return s, EffectNone, reject(s, ev, "server unavailable")
		}
		next.ServerID = e.ServerID
		return next, EffectNone, nil

	case Next:
		return advance(s, next, ev, env)

	case Back:
		switch s.Step {
		case StepServerSelect:
			return State{Step: StepTypeSelect}, EffectNone, nil
		case StepCredentials:
			if s.TradingPasswordConfirmed {
				next.TradingPasswordConfirmed = false
				return next, EffectNone, nil
			}
			if s.viaServerStep {
				next.Step = StepServerSelect
				return next, EffectNone, nil
			}
			return State{Step: StepTypeSelect}, EffectNone, nil
		default:
			return s, EffectNone, nil
		}

	case BackFromPassword:
		next.TradingPasswordConfirmed = false
		return next, EffectNone, nil

	case ConfirmTradingPassword:
		if s.Step != StepCredentials {
			return s, EffectNone, reject(s, ev, "not on the credentials step")
		}
		next.TradingPasswordConfirmed = true
		return next, EffectNone, nil

	case ForgotPassword:
		if s.Step != StepCredentials {
			return s, EffectNone, reject(s, ev, "not on the credentials step")
		}
		next.resume = s.Step
		next.Step = StepPasswordReset
		return next, EffectResetPassword, nil

	case EffectCompleted:
		if s.Step != StepPasswordReset {
			return s, EffectNone, reject(s, ev, "no side effect pending")
		}
		next.Step, next.resume = s.resume, 0
		return next, EffectNone, nil

	case SubmitSucceeded:
		if s.Step != StepCredentials {
			return s, EffectNone, reject(s, ev, "not on the credentials step")
		}
		next.Closed = true
		return next, EffectNone, nil

	case SubmitFailed:
		if s.Step != StepCredentials {
			return s, EffectNone, reject(s, ev, "not on the credentials step")
		}
		next.Error = e.Message
		return next, EffectNone, nil

	default:
		return s, EffectNone, reject(s, ev, "unknown event")
	}
}

func advance(s, next State, ev Event, env Environment) (State, Effect, error) {
	switch s.Step {
	case StepTypeSelect:
		if _, ok := s.Key(); !ok {
			return s, EffectNone, reject(s, ev, "choose an account type")
		}
		alloc := allocation(s, env)
		if alloc.Exhausted() {
			return s, EffectNone, reject(s, ev, "no more accounts of this type can be created")
		}
		// demo accounts are single-server, so they never see the server step.
		if s.Ownership == account.Real && s.Market == account.Gaming && alloc.ServerStepMeaningful() {
			next.Step = StepServerSelect
			next.ServerID = alloc.Default
			next.viaServerStep = true
			return next, EffectNone, nil
		}
		next.Step = StepCredentials
		next.ServerID = ""
		next.viaServerStep = false
		return next, EffectNone, nil

	case StepServerSelect:
		if s.ServerID == "" || !allocation(s, env).Selectable(s.ServerID) {
			return s, EffectNone, reject(s, ev, "choose an available server")
		}
		next.Step = StepCredentials
		return next, EffectNone, nil

	default:
		return s, EffectNone, reject(s, ev, "cannot advance from "+s.Step.String())
	}
}

func allocation(s State, env Environment) allocator.Allocation {
	return env.Allocation(account.NewKey(s.Ownership, s.Market, s.SubType))
}

func reject(s State, ev Event, msg string) error {
	return errs.New("wizard/transition", errs.CodeInvalid,
		errs.WithMessage(msg),
		errs.WithDetail("step", s.Step.String()),
		errs.WithDetail("event", fmt.Sprintf("%T", ev)))
}
