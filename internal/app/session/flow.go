package session

import (
	"context"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/app/dispatcher"
	"github.com/coachpo/mt5desk/internal/app/wizard"
	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/observability"
)

// StartWizard discards any previous wizard and opens a new one on the type step.
func (s *Session) StartWizard() wizard.State {
	s.wizMu.Lock()
	defer s.wizMu.Unlock()
	s.wizard = wizard.Start()
	s.wizardOpen = true
	s.wizardGen++
	return s.wizard
}

// Wizard returns the live wizard, if one is open.
func (s *Session) Wizard() (wizard.State, bool) {
	s.wizMu.Lock()
	defer s.wizMu.Unlock()
	return s.wizard, s.wizardOpen
}

// WizardTransition applies ev to the live wizard. The password reset effect is performed here and
// completed before returning; the reset step is visible through Wizard only while the request is in flight.
func (s *Session) WizardTransition(ctx context.Context, ev wizard.Event) (wizard.State, error) {
	s.wizMu.Lock()
	if !s.wizardOpen {
		s.wizMu.Unlock()
		return wizard.State{}, errs.New("session/wizard", errs.CodeInvalid, errs.WithMessage("wizard not started"))
	}
	next, effect, err := wizard.Transition(s.wizard, ev, s)
	if err != nil {
		current := s.wizard
		s.wizMu.Unlock()
		return current, err
	}
	s.setWizard(next)
	gen := s.wizardGen
	s.wizMu.Unlock()
	if effect != wizard.EffectResetPassword {
		return next, nil
	}

	key, _ := next.Key()
	res, err := s.dispatcher.Submit(ctx, dispatcher.RequestResetEmail{Account: key, Kind: dispatcher.ResetTrading})

	s.wizMu.Lock()
	defer s.wizMu.Unlock()
	if !s.wizardOpen || s.wizardGen != gen || s.wizard.Step != wizard.StepPasswordReset {
		// the wizard was restarted or closed while the request ran.
		return s.wizard, nil
	}
	completed, _, cerr := wizard.Transition(s.wizard, wizard.EffectCompleted{}, s)
	if cerr != nil {
		return s.wizard, cerr
	}
	switch {
	case err != nil:
		completed.Error = errs.MessageOf(err)
	case !res.Succeeded():
		completed.Error = res.Message
	}
	s.setWizard(completed)
	return completed, nil
}

// SubmitControl names the submit control the credentials step shows.
func (s *Session) SubmitControl() wizard.Control {
	state, _ := s.Wizard()
	return state.Control(s.passwordSet())
}

// SubmitWizard creates the account the wizard describes. The wizard must be on the credentials step.
func (s *Session) SubmitWizard(ctx context.Context, mainPassword, name string) (dispatcher.Result, error) {
	state, open := s.Wizard()
	if !open || state.Step != wizard.StepCredentials {
		return dispatcher.Result{}, errs.New("session/wizard", errs.CodeInvalid,
			errs.WithMessage("the wizard is not on the credentials step"))
	}
	key, ok := state.Key()
	if !ok {
		return dispatcher.Result{}, errs.New("session/wizard", errs.CodeInvalid, errs.WithMessage("no account type chosen"))
	}
	return s.Submit(ctx, dispatcher.CreateAccount{
		Account:           key,
		MainPassword:      mainPassword,
		HolderName:        name,
		PasswordConfirmed: state.TradingPasswordConfirmed,
	})
}

// Submit dispatches action. A creation that matches the live wizard moves it: success closes it and
// selects the new account, a confirmation request shows the confirmation sub-step and any other
// outcome keeps the credentials step with the message.
func (s *Session) Submit(ctx context.Context, action dispatcher.Action) (dispatcher.Result, error) {
	res, err := s.dispatcher.Submit(ctx, action)
	if err != nil {
		return res, err
	}
	if create, ok := action.(dispatcher.CreateAccount); ok {
		s.advanceWizard(create.Account, res)
		if res.Succeeded() && res.Created != (account.Key{}) {
			if err := s.Select(res.Created); err != nil {
				observability.Log().Debug("created account not selectable",
					observability.Field{Key: "account", Value: res.Created.String()})
			}
		}
	}
	switch {
	case res.Outcome == dispatcher.OutcomeFailed:
		s.pageError(res.Message)
	case res.Stale:
		notice := observability.NewNotice(observability.NoticeStaleResult, observability.NoticeInfo, res.Message)
		notice.Metadata = map[string]any{"account": res.Account.String(), "action": res.Action}
		s.publish(notice)
	}
	return res, nil
}

func (s *Session) advanceWizard(target account.Key, res dispatcher.Result) {
	s.wizMu.Lock()
	defer s.wizMu.Unlock()
	if !s.wizardOpen || s.wizard.Step != wizard.StepCredentials {
		return
	}
	if key, ok := s.wizard.Key(); !ok || key != target {
		return
	}
	var ev wizard.Event
	switch res.Outcome {
	case dispatcher.OutcomeSucceeded:
		ev = wizard.SubmitSucceeded{}
	case dispatcher.OutcomeConfirmPassword:
		ev = wizard.ConfirmTradingPassword{}
	default:
		ev = wizard.SubmitFailed{Message: res.Message}
	}
	next, _, err := wizard.Transition(s.wizard, ev, s)
	if err != nil {
		observability.Log().Error("wizard transition after submit failed",
			observability.Field{Key: "event", Value: ev},
			observability.Field{Key: "error", Value: err})
		return
	}
	s.setWizard(next)
}

// setWizard stores next; a closed wizard is dropped. Callers hold wizMu.
func (s *Session) setWizard(next wizard.State) {
	if next.Closed {
		s.wizard, s.wizardOpen = wizard.State{}, false
		return
	}
	s.wizard = next
}

// passwordSet reads the last observed account status. An unknown status counts as set.
func (s *Session) passwordSet() bool {
	resp, ok := s.channel.Latest(schema.TopicAccountStatus)
	if !ok || resp.Error != nil {
		return true
	}
	var status schema.AccountStatus
	if err := resp.Decode(&status); err != nil {
		return true
	}
	return status.TradingPasswordSet()
}

// InFlight reports whether key has a submission awaiting its response.
func (s *Session) InFlight(key account.Key) bool { return s.dispatcher.InFlight(key) }
