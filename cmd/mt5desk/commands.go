package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/app/allocator"
	"github.com/coachpo/mt5desk/internal/app/dispatcher"
	"github.com/coachpo/mt5desk/internal/app/wizard"
	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/display"
)

const (
	cmdShell     = "shell"
	shellPrompt  = "mt5desk> "
	emptyCell    = "-"
	defaultMarks = "*"
)

var (
	// errUsage marks malformed invocations; they exit with the usage status.
	errUsage = errors.New("usage")
	// errOutcome marks a submission the remote side or local validation turned down. The message has
	// already been printed.
	errOutcome = errors.New("action not completed")
)

type command func(a *app, ctx context.Context, args []string, out io.Writer) error

var commands = map[string]command{
	"list":     (*app).list,
	"servers":  (*app).servers,
	"create":   (*app).create,
	"password": (*app).password,
	"deposit":  (*app).deposit,
	"withdraw": (*app).withdraw,
	"topup":    (*app).topUp,
}

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

func (a *app) execute(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return usagef("command required")
	}
	run, ok := commands[args[0]]
	if !ok {
		return usagef("unknown command %q", args[0])
	}
	return run(a, ctx, args[1:], out)
}

// shell reads one command per line until EOF, exit or quit. Failed commands do not end the shell.
func (a *app) shell(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, shellPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			printUsage(out)
			continue
		case cmdShell:
			fmt.Fprintln(out, "already in the shell")
			continue
		}
		if err := a.execute(ctx, fields, out); err != nil && !errors.Is(err, errOutcome) {
			fmt.Fprintln(out, err)
		}
		a.flushNotices(out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (a *app) list(_ context.Context, args []string, out io.Writer) error {
	if len(args) != 0 {
		return usagef("list takes no arguments")
	}
	slots := a.session.Slots()
	if len(slots) == 0 {
		fmt.Fprintln(out, "no account types are offered")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tTITLE\tSTATE\tLOGIN\tBALANCE\tSERVER\tLEVERAGE")
	for _, slot := range slots {
		login, balance, server := emptyCell, emptyCell, emptyCell
		if r := slot.Remote; r != nil {
			login = cell(r.DisplayLogin)
			server = cell(r.DisplayServer)
			if r.Error != nil {
				balance = account.Unavailable
			} else {
				balance = display.FormatMoney(r.Currency, r.Balance)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			slot.Key, cell(slot.Titles.Full), slot.State(), login, balance, server, cell(slot.LeverageLabel()))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if flags := a.session.Flags(); flags.CreationDisabled() {
		fmt.Fprintln(out, "account creation is unavailable for this client")
	}
	return nil
}

func (a *app) servers(_ context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return usagef("servers <type>")
	}
	key, err := a.resolveType(args[0])
	if err != nil {
		return err
	}
	alloc := a.session.Allocation(key)
	if alloc.Supported() == 0 {
		fmt.Fprintf(out, "no trading server hosts %s\n", key)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tREGION\tSTATE\tDEFAULT")
	for _, c := range alloc.Candidates {
		mark := ""
		if c.Server.ID == alloc.Default {
			mark = defaultMarks
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Server.ID, cell(c.Server.Label()), describe(c), mark)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if alloc.Exhausted() {
		fmt.Fprintf(out, "no more %s accounts can be created\n", key)
	}
	return nil
}

func describe(c allocator.Candidate) string {
	if c.State == allocator.StateAvailable && c.Server.Recommended {
		return string(c.State) + " (recommended)"
	}
	return string(c.State)
}

// create walks the wizard the way an interactive client would and submits on the credentials step.
func (a *app) create(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("create")
	password := fs.String("password", "", "trading password")
	server := fs.String("server", "", "trading server id; the default server is used when empty")
	name := fs.String("name", "", "account holder name")
	confirm := fs.Bool("confirm", false, "accept that a new trading password also applies to existing accounts")
	forgot := fs.Bool("forgot-password", false, "email a trading password reset instead of creating")
	pos, err := parseWithPositional(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return usagef("create <type> -password P [-server id] [-name N] [-confirm]")
	}
	if *password == "" && !*forgot {
		return usagef("create requires -password")
	}
	key, err := a.resolveType(pos[0])
	if err != nil {
		return err
	}

	a.session.StartWizard()
	defer a.cancelWizard(ctx)

	events := []wizard.Event{
		wizard.SelectOwnership{Ownership: key.Ownership},
		wizard.SelectMarket{Market: key.Market, SubType: key.SubType},
		wizard.Next{},
	}
	state, err := a.walk(ctx, events...)
	if err != nil {
		return err
	}
	if state.Step == wizard.StepServerSelect {
		next := []wizard.Event{wizard.Next{}}
		if *server != "" {
			next = append([]wizard.Event{wizard.SelectServer{ServerID: *server}}, next...)
		}
		if state, err = a.walk(ctx, next...); err != nil {
			return err
		}
	} else if *server != "" {
		fmt.Fprintf(out, "%s is not created on a chosen server; -server ignored\n", key)
	}
	if key, ok := state.Key(); ok && key.HasServer() {
		fmt.Fprintf(out, "creating on %s\n", a.session.Servers().Label(key.ServerID))
	}

	if *forgot {
		state, err = a.walk(ctx, wizard.ForgotPassword{})
		if err != nil {
			return err
		}
		if state.Error != "" {
			fmt.Fprintln(out, state.Error)
			return errOutcome
		}
		fmt.Fprintln(out, "Please check your email for further instructions.")
		return nil
	}

	res, err := a.session.SubmitWizard(ctx, *password, *name)
	if err != nil {
		return err
	}
	if res.Outcome == dispatcher.OutcomeConfirmPassword {
		fmt.Fprintln(out, res.Message)
		if !*confirm {
			fmt.Fprintln(out, "run again with -confirm to continue")
			return errOutcome
		}
		if res, err = a.session.SubmitWizard(ctx, *password, *name); err != nil {
			return err
		}
	}
	return report(out, res)
}

func (a *app) walk(ctx context.Context, events ...wizard.Event) (wizard.State, error) {
	var state wizard.State
	for _, ev := range events {
		var err error
		if state, err = a.session.WizardTransition(ctx, ev); err != nil {
			return state, errors.New(errs.MessageOf(err))
		}
	}
	return state, nil
}

func (a *app) cancelWizard(ctx context.Context) {
	if _, open := a.session.Wizard(); open {
		_, _ = a.session.WizardTransition(ctx, wizard.Cancel{})
	}
}

func (a *app) password(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return usagef("password change|email|reset <account>")
	}
	sub, args := args[0], args[1:]
	fs := newFlagSet("password " + sub)
	oldPassword := fs.String("old", "", "current investor password")
	newPassword := fs.String("new", "", "new investor password")
	code := fs.String("code", "", "verification code from the reset email")
	pos, err := parseWithPositional(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return usagef("password %s <account>", sub)
	}
	key, err := a.resolveAccount(pos[0])
	if err != nil {
		return err
	}

	switch sub {
	case "change":
		return a.submit(ctx, out, dispatcher.ChangePassword{Account: key, OldPassword: *oldPassword, NewPassword: *newPassword})
	case "email":
		return a.submit(ctx, out, dispatcher.RequestResetEmail{Account: key, Kind: dispatcher.ResetInvestor})
	case "reset":
		if *code != "" {
			res, err := a.session.Submit(ctx, dispatcher.VerifyResetToken{Account: key, Token: *code})
			if err != nil {
				return err
			}
			if !res.Succeeded() {
				return report(out, res)
			}
		}
		return a.submit(ctx, out, dispatcher.ResetPassword{Account: key, NewPassword: *newPassword})
	default:
		return usagef("unknown password command %q", sub)
	}
}

func (a *app) deposit(ctx context.Context, args []string, out io.Writer) error {
	key, amount, err := a.transferArgs("deposit", args)
	if err != nil {
		return err
	}
	return a.submit(ctx, out, dispatcher.Deposit{Account: key, Amount: amount})
}

func (a *app) withdraw(ctx context.Context, args []string, out io.Writer) error {
	key, amount, err := a.transferArgs("withdraw", args)
	if err != nil {
		return err
	}
	return a.submit(ctx, out, dispatcher.Withdraw{Account: key, Amount: amount})
}

func (a *app) transferArgs(name string, args []string) (account.Key, decimal.Decimal, error) {
	if len(args) != 2 {
		return account.Key{}, decimal.Zero, usagef("%s <account> <amount>", name)
	}
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return account.Key{}, decimal.Zero, usagef("invalid amount %q", args[1])
	}
	key, err := a.resolveAccount(args[0])
	return key, amount, err
}

func (a *app) topUp(ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return usagef("topup <account>")
	}
	key, err := a.resolveAccount(args[0])
	if err != nil {
		return err
	}
	return a.submit(ctx, out, dispatcher.TopUpDemo{Account: key})
}

// submit selects the target first so the result is never reported as stale.
func (a *app) submit(ctx context.Context, out io.Writer, action dispatcher.Action) error {
	if err := a.session.Select(action.Target()); err != nil {
		return err
	}
	res, err := a.session.Submit(ctx, action)
	if err != nil {
		return errors.New(errs.MessageOf(err))
	}
	return report(out, res)
}

// report prints a result. Page-level failures are printed by the notice flush instead.
func report(out io.Writer, res dispatcher.Result) error {
	switch res.Outcome {
	case dispatcher.OutcomeSucceeded:
		if res.Message != "" {
			fmt.Fprintln(out, res.Message)
		}
		if res.RefreshErr != nil {
			fmt.Fprintf(out, "! account list not refreshed: %s\n", errs.MessageOf(res.RefreshErr))
		}
		return nil
	case dispatcher.OutcomeFailed:
		return errOutcome
	default:
		fmt.Fprintln(out, res.Message)
		return errOutcome
	}
}

// resolveAccount finds a listed slot by key, MT5 login or display login.
func (a *app) resolveAccount(ref string) (account.Key, error) {
	var byDisplay []account.Key
	for _, slot := range a.session.Slots() {
		if slot.Key.String() == ref {
			return slot.Key, nil
		}
		if r := slot.Remote; r != nil {
			if strings.EqualFold(r.Login, ref) {
				return slot.Key, nil
			}
			if r.DisplayLogin == ref {
				byDisplay = append(byDisplay, slot.Key)
			}
		}
	}
	switch len(byDisplay) {
	case 0:
		return account.Key{}, fmt.Errorf("no account %q", ref)
	case 1:
		return byDisplay[0], nil
	default:
		return account.Key{}, fmt.Errorf("login %q matches %d accounts; use the account key", ref, len(byDisplay))
	}
}

// resolveType finds an account type among the listed slots, ignoring any server suffix.
func (a *app) resolveType(ref string) (account.Key, error) {
	for _, slot := range a.session.Slots() {
		if slot.Key.IsUnknown() {
			continue
		}
		if logical := slot.Key.Logical(); logical.String() == ref || slot.Key.String() == ref {
			return logical, nil
		}
	}
	return account.Key{}, fmt.Errorf("no account type %q", ref)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseWithPositional parses flags that may appear before or after positional arguments.
func parseWithPositional(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, usagef("%s: %v", fs.Name(), err)
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func cell(s string) string {
	if strings.TrimSpace(s) == "" {
		return emptyCell
	}
	return s
}
