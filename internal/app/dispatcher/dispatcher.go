// Package dispatcher turns user actions into remote requests, one in flight per account slot, and
// interprets the responses.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/app/reconciler"
	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/journalstore"
	"github.com/coachpo/mt5desk/internal/domain/messaging"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/infra/telemetry"
	"github.com/coachpo/mt5desk/internal/observability"
	"github.com/coachpo/mt5desk/lib/async"
)

const platformMT5 = "mt5"

var defaultTopUpAmount = decimal.NewFromInt(10000)

// Client describes the authenticated client actions run for.
type Client struct {
	SessionID string
	// LoginID is the cashier account transfers move funds from and to.
	LoginID  string
	Email    string
	Name     string
	Currency string
}

// Reconciler folds a fresh remote account list into the directory.
type Reconciler interface {
	Reconcile(records []schema.LoginRecord) (reconciler.Report, error)
	Directory() *account.Directory
}

// Config wires a dispatcher.
type Config struct {
	Channel    messaging.Channel
	Reconciler Reconciler
	Client     Client
	// Pool runs background refreshes; they run inline when nil.
	Pool *async.Pool
	// Journal receives one entry per completed submission when set.
	Journal journalstore.Store
	// Selected reports the slot the client currently has selected.
	Selected    func() (account.Key, bool)
	TopUpAmount decimal.Decimal
}

// Dispatcher serialises submissions per account slot.
type Dispatcher struct {
	channel    messaging.Channel
	reconciler Reconciler
	client     Client
	pool       *async.Pool
	journal    journalstore.Store
	selected   func() (account.Key, bool)
	topUp      decimal.Decimal

	mu       sync.Mutex
	inflight map[account.Key]struct{}
	tokens   map[account.Key]string

	submissions metric.Int64Counter
	rejections  metric.Int64Counter
	duration    metric.Float64Histogram
}

// New constructs a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Channel == nil {
		return nil, errs.New("dispatcher/new", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if cfg.Reconciler == nil {
		return nil, errs.New("dispatcher/new", errs.CodeInvalid, errs.WithMessage("reconciler required"))
	}
	client := cfg.Client
	if strings.TrimSpace(client.SessionID) == "" {
		client.SessionID = uuid.NewString()
	}
	topUp := cfg.TopUpAmount
	if !topUp.IsPositive() {
		topUp = defaultTopUpAmount
	}
	selected := cfg.Selected
	if selected == nil {
		selected = func() (account.Key, bool) { return account.Key{}, false }
	}

	d := &Dispatcher{
		channel:    cfg.Channel,
		reconciler: cfg.Reconciler,
		client:     client,
		pool:       cfg.Pool,
		journal:    cfg.Journal,
		selected:   selected,
		topUp:      topUp,
		inflight:   make(map[account.Key]struct{}),
		tokens:     make(map[account.Key]string),
	}

	meter := otel.Meter("dispatcher")
	d.submissions, _ = meter.Int64Counter(telemetry.MetricSubmissions,
		metric.WithDescription("Number of account actions dispatched, by outcome"),
		metric.WithUnit("{submission}"))
	d.rejections, _ = meter.Int64Counter(telemetry.MetricInFlightRejected,
		metric.WithDescription("Number of submissions rejected because the slot already had one in flight"),
		metric.WithUnit("{submission}"))
	d.duration, _ = meter.Float64Histogram(telemetry.MetricSubmitDuration,
		metric.WithDescription("Time from submission to interpreted result"),
		metric.WithUnit("ms"))
	return d, nil
}

// SessionID identifies the session in the journal.
func (d *Dispatcher) SessionID() string { return d.client.SessionID }

// InFlight reports whether a submission for key is awaiting its response.
func (d *Dispatcher) InFlight(key account.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[key]
	return ok
}

// Submit sends the action and interprets the outcome. The returned error is non-nil only when the
// action was not attempted: a nil action, or another submission for the same slot still in flight.
// Remote and transport failures are reported through the Result.
func (d *Dispatcher) Submit(ctx context.Context, action Action) (Result, error) {
	if action == nil {
		return Result{}, errs.New("dispatcher/submit", errs.CodeInvalid, errs.WithMessage("action required"))
	}
	key := action.Target()
	if !d.acquire(key) {
		if d.rejections != nil {
			d.rejections.Add(ctx, 1, metric.WithAttributes(
				telemetry.SubmissionAttributes(telemetry.Environment(), action.Name(), "conflict", "")...))
		}
		observability.Log().Info("submission rejected: request in flight",
			observability.Field{Key: "action", Value: action.Name()},
			observability.Field{Key: "account", Value: key.String()})
		return Result{Action: action.Name(), Account: key}, errs.New("dispatcher/submit", errs.CodeConflict,
			errs.WithMessage("A request for this account is already in progress."),
			errs.WithDetail("account", key.String()))
	}
	defer d.release(key)

	start := time.Now()
	res := d.dispatch(ctx, action)
	res.Action = action.Name()
	res.Account = key
	res.Stale = d.stale(action)
	d.record(ctx, action, res, time.Since(start))
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, action Action) Result {
	switch a := action.(type) {
	case CreateAccount:
		return d.createAccount(ctx, a)
	case ChangePassword:
		return d.changePassword(ctx, a)
	case ResetPassword:
		return d.resetPassword(ctx, a)
	case Deposit:
		return d.deposit(ctx, a)
	case Withdraw:
		return d.withdraw(ctx, a)
	case VerifyResetToken:
		return d.verifyResetToken(a)
	case RequestResetEmail:
		return d.requestResetEmail(ctx, a)
	case TopUpDemo:
		return d.topUpDemo(ctx, a)
	default:
		return rejectLocally(validation(fmt.Sprintf("unsupported action %T", action)))
	}
}

func (d *Dispatcher) acquire(key account.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[key]; busy {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key account.Key) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

// stale reports whether the client moved off the action's slot while it was in flight. Creation is
// driven by the wizard, not the selection, and is never stale.
func (d *Dispatcher) stale(action Action) bool {
	if _, ok := action.(CreateAccount); ok {
		return false
	}
	selected, ok := d.selected()
	return ok && selected != action.Target()
}

// call sends req and folds remote rejections into the returned error.
func (d *Dispatcher) call(ctx context.Context, req schema.Request) (schema.Response, error) {
	resp, err := d.channel.Send(ctx, req)
	if err != nil {
		if errs.CategoryOf(err) == errs.CategoryUnknown {
			err = errs.Transport("dispatcher/"+string(req.Topic), err)
		}
		return schema.Response{}, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (d *Dispatcher) loginList(ctx context.Context) ([]schema.LoginRecord, error) {
	resp, err := d.call(ctx, schema.NewRequest(schema.TopicLoginList))
	if err != nil {
		return nil, err
	}
	var records []schema.LoginRecord
	if err := resp.Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// passwordSet reads the trading password status, preferring the last observed account status.
func (d *Dispatcher) passwordSet(ctx context.Context) (bool, error) {
	resp, ok := d.channel.Latest(schema.TopicAccountStatus)
	if !ok || resp.Error != nil {
		return d.fetchPasswordSet(ctx)
	}
	var status schema.AccountStatus
	if err := resp.Decode(&status); err != nil {
		return false, err
	}
	return status.TradingPasswordSet(), nil
}

func (d *Dispatcher) fetchPasswordSet(ctx context.Context) (bool, error) {
	resp, err := d.call(ctx, schema.NewRequest(schema.TopicAccountStatus))
	if err != nil {
		return false, err
	}
	var status schema.AccountStatus
	if err := resp.Decode(&status); err != nil {
		return false, err
	}
	return status.TradingPasswordSet(), nil
}

// provisioned returns the healthy provisioned archetype bound to key.
func (d *Dispatcher) provisioned(key account.Key) (account.Archetype, error) {
	arch, ok := d.reconciler.Directory().Snapshot().Get(key)
	if !ok || !arch.Provisioned() {
		return account.Archetype{}, validation("This account is not available.")
	}
	return arch, nil
}

// refresh re-reads account status (and limits for cashier actions), then re-fetches the account
// list and folds it into the directory. The directory is never patched from a mutation response.
func (d *Dispatcher) refresh(ctx context.Context, res *Result, action string, cashier bool) {
	topics := []schema.Topic{schema.TopicAccountStatus}
	if cashier {
		topics = append(topics, schema.TopicLimits)
	}
	var failures []error
	for _, topic := range topics {
		if _, err := d.call(ctx, schema.NewRequest(topic)); err != nil {
			failures = append(failures, err)
		}
	}
	records, err := d.loginList(ctx)
	if err == nil {
		var report reconciler.Report
		report, err = d.reconciler.Reconcile(records)
		if err == nil {
			res.Refreshed = true
			res.Report = report
		}
	}
	failures = append(failures, err)
	res.RefreshErr = observability.AggregateErrors("dispatcher/refresh", failures,
		observability.Field{Key: "action", Value: action})
}

// refreshRates re-reads website status and limits after a transfer failure, since transfer
// bounds move with exchange rates.
func (d *Dispatcher) refreshRates(ctx context.Context) {
	task := func(ctx context.Context) error {
		var failures []error
		for _, topic := range []schema.Topic{schema.TopicWebsiteStatus, schema.TopicLimits} {
			if _, err := d.call(ctx, schema.NewRequest(topic)); err != nil {
				failures = append(failures, err)
			}
		}
		return observability.AggregateErrors("dispatcher/refresh_rates", failures)
	}
	if d.pool == nil {
		_ = task(ctx)
		return
	}
	if err := d.pool.Submit(context.WithoutCancel(ctx), task); err != nil {
		observability.Log().Error("schedule rate refresh failed", observability.Field{Key: "error", Value: err})
	}
}

// failure interprets an error returned while serving action.
func (d *Dispatcher) failure(ctx context.Context, action Action, err error) Result {
	res := Result{
		Outcome:  OutcomeRejected,
		Message:  userMessage(err),
		Category: errs.CategoryOf(err),
		Code:     errs.RawCodeOf(err),
		Err:      err,
	}
	if res.Category == errs.CategoryUnknown && errs.CodeOf(err) == "" {
		res.Category = errs.CategoryTransport
	}
	switch res.Category {
	case errs.CategoryTransport:
		res.Outcome = OutcomeFailed
		return res
	case errs.CategoryFinancial:
		d.refreshRates(ctx)
	case errs.CategoryProvisioning:
		d.refresh(ctx, &res, action.Name(), false)
	}
	switch action.(type) {
	case TopUpDemo:
		res.Outcome = OutcomeFailed
	case CreateAccount:
		if set, serr := d.fetchPasswordSet(ctx); serr == nil {
			res.PasswordSet = set
		}
	}
	return res
}

func (d *Dispatcher) record(ctx context.Context, action Action, res Result, elapsed time.Duration) {
	category := ""
	if !res.Succeeded() && res.Err != nil {
		category = string(res.Category)
	}
	attrs := telemetry.SubmissionAttributes(telemetry.Environment(), action.Name(), string(res.Outcome), category)
	attrs = append(attrs, telemetry.AccountAttributes(string(res.Account.Ownership), string(res.Account.Market))...)
	if d.submissions != nil {
		d.submissions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if d.duration != nil {
		d.duration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	}

	fields := []observability.Field{
		{Key: "action", Value: action.Name()},
		{Key: "account", Value: res.Account.String()},
		{Key: "outcome", Value: string(res.Outcome)},
		{Key: "stale", Value: res.Stale},
	}
	switch {
	case res.Outcome == OutcomeFailed:
		observability.Log().Error("account action failed", append(fields, observability.Field{Key: "error", Value: res.Err})...)
	case res.Err != nil:
		observability.Log().Info("account action rejected", append(fields,
			observability.Field{Key: "category", Value: string(res.Category)},
			observability.Field{Key: "code", Value: res.Code})...)
	default:
		observability.Log().Info("account action completed", fields...)
	}

	if d.journal == nil {
		return
	}
	entry := journalstore.Entry{
		ID:         uuid.New(),
		SessionID:  d.client.SessionID,
		Action:     action.Name(),
		AccountKey: res.Account.String(),
		Outcome:    string(res.Outcome),
		Category:   category,
		Code:       res.Code,
		Message:    res.Message,
		Payload:    journalPayload(action),
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := d.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		observability.Log().Error("journal append failed",
			observability.Field{Key: "action", Value: action.Name()},
			observability.Field{Key: "error", Value: err})
	}
}

const msgGeneric = "Sorry, an error occurred while processing your request."

func userMessage(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e != nil && e.Message != "" {
		return e.Message
	}
	return msgGeneric
}

func validation(msg string) error {
	return errs.New("dispatcher/validate", errs.CodeInvalid,
		errs.WithCategory(errs.CategoryRejected), errs.WithMessage(msg))
}

// rejectLocally reports a submission refused before anything was sent.
func rejectLocally(err error) Result {
	return Result{
		Outcome:  OutcomeRejected,
		Message:  userMessage(err),
		Category: errs.CategoryOf(err),
		Err:      err,
	}
}
