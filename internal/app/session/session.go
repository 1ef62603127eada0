// Package session owns the account directory for one authenticated client and exposes the API a UI
// drives: bootstrap, slot listing and selection, the creation wizard and action submission.
package session

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/app/allocator"
	"github.com/coachpo/mt5desk/internal/app/catalog"
	"github.com/coachpo/mt5desk/internal/app/dispatcher"
	"github.com/coachpo/mt5desk/internal/app/reconciler"
	"github.com/coachpo/mt5desk/internal/app/wizard"
	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/journalstore"
	"github.com/coachpo/mt5desk/internal/domain/messaging"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/infra/telemetry"
	"github.com/coachpo/mt5desk/internal/observability"
	"github.com/coachpo/mt5desk/lib/async"
)

const (
	msgServerIssue = "Due to an issue on our server, some of your MT5 accounts are unavailable at the moment. Please bear with us and thank you for your patience."
	msgNoAccounts  = "You have no MT5 accounts yet. Create one to start trading."
	defaultBacklog = 64
)

// Config wires a session.
type Config struct {
	Channel messaging.Channel
	Client  dispatcher.Client
	// IsVirtual marks demo-only clients, which skip the limits fetch during bootstrap.
	IsVirtual bool
	// Residence is sent with the landing_company request when set.
	Residence   string
	Catalog     catalog.Config
	Pool        *async.Pool
	Journal     journalstore.Store
	TopUpAmount decimal.Decimal
	// Notices receives user-facing notices. Undelivered notices are kept for PendingNotices.
	Notices     *observability.NoticeBus
	BacklogSize int
}

// Session is safe for concurrent use.
type Session struct {
	channel   messaging.Channel
	client    dispatcher.Client
	isVirtual bool
	residence string
	builder   *catalog.Builder
	dir       *account.Directory

	dispatcher *dispatcher.Dispatcher
	notices    *observability.NoticeBus
	backlog    *observability.NoticeBacklog

	// recMu serialises reconciliation passes; the reconciler is the only directory writer.
	recMu      sync.Mutex
	reconciler *reconciler.Reconciler
	allocator  *allocator.Allocator

	selMu       sync.RWMutex
	selected    account.Key
	hasSelected bool

	wizMu      sync.Mutex
	wizard     wizard.State
	wizardOpen bool
	// wizardGen changes whenever a new wizard is started.
	wizardGen  uint64

	reconciliations metric.Int64Counter
	omitted         metric.Int64Counter
}

// New constructs a session. Bootstrap must run before the directory holds anything.
func New(cfg Config) (*Session, error) {
	if cfg.Channel == nil {
		return nil, errs.New("session/new", errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	backlog := cfg.BacklogSize
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	dir := account.NewDirectory()
	s := &Session{
		channel:    cfg.Channel,
		client:     cfg.Client,
		isVirtual:  cfg.IsVirtual,
		residence:  cfg.Residence,
		builder:    catalog.NewBuilder(cfg.Catalog),
		dir:        dir,
		notices:    cfg.Notices,
		backlog:    observability.NewNoticeBacklog(backlog),
		reconciler: reconciler.New(dir, nil),
		allocator:  allocator.New(nil),
	}
	d, err := dispatcher.New(dispatcher.Config{
		Channel:     cfg.Channel,
		Reconciler:  s,
		Client:      cfg.Client,
		Pool:        cfg.Pool,
		Journal:     cfg.Journal,
		Selected:    s.Selected,
		TopUpAmount: cfg.TopUpAmount,
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher = d

	meter := otel.Meter("session")
	s.reconciliations, _ = meter.Int64Counter(telemetry.MetricReconciliations,
		metric.WithDescription("Number of reconciliation passes"),
		metric.WithUnit("{pass}"))
	s.omitted, _ = meter.Int64Counter(telemetry.MetricOmittedRecords,
		metric.WithDescription("Number of remote records that could be neither matched nor synthesized"),
		metric.WithUnit("{record}"))
	return s, nil
}

// ID identifies the session in logs and the action journal.
func (s *Session) ID() string { return s.dispatcher.SessionID() }

// Directory returns the session-owned account directory.
func (s *Session) Directory() *account.Directory { return s.dir }

// Slots lists the archetypes a UI shows, in key order.
func (s *Session) Slots() []account.Archetype { return s.dir.Snapshot().Slots() }

// Flags returns the aggregate flags of the latest reconciliation pass.
func (s *Session) Flags() account.Flags { return s.dir.Snapshot().Flags() }

// Servers returns the trading server snapshot taken during bootstrap.
func (s *Session) Servers() account.Servers {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.allocator.Servers()
}

// Allocation classifies the servers the type of key can be created on.
func (s *Session) Allocation(key account.Key) allocator.Allocation {
	s.recMu.Lock()
	alloc := s.allocator
	s.recMu.Unlock()
	return alloc.Allocate(s.dir.Snapshot(), key)
}

// Reconcile folds records into the directory and raises the notices the records call for.
func (s *Session) Reconcile(records []schema.LoginRecord) (reconciler.Report, error) {
	s.recMu.Lock()
	report, err := s.reconciler.Reconcile(records)
	s.recMu.Unlock()

	ctx := context.Background()
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	if s.reconciliations != nil {
		s.reconciliations.Add(ctx, 1, metric.WithAttributes(
			telemetry.ResultAttributes(telemetry.Environment(), result)...))
	}
	if err != nil {
		observability.Log().Error("reconciliation failed",
			observability.Field{Key: "session", Value: s.ID()},
			observability.Field{Key: "error", Value: err})
		return report, err
	}
	if report.Omitted > 0 && s.omitted != nil {
		s.omitted.Add(ctx, int64(report.Omitted))
	}
	observability.Log().Debug("directory reconciled",
		observability.Field{Key: "attached", Value: report.Attached},
		observability.Field{Key: "synthesized", Value: report.Synthesized},
		observability.Field{Key: "degraded", Value: report.Degraded},
		observability.Field{Key: "omitted", Value: report.Omitted})
	s.announce(records, report)
	return report, nil
}

// announce raises one notice per distinct record error and a refresh notice for the pass.
func (s *Session) announce(records []schema.LoginRecord, report reconciler.Report) {
	seen := make(map[string]struct{})
	for _, rec := range records {
		if !rec.IsError() {
			continue
		}
		notice := observability.NewNotice(observability.NoticePageError, observability.NoticeError, rec.Error.MessageToClient)
		if rec.Error.Code == schema.CodeAccountInaccessible {
			notice = observability.NewNotice(observability.NoticeServerIssue, observability.NoticeWarn, msgServerIssue)
		}
		if notice.Message == "" {
			continue
		}
		if _, dup := seen[notice.Message]; dup {
			continue
		}
		seen[notice.Message] = struct{}{}
		s.publish(notice)
	}
	refreshed := observability.NewNotice(observability.NoticeDirectoryRefreshed, observability.NoticeInfo, "")
	refreshed.Metadata = map[string]any{
		"attached":    report.Attached,
		"synthesized": report.Synthesized,
		"degraded":    report.Degraded,
		"omitted":     report.Omitted,
	}
	s.publish(refreshed)
}

// Select remembers key as the slot the client is looking at.
func (s *Session) Select(key account.Key) error {
	if !s.dir.Snapshot().Has(key) {
		return errs.New("session/select", errs.CodeNotFound,
			errs.WithMessage("account not found"), errs.WithDetail("account", key.String()))
	}
	s.selMu.Lock()
	s.selected, s.hasSelected = key, true
	s.selMu.Unlock()
	return nil
}

// Selected returns the remembered selection.
func (s *Session) Selected() (account.Key, bool) {
	s.selMu.RLock()
	defer s.selMu.RUnlock()
	return s.selected, s.hasSelected
}

// DefaultKey returns the remembered selection when it is still listed, swapping a degraded
// selection for the first healthy slot. Without a selection it returns the first slot.
func (s *Session) DefaultKey() (account.Key, bool) {
	slots := s.dir.Snapshot().Slots()
	if len(slots) == 0 {
		return account.Key{}, false
	}
	selected, ok := s.Selected()
	if !ok || !listed(slots, selected) {
		return slots[0].Key, true
	}
	if selected.IsUnknown() {
		for _, slot := range slots {
			if !slot.Key.IsUnknown() {
				return slot.Key, true
			}
		}
	}
	return selected, true
}

func listed(slots []account.Archetype, key account.Key) bool {
	for _, slot := range slots {
		if slot.Key == key {
			return true
		}
	}
	return false
}

// Notices subscribes to user-facing notices until ctx is done.
func (s *Session) Notices(ctx context.Context) (<-chan observability.Notice, error) {
	if s.notices == nil {
		return nil, errs.New("session/notices", errs.CodeUnavailable, errs.WithMessage("notices not configured"))
	}
	return s.notices.Subscribe(ctx)
}

// PendingNotices drains notices no subscriber received.
func (s *Session) PendingNotices() []observability.Notice { return s.backlog.Drain() }

func (s *Session) publish(notice observability.Notice) {
	if notice.Metadata == nil {
		notice.Metadata = map[string]any{}
	}
	notice.Metadata["session"] = s.ID()
	if s.notices == nil || s.notices.Subscribers() == 0 {
		s.backlog.Offer(notice)
		return
	}
	if err := s.notices.Publish(context.Background(), notice); err != nil {
		observability.Log().Debug("notice kept for later",
			observability.Field{Key: "type", Value: string(notice.Type)},
			observability.Field{Key: "error", Value: err})
		s.backlog.Offer(notice)
	}
}

func (s *Session) pageError(message string) {
	s.publish(observability.NewNotice(observability.NoticePageError, observability.NoticeError, message))
}
