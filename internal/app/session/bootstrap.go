package session

import (
	"context"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/app/allocator"
	"github.com/coachpo/mt5desk/internal/app/catalog"
	"github.com/coachpo/mt5desk/internal/app/reconciler"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/observability"
)

const (
	msgIneligible   = "Sorry, this feature is not available in your jurisdiction."
	shortcodeIsleOM = "iom"
)

// prerequisites are the responses the directory cannot be built without.
var prerequisites = []schema.Topic{schema.TopicLandingCompany, schema.TopicAccountStatus, schema.TopicStatement}

// Bootstrap loads everything the directory is built from: the prerequisite responses, the trading
// server snapshot, limits for real clients and the account list. It then seeds the catalog and runs
// the first reconciliation. Failures raise a page-level notice.
func (s *Session) Bootstrap(ctx context.Context) (reconciler.Report, error) {
	report, err := s.bootstrap(ctx)
	if err != nil {
		observability.Log().Error("session bootstrap failed",
			observability.Field{Key: "session", Value: s.ID()},
			observability.Field{Key: "error", Value: err})
		s.pageError(errs.MessageOf(err))
		return reconciler.Report{}, err
	}
	observability.Log().Info("session bootstrapped",
		observability.Field{Key: "session", Value: s.ID()},
		observability.Field{Key: "slots", Value: len(s.Slots())},
		observability.Field{Key: "attached", Value: report.Attached})
	return report, nil
}

func (s *Session) bootstrap(ctx context.Context) (reconciler.Report, error) {
	landing := schema.NewRequest(schema.TopicLandingCompany)
	if residence := strings.TrimSpace(s.residence); residence != "" {
		landing = landing.With(string(schema.TopicLandingCompany), residence)
	}
	requests := []schema.Request{
		schema.NewRequest(schema.TopicStatement).With("limit", 1),
		landing,
		schema.NewRequest(schema.TopicAccountStatus),
	}
	p := pool.New().WithContext(ctx)
	for _, req := range requests {
		p.Go(func(ctx context.Context) error {
			_, err := s.send(ctx, req)
			return err
		})
	}
	if err := p.Wait(); err != nil {
		return reconciler.Report{}, err
	}
	if err := s.channel.WaitFor(ctx, prerequisites...); err != nil {
		return reconciler.Report{}, errs.Transport("session/bootstrap", err)
	}

	resp, err := s.send(ctx, schema.NewRequest(schema.TopicTradingServers).With("platform", "mt5"))
	if err != nil {
		return reconciler.Report{}, err
	}
	var servers []schema.TradingServerRecord
	if err := resp.Decode(&servers); err != nil {
		return reconciler.Report{}, err
	}

	lc, err := s.landingCompany()
	if err != nil {
		return reconciler.Report{}, err
	}
	if !eligible(lc) {
		return reconciler.Report{}, errs.New("session/bootstrap", errs.CodeForbidden,
			errs.WithCategory(errs.CategoryRejected), errs.WithMessage(msgIneligible))
	}
	if !s.isVirtual {
		if _, err := s.send(ctx, schema.NewRequest(schema.TopicLimits)); err != nil {
			return reconciler.Report{}, err
		}
	}

	resp, err = s.send(ctx, schema.NewRequest(schema.TopicLoginList))
	if err != nil {
		return reconciler.Report{}, err
	}
	var records []schema.LoginRecord
	if err := resp.Decode(&records); err != nil {
		return reconciler.Report{}, err
	}

	snapshot := schema.DecodeServers(servers)
	s.recMu.Lock()
	s.reconciler = reconciler.New(s.dir, snapshot)
	s.allocator = allocator.New(snapshot)
	err = s.reconciler.Seed(s.builder.Build(catalog.FromLandingCompany(lc), snapshot))
	s.recMu.Unlock()
	if err != nil {
		return reconciler.Report{}, err
	}

	report, err := s.Reconcile(records)
	if err != nil {
		return reconciler.Report{}, err
	}
	if report.Attached == 0 {
		s.publish(observability.NewNotice(observability.NoticeNoAccounts, observability.NoticeInfo, msgNoAccounts))
	}
	return report, nil
}

// send folds remote rejections into the returned error and wraps channel failures as transport errors.
func (s *Session) send(ctx context.Context, req schema.Request) (schema.Response, error) {
	resp, err := s.channel.Send(ctx, req)
	if err != nil {
		if errs.CategoryOf(err) == errs.CategoryUnknown {
			err = errs.Transport("session/"+string(req.Topic), err)
		}
		return schema.Response{}, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (s *Session) landingCompany() (schema.LandingCompany, error) {
	var lc schema.LandingCompany
	resp, ok := s.channel.Latest(schema.TopicLandingCompany)
	if !ok {
		return lc, errs.New("session/bootstrap", errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryTransport), errs.WithMessage("landing company not observed"))
	}
	if err := resp.Decode(&lc); err != nil {
		return lc, err
	}
	return lc, nil
}

// eligible reports whether the jurisdiction offers MT5 at all. Isle of Man clients with gaming
// accounts only are excluded.
func eligible(lc schema.LandingCompany) bool {
	if lc.GamingCompany != nil && lc.GamingCompany.Shortcode == shortcodeIsleOM && lc.FinancialCompany == nil {
		return false
	}
	return lc.OffersMT5()
}
