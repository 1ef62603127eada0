// Package reconciler folds the remote account list into the account directory.
package reconciler

import (
	"strconv"
	"strings"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/display"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/observability"
)

const landingCompanyLabuan = "labuan"

// labuan is not described by the landing company payload.
var labuanCompany = account.Company{Name: "Deriv (FX) Ltd", Country: "Malaysia"}

// Report summarises one reconciliation pass.
type Report struct {
	Attached    int
	Synthesized int
	Degraded    int
	// Omitted counts records that could neither be matched nor synthesized.
	Omitted int
	Flags   account.Flags
}

// Reconciler is the only writer of the account directory.
type Reconciler struct {
	dir     *account.Directory
	servers account.Servers
}

// New constructs a reconciler writing to dir and labelling servers from the snapshot.
func New(dir *account.Directory, servers account.Servers) *Reconciler {
	return &Reconciler{dir: dir, servers: servers.Clone()}
}

// Directory returns the directory the reconciler writes.
func (r *Reconciler) Directory() *account.Directory { return r.dir }

// Seed installs catalog archetypes. Existing entries keep their remote binding.
func (r *Reconciler) Seed(archetypes []account.Archetype) error {
	return r.dir.Update(func(s *account.Scratch) error {
		for _, a := range archetypes {
			if existing, ok := s.Get(a.Key); ok {
				a.Remote = existing.Remote
			}
			s.Put(a)
		}
		return nil
	})
}

// Reconcile replaces every remote binding with the ones described by records. The pass is all-or-nothing:
// the directory is left untouched when it fails.
func (r *Reconciler) Reconcile(records []schema.LoginRecord) (Report, error) {
	var report Report
	err := r.dir.Update(func(s *account.Scratch) error {
		p := &pass{
			scratch:  s,
			servers:  r.servers,
			bound:    make(map[account.Key]string),
			reserved: reservations(s, records),
		}
		s.DetachAll()
		for i, rec := range records {
			if err := p.fold(rec); err != nil {
				return errs.New("reconciler/reconcile", errs.CodeInvalid,
					errs.WithCategory(errs.CategoryStructural), errs.WithCause(err),
					errs.WithDetail("record", strconv.Itoa(i)))
			}
		}
		s.SetFlags(p.report.Flags)
		report = p.report
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	return report, nil
}

type pass struct {
	scratch   *account.Scratch
	servers   account.Servers
	report    Report
	successes int
	// bound maps keys to the login attached during this pass.
	bound map[account.Key]string
	// reserved maps synthesized keys to the login they held before this pass, while that login is still listed.
	reserved map[account.Key]string
}

func (p *pass) fold(rec schema.LoginRecord) error {
	if rec.IsError() {
		return p.foldError(rec)
	}
	p.successes++
	p.report.Flags.HasMultipleAccounts = p.successes > 1

	key, ok := candidateKey(rec)
	if !ok {
		p.omit("unrecognised account type", rec.Login, rec.AccountType+"/"+rec.MarketType+"/"+rec.SubAccountType)
		return nil
	}

	target, ok := p.match(key, rec)
	if !ok {
		target, ok = p.synthesize(key, rec)
		if !ok {
			p.omit("no free archetype", rec.Login, key.String())
			return nil
		}
	}

	info := account.RemoteInfo{
		Login:         rec.Login,
		DisplayLogin:  display.Login(rec.Login),
		Balance:       rec.Balance,
		Currency:      rec.Currency,
		Server:        rec.Server,
		DisplayServer: p.servers.Label(rec.Server),
	}
	if err := p.scratch.Attach(target, info); err != nil {
		return err
	}
	p.bound[target] = rec.Login
	p.report.Attached++
	return nil
}

// match prefers the server-suffixed archetype over the bare one, whether it came from the catalog or
// an earlier pass.
func (p *pass) match(key account.Key, rec schema.LoginRecord) (account.Key, bool) {
	candidates := []account.Key{key}
	if server := strings.TrimSpace(rec.Server); server != "" {
		candidates = []account.Key{key.WithServer(server), key}
	}
	for _, candidate := range candidates {
		if !p.scratch.Has(candidate) {
			continue
		}
		if owner, ok := p.reserved[candidate]; ok && owner != rec.Login {
			continue
		}
		if login, taken := p.bound[candidate]; taken && login != rec.Login {
			return account.Key{}, false
		}
		return candidate, true
	}
	return account.Key{}, false
}

// reservations keeps synthesized archetypes with their previous login when a record for the same
// login and server is listed again.
func reservations(s *account.Scratch, records []schema.LoginRecord) map[account.Key]string {
	listed := make(map[account.Key]map[string]struct{})
	for _, rec := range records {
		if rec.IsError() {
			continue
		}
		key, ok := candidateKey(rec)
		server := strings.TrimSpace(rec.Server)
		if !ok || server == "" {
			continue
		}
		key = key.WithServer(server)
		if listed[key] == nil {
			listed[key] = make(map[string]struct{})
		}
		listed[key][rec.Login] = struct{}{}
	}
	out := make(map[account.Key]string)
	for _, a := range s.Archetypes() {
		if !a.Synthesized || a.Remote == nil || a.Key.IsUnknown() {
			continue
		}
		if _, ok := listed[a.Key][a.Remote.Login]; ok {
			out[a.Key] = a.Remote.Login
		}
	}
	return out
}

func (p *pass) synthesize(key account.Key, rec schema.LoginRecord) (account.Key, bool) {
	target := key
	if server := strings.TrimSpace(rec.Server); server != "" && key.Ownership == account.Real {
		target = key.WithServer(server)
	}
	if login, taken := p.bound[target]; taken && login != rec.Login {
		return account.Key{}, false
	}
	if owner, ok := p.reserved[target]; ok && owner != rec.Login {
		return account.Key{}, false
	}
	existing, exists := p.scratch.Get(target)
	if exists && !existing.Synthesized {
		// a catalog archetype here was already rejected by match.
		return account.Key{}, false
	}

	shortcode := strings.TrimSpace(rec.LandingCompanyShort)
	leverage := rec.Leverage
	if leverage == 0 {
		leverage = account.Leverage(key.Market, key.SubType, shortcode)
	}
	a := account.Archetype{
		Key:                 target,
		LandingCompanyShort: shortcode,
		Leverage:            leverage,
		Titles:              display.Titles(target),
		Synthesized:         true,
	}
	if shortcode == landingCompanyLabuan {
		company := labuanCompany
		a.Company = &company
	}
	p.scratch.Put(a)
	if !exists {
		p.report.Synthesized++
	}
	return target, true
}

func (p *pass) foldError(rec schema.LoginRecord) error {
	details := rec.Error.Details
	if details == nil || strings.TrimSpace(details.Login) == "" {
		p.omit("error record without details", "", rec.Error.Code)
		return nil
	}
	ownership, ok := account.ParseOwnership(details.AccountType)
	if !ok {
		p.omit("error record with unknown account type", details.Login, details.AccountType)
		return nil
	}
	if ownership == account.Demo {
		p.report.Flags.HasDemoError = true
	} else {
		p.report.Flags.HasRealError = true
	}

	key := account.UnknownKey(ownership, details.Login)
	if !p.scratch.Has(key) {
		p.scratch.Put(account.Placeholder(key))
	}
	info := account.RemoteInfo{
		Login:         details.Login,
		DisplayLogin:  display.Login(details.Login),
		Server:        details.Server,
		DisplayServer: p.servers.Label(details.Server),
		Error:         &account.RemoteError{Code: rec.Error.Code, Message: rec.Error.MessageToClient},
	}
	if err := p.scratch.Attach(key, info); err != nil {
		return err
	}
	p.bound[key] = details.Login
	p.report.Degraded++
	return nil
}

func (p *pass) omit(reason, login, detail string) {
	p.report.Omitted++
	observability.Log().Error("reconciler: record omitted",
		observability.Field{Key: "reason", Value: reason},
		observability.Field{Key: "login", Value: login},
		observability.Field{Key: "detail", Value: detail})
}

func candidateKey(rec schema.LoginRecord) (account.Key, bool) {
	ownership, ok := account.ParseOwnership(rec.AccountType)
	if !ok {
		return account.Key{}, false
	}
	market, ok := account.ParseMarket(rec.MarketType)
	if !ok {
		return account.Key{}, false
	}
	sub, ok := account.ParseSubType(rec.SubAccountType)
	if !ok {
		return account.Key{}, false
	}
	return account.NewKey(ownership, market, sub), true
}
