package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/adapters/fake"
	"github.com/coachpo/mt5desk/internal/app/catalog"
	"github.com/coachpo/mt5desk/internal/app/dispatcher"
	"github.com/coachpo/mt5desk/internal/app/session"
	"github.com/coachpo/mt5desk/internal/domain/account"
	"github.com/coachpo/mt5desk/internal/domain/journalstore"
	"github.com/coachpo/mt5desk/internal/domain/messaging"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/infra/channel"
	"github.com/coachpo/mt5desk/internal/infra/config"
	"github.com/coachpo/mt5desk/internal/infra/persistence/migrations"
	"github.com/coachpo/mt5desk/internal/infra/persistence/postgres"
	"github.com/coachpo/mt5desk/internal/infra/telemetry"
	"github.com/coachpo/mt5desk/internal/observability"
	"github.com/coachpo/mt5desk/lib/async"
)

const (
	shutdownTimeout          = 15 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	channelShutdownTimeout   = 2 * time.Second
	journalShutdownTimeout   = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 2 * time.Second

	memoryChannelBuffer = 16
	noticeBuffer        = 32

	offlineLoginID = "CR90000001"
	offlineEmail   = "trader@example.com"
)

type shutdownStep struct {
	name    string
	timeout time.Duration
	fn      func(context.Context) error
}

// app owns every collaborator a command needs and tears them down in reverse order.
type app struct {
	cfg     config.AppConfig
	logger  *log.Logger
	session *session.Session
	pool    *async.Pool
	remote  *fake.Remote

	notices *observability.NoticeBus
	feed    <-chan observability.Notice

	lifecycle conc.WaitGroup
	cancel    context.CancelFunc
	steps     []shutdownStep
	closeOnce sync.Once
}

func newApp(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (_ *app, err error) {
	appCtx, cancel := context.WithCancel(ctx)
	a := &app{cfg: cfg, logger: logger, cancel: cancel}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	provider, err := initTelemetry(appCtx, logger, cfg)
	if err != nil {
		return nil, err
	}
	a.onShutdown("shutting down telemetry", telemetryShutdownTimeout, provider.Shutdown)

	var journal journalstore.Store
	if cfg.Database.Enabled {
		store, err := openJournal(appCtx, logger, cfg.Database)
		if err != nil {
			return nil, err
		}
		journal = store.Journal()
		a.onShutdown("closing journal", journalShutdownTimeout, func(context.Context) error {
			store.Close()
			return nil
		})
	}

	a.notices = observability.NewNoticeBus(noticeBuffer)
	a.onShutdown("closing notices", lifecycleShutdownTimeout, func(context.Context) error {
		a.notices.Close()
		return nil
	})
	if a.feed, err = a.notices.Subscribe(appCtx); err != nil {
		return nil, err
	}

	ch, err := a.openChannel(appCtx, cfg.Channel)
	if err != nil {
		return nil, err
	}
	id, err := authorize(appCtx, ch, cfg.Channel.Mode, cfg.Session)
	if err != nil {
		return nil, err
	}

	pool, err := async.NewPool(cfg.Workers.Count(), cfg.Workers.QueueSize())
	if err != nil {
		return nil, fmt.Errorf("initialise worker pool: %w", err)
	}
	a.pool = pool
	a.onShutdown("draining background refreshes", poolShutdownTimeout, pool.Shutdown)

	sess, err := session.New(session.Config{
		Channel:     ch,
		Client:      id.client,
		IsVirtual:   id.isVirtual,
		Residence:   id.residence,
		Catalog:     catalogConfig(cfg.Session),
		Pool:        pool,
		Journal:     journal,
		TopUpAmount: cfg.Session.TopUpAmount(),
		Notices:     a.notices,
	})
	if err != nil {
		return nil, err
	}
	a.session = sess
	observability.Log().Info("session ready",
		observability.Field{Key: "session", Value: sess.ID()},
		observability.Field{Key: "login", Value: id.client.LoginID},
		observability.Field{Key: "mode", Value: string(cfg.Channel.Mode)},
		observability.Field{Key: "journal", Value: journal != nil})
	return a, nil
}

func (a *app) onShutdown(name string, timeout time.Duration, fn func(context.Context) error) {
	a.steps = append(a.steps, shutdownStep{name: name, timeout: timeout, fn: fn})
}

// drain waits for queued background refreshes so their notices are reported with the command.
func (a *app) drain() {
	if a.pool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer cancel()
	if err := a.pool.Shutdown(ctx); err != nil {
		observability.Log().Error("background refreshes still running", observability.Field{Key: "error", Value: err})
	}
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var failures []error
		for i := len(a.steps) - 1; i >= 0; i-- {
			step := a.steps[i]
			stepCtx, stepCancel := context.WithTimeout(ctx, step.timeout)
			observability.Log().Debug("shutdown: " + step.name)
			if err := step.fn(stepCtx); err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", step.name, err))
			}
			stepCancel()
		}
		a.cancel()

		done := make(chan struct{})
		go func() {
			a.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(lifecycleShutdownTimeout):
			failures = append(failures, fmt.Errorf("timeout waiting for goroutines"))
		}
		_ = observability.AggregateErrors("shutdown", failures)
	})
}

func (a *app) openChannel(ctx context.Context, cfg config.ChannelConfig) (messaging.Channel, error) {
	if cfg.Mode == config.ModeWebsocket {
		ws, err := channel.NewWebsocketChannel(ctx, channel.WebsocketConfig{
			Endpoint:             cfg.Endpoint,
			AppID:                cfg.AppID,
			Language:             cfg.Language,
			RequestsPerSecond:    cfg.RequestsPerSecond,
			Burst:                cfg.Burst,
			PingInterval:         cfg.PingInterval,
			MaxReconnectInterval: cfg.MaxReconnectInterval,
			ReadLimit:            cfg.ReadLimitBytes,
		})
		if err != nil {
			return nil, err
		}
		a.onShutdown("closing websocket", channelShutdownTimeout, func(context.Context) error {
			ws.Stop()
			return nil
		})
		if err := ws.Start(); err != nil {
			return nil, err
		}
		a.lifecycle.Go(func() { a.watchChannel(ctx, ws.Errors()) })
		return ws, nil
	}

	sess := a.cfg.Session
	a.remote = fake.NewRemote(fake.Options{
		LoginID:     firstNonEmpty(sess.LoginID, offlineLoginID),
		Email:       firstNonEmpty(sess.Email, offlineEmail),
		Currency:    sess.Currency,
		IsVirtual:   sess.IsVirtual,
		TopUpAmount: sess.TopUpAmount(),
	})
	mem := channel.NewMemoryChannel(channel.MemoryConfig{BufferSize: memoryChannelBuffer})
	a.onShutdown("closing offline channel", channelShutdownTimeout, func(context.Context) error {
		mem.Close()
		return nil
	})
	if err := mem.Serve(ctx, a.remote.Handle); err != nil {
		return nil, err
	}
	return mem, nil
}

// watchChannel turns connection errors into page-level notices until ctx ends.
func (a *app) watchChannel(ctx context.Context, failures <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-failures:
			notice := observability.NewNotice(observability.NoticePageError, observability.NoticeWarn,
				"Connection to the trading service was interrupted; reconnecting.")
			notice.Metadata = map[string]any{"error": errs.MessageOf(err)}
			if perr := a.notices.Publish(ctx, notice); perr != nil {
				observability.Log().Debug("channel notice dropped", observability.Field{Key: "error", Value: perr})
			}
		}
	}
}

// identity is who the session acts for: configuration overlaid with what authorize reported.
type identity struct {
	client    dispatcher.Client
	isVirtual bool
	residence string
}

type authorization struct {
	LoginID   string   `json:"loginid"`
	Email     string   `json:"email"`
	Currency  string   `json:"currency"`
	Fullname  string   `json:"fullname"`
	Country   string   `json:"country"`
	IsVirtual flexBool `json:"is_virtual"`
}

// flexBool accepts the 0/1 integers the API sends as well as JSON booleans.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "1", "true":
		*b = true
	case "0", "false", "null":
		*b = false
	default:
		return fmt.Errorf("is_virtual: unexpected value %s", data)
	}
	return nil
}

func authorize(ctx context.Context, ch messaging.Channel, mode config.ChannelMode, cfg config.SessionConfig) (identity, error) {
	id := identity{
		client: dispatcher.Client{
			LoginID:  cfg.LoginID,
			Email:    cfg.Email,
			Name:     cfg.Name,
			Currency: cfg.Currency,
		},
		isVirtual: cfg.IsVirtual,
		residence: cfg.Residence,
	}
	if mode == config.ModeWebsocket && cfg.APIToken == "" {
		// anonymous websocket sessions run on configuration alone.
		return id, nil
	}
	resp, err := ch.Send(ctx, schema.NewRequest(schema.TopicAuthorize).With(string(schema.TopicAuthorize), cfg.APIToken))
	if err != nil {
		return id, fmt.Errorf("authorize: %w", err)
	}
	var auth authorization
	if err := resp.Decode(&auth); err != nil {
		return id, fmt.Errorf("authorize: %w", err)
	}
	id.client.LoginID = firstNonEmpty(auth.LoginID, id.client.LoginID)
	id.client.Email = firstNonEmpty(auth.Email, id.client.Email)
	id.client.Currency = firstNonEmpty(strings.ToUpper(auth.Currency), id.client.Currency)
	id.client.Name = firstNonEmpty(id.client.Name, auth.Fullname)
	id.residence = firstNonEmpty(id.residence, auth.Country)
	id.isVirtual = id.isVirtual || bool(auth.IsVirtual)
	return id, nil
}

func catalogConfig(cfg config.SessionConfig) catalog.Config {
	subs := make([]account.SubType, 0, len(cfg.ExcludeSubAccountTypes))
	for _, raw := range cfg.ExcludeSubAccountTypes {
		if sub, ok := account.ParseSubType(raw); ok {
			subs = append(subs, sub)
		}
	}
	return catalog.Config{ExcludeSubTypes: subs}
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.MetricInterval = cfg.Telemetry.MetricInterval
	telemetryCfg.Environment = string(cfg.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if logger != nil {
		if telemetryCfg.Enabled {
			logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
		} else {
			logger.Printf("telemetry disabled")
		}
	}
	return provider, nil
}

func openJournal(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*postgres.Store, error) {
	if cfg.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.DSN, logger); err != nil {
			return nil, fmt.Errorf("journal migrations: %w", err)
		}
	}
	store, err := postgres.Open(ctx, postgres.PoolOptions{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return store, nil
}

// flushNotices prints notices nobody received followed by the ones queued on the subscription.
func (a *app) flushNotices(w io.Writer) {
	notices := a.session.PendingNotices()
	for drained := false; !drained; {
		select {
		case n, ok := <-a.feed:
			if !ok {
				drained = true
				break
			}
			notices = append(notices, n)
		default:
			drained = true
		}
	}
	for _, n := range notices {
		if n.Message == "" {
			continue
		}
		fmt.Fprintf(w, "%s %s\n", severityMark(n.Severity), n.Message)
	}
}

func severityMark(s observability.NoticeSeverity) string {
	switch s {
	case observability.NoticeError:
		return "!!"
	case observability.NoticeWarn:
		return "!"
	default:
		return "-"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
