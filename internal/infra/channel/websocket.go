package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/domain/messaging"
	"github.com/coachpo/mt5desk/internal/domain/schema"
	"github.com/coachpo/mt5desk/internal/infra/telemetry"
	"github.com/coachpo/mt5desk/internal/observability"
)

const (
	defaultPingInterval         = 30 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultDialTimeout          = 10 * time.Second
	defaultMaxReconnectInterval = 20 * time.Second
	defaultReadLimit            = 4 * 1024 * 1024
	defaultRequestsPerSecond    = 10
	defaultBurst                = 5
)

// WebsocketConfig configures the websocket channel.
type WebsocketConfig struct {
	Endpoint             string
	AppID                string
	Language             string
	RequestsPerSecond    float64
	Burst                int
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	DialTimeout          time.Duration
	MaxReconnectInterval time.Duration
	ReadLimit            int64
}

func (c WebsocketConfig) normalize() WebsocketConfig {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// URL renders the endpoint with the app_id and language query parameters.
func (c WebsocketConfig) URL() (string, error) {
	if c.Endpoint == "" {
		return "", errs.New("channel/websocket", errs.CodeInvalid, errs.WithMessage("endpoint required"))
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", errs.New("channel/websocket", errs.CodeInvalid, errs.WithCause(err), errs.WithMessage("invalid endpoint"))
	}
	q := u.Query()
	if c.AppID != "" {
		q.Set("app_id", c.AppID)
	}
	if c.Language != "" {
		q.Set("l", strings.ToUpper(c.Language))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type result struct {
	resp schema.Response
	err  error
}

// WebsocketChannel correlates requests and responses over a single websocket by req_id.
type WebsocketChannel struct {
	*messaging.Tracker

	cfg     WebsocketConfig
	url     string
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	reqID     atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan result

	errorChan chan error

	ready     chan struct{}
	readyOnce sync.Once

	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	connections metric.Int64UpDownCounter
}

// NewWebsocketChannel constructs an unstarted websocket channel.
func NewWebsocketChannel(ctx context.Context, cfg WebsocketConfig) (*WebsocketChannel, error) {
	cfg = cfg.normalize()
	target, err := cfg.URL()
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	channelCtx, cancel := context.WithCancel(ctx)
	c := &WebsocketChannel{
		Tracker:   messaging.NewTracker(),
		cfg:       cfg,
		url:       target,
		ctx:       channelCtx,
		cancel:    cancel,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		pending:   make(map[uint64]chan result),
		errorChan: make(chan error, 16),
		ready:     make(chan struct{}),
	}

	meter := otel.Meter("channel")
	c.requests, _ = meter.Int64Counter(telemetry.MetricChannelRequests,
		metric.WithDescription("Number of requests sent over the channel, by topic and result"),
		metric.WithUnit("{request}"))
	c.duration, _ = meter.Float64Histogram(telemetry.MetricChannelDuration,
		metric.WithDescription("Round-trip time of channel requests"),
		metric.WithUnit("ms"))
	c.connections, _ = meter.Int64UpDownCounter(telemetry.MetricConnections,
		metric.WithDescription("Number of open websocket connections"),
		metric.WithUnit("{connection}"))
	return c, nil
}

// Start dials the endpoint and keeps the connection alive until Stop.
func (c *WebsocketChannel) Start() error {
	go func() {
		if err := c.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.reportError(fmt.Errorf("websocket channel: %w", err))
		}
	}()

	timer := time.NewTimer(c.cfg.DialTimeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return nil
	case <-timer.C:
		return errs.New("channel/websocket", errs.CodeUnavailable, errs.WithCategory(errs.CategoryTransport),
			errs.WithMessage("timeout waiting for websocket connection"))
	case <-c.ctx.Done():
		return fmt.Errorf("websocket context done: %w", c.ctx.Err())
	}
}

// Stop closes the connection and fails pending requests.
func (c *WebsocketChannel) Stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	c.failPending(unavailable("channel closed"))
}

// Errors exposes asynchronous connection errors.
func (c *WebsocketChannel) Errors() <-chan error { return c.errorChan }

// Send writes the request and waits for the response carrying the same req_id.
func (c *WebsocketChannel) Send(ctx context.Context, req schema.Request) (resp schema.Response, err error) {
	start := time.Now()
	defer func() { c.recordRequest(req.Topic, resp, err, time.Since(start)) }()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := req.Validate(); err != nil {
		return schema.Response{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return schema.Response{}, fmt.Errorf("request throttle: %w", err)
	}

	req.ReqID = c.reqID.Add(1)
	wait := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[req.ReqID] = wait
	c.pendingMu.Unlock()
	defer c.forget(req.ReqID)

	data, err := json.Marshal(req)
	if err != nil {
		return schema.Response{}, fmt.Errorf("marshal %s request: %w", req.Topic, err)
	}
	if err := c.write(ctx, data); err != nil {
		return schema.Response{}, errs.Transport("channel/send", err)
	}

	select {
	case <-ctx.Done():
		return schema.Response{}, fmt.Errorf("await %s response: %w", req.Topic, ctx.Err())
	case <-c.ctx.Done():
		return schema.Response{}, unavailable("channel closed")
	case res := <-wait:
		if res.err != nil {
			return schema.Response{}, res.err
		}
		c.Observe(res.resp)
		return res.resp, nil
	}
}

func (c *WebsocketChannel) recordRequest(topic schema.Topic, resp schema.Response, err error, elapsed time.Duration) {
	result := telemetry.ResultSuccess
	if err != nil || resp.Error != nil {
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(telemetry.ChannelAttributes(telemetry.Environment(), string(topic), result)...)
	if c.requests != nil {
		c.requests.Add(context.Background(), 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(context.Background(), float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (c *WebsocketChannel) connectionChanged(delta int64, state string) {
	if c.connections == nil {
		return
	}
	c.connections.Add(context.Background(), delta,
		metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.Environment(), state)...))
}

func (c *WebsocketChannel) write(ctx context.Context, data []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

func (c *WebsocketChannel) forget(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *WebsocketChannel) deliver(id uint64, res result) bool {
	c.pendingMu.Lock()
	wait, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	wait <- res
	return true
}

func (c *WebsocketChannel) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan result)
	c.pendingMu.Unlock()
	for _, wait := range pending {
		wait <- result{err: err}
	}
}

func (c *WebsocketChannel) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.cfg.MaxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			c.reportError(fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err))
			if !c.sleep(backoffCfg.NextBackOff()) {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(c.cfg.ReadLimit)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.readyOnce.Do(func() {
			close(c.ready)
		})
		backoffCfg.Reset()
		c.connectionChanged(1, "connected")
		observability.Log().Info("websocket connected", observability.Field{Key: "endpoint", Value: c.cfg.Endpoint})

		connCtx, connCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- c.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- c.pingLoop(connCtx)
		}()

		firstErr := <-errCh
		connCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)
		c.connectionChanged(-1, "disconnected")

		// requests written on the dropped connection will never be answered.
		c.failPending(errs.Transport("channel/receive", errors.New("connection lost")))

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) && !errors.Is(firstErr, context.DeadlineExceeded) {
			c.reportError(fmt.Errorf("websocket connection loop: %w", firstErr))
		}
		if !c.sleep(backoffCfg.NextBackOff()) {
			return context.Canceled
		}
	}
}

func (c *WebsocketChannel) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = c.cfg.MaxReconnectInterval
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *WebsocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		resp, err := schema.DecodeResponse(data)
		if err != nil {
			var probe struct {
				ReqID uint64 `json:"req_id"`
			}
			if json.Unmarshal(data, &probe) == nil && probe.ReqID != 0 {
				c.deliver(probe.ReqID, result{err: err})
				continue
			}
			c.reportError(fmt.Errorf("decode websocket message: %w", err))
			continue
		}
		if resp.MsgType == schema.TopicPing {
			continue
		}
		if resp.ReqID != 0 && c.deliver(resp.ReqID, result{resp: resp}) {
			continue
		}
		// unsolicited or late response: keep it observable for WaitFor.
		c.Observe(resp)
	}
}

func (c *WebsocketChannel) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			data, err := json.Marshal(schema.NewRequest(schema.TopicPing))
			if err != nil {
				return fmt.Errorf("marshal ping: %w", err)
			}
			if err := c.write(ctx, data); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (c *WebsocketChannel) reportError(err error) {
	if err == nil {
		return
	}
	observability.Log().Error("websocket channel error", observability.Field{Key: "error", Value: err.Error()})
	select {
	case <-c.ctx.Done():
	case c.errorChan <- err:
	default:
	}
}

var _ messaging.Channel = (*WebsocketChannel)(nil)
