// Package channel provides messaging channel implementations: in-process and websocket.
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/mt5desk/errs"
	"github.com/coachpo/mt5desk/internal/domain/messaging"
	"github.com/coachpo/mt5desk/internal/domain/schema"
)

// Message encapsulates a request and the reply channel handed to consumers.
type Message struct {
	Request schema.Request
	Reply   chan<- schema.Response
}

// Handler answers a request in-process.
type Handler func(ctx context.Context, req schema.Request) schema.Response

// MemoryConfig configures the in-memory channel buffer sizing.
type MemoryConfig struct {
	BufferSize int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1
	}
	return c
}

// MemoryChannel is an in-process messaging channel backed by bounded queues.
type MemoryChannel struct {
	*messaging.Tracker

	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	reqID atomic.Uint64

	mu        sync.RWMutex
	consumers []*consumer
	once      sync.Once
}

type consumer struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Message
	once   sync.Once
}

// NewMemoryChannel constructs a memory-backed channel.
func NewMemoryChannel(cfg MemoryConfig) *MemoryChannel {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	ch := new(MemoryChannel)
	ch.Tracker = messaging.NewTracker()
	ch.cfg = cfg
	ch.ctx = ctx
	ch.cancel = cancel
	return ch
}

// Send enqueues the request to the first live consumer and waits for the reply.
func (c *MemoryChannel) Send(ctx context.Context, req schema.Request) (schema.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := req.Validate(); err != nil {
		return schema.Response{}, err
	}
	req.ReqID = c.reqID.Add(1)
	reply := make(chan schema.Response, 1)
	message := Message{Request: req, Reply: reply}

	c.mu.RLock()
	consumers := append([]*consumer(nil), c.consumers...)
	c.mu.RUnlock()
	if len(consumers) == 0 {
		return schema.Response{}, unavailable("no consumers available")
	}

	for _, con := range consumers {
		if con == nil || con.ctx.Err() != nil {
			continue
		}
		if err := c.enqueue(ctx, con, message); err != nil {
			return schema.Response{}, err
		}
		resp, err := c.awaitReply(ctx, reply)
		if err != nil {
			return schema.Response{}, err
		}
		if resp.MsgType == "" {
			resp.MsgType = req.Topic
		}
		resp = resp.WithReqID(req.ReqID)
		c.Observe(resp)
		return resp, nil
	}
	return schema.Response{}, unavailable("no active consumers")
}

func (c *MemoryChannel) awaitReply(ctx context.Context, reply <-chan schema.Response) (schema.Response, error) {
	select {
	case <-ctx.Done():
		return schema.Response{}, fmt.Errorf("await reply context: %w", ctx.Err())
	case <-c.ctx.Done():
		return schema.Response{}, unavailable("channel closed")
	case resp := <-reply:
		return resp, nil
	}
}

// Consume registers a consumer backed by a bounded queue.
func (c *MemoryChannel) Consume(ctx context.Context) (<-chan Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.ctx.Err() != nil {
		return nil, unavailable("channel closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	con := new(consumer)
	con.ctx = ctx
	con.cancel = cancel
	con.ch = make(chan Message, c.cfg.BufferSize)

	c.mu.Lock()
	c.consumers = append(c.consumers, con)
	c.mu.Unlock()

	go c.observe(con)
	return con.ch, nil
}

// Serve registers a consumer and answers every request with handler until ctx is done.
// Requests are answered concurrently, so a handler that never returns stalls only its own caller.
func (c *MemoryChannel) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errs.New("channel/serve", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	messages, err := c.Consume(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range messages {
			go func(m Message) {
				m.Reply <- handler(ctx, m.Request)
			}(msg)
		}
	}()
	return nil
}

// Close shuts down the channel.
func (c *MemoryChannel) Close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		for _, con := range c.consumers {
			if con != nil {
				con.close()
			}
		}
		c.consumers = nil
		c.mu.Unlock()
	})
}

func (c *MemoryChannel) observe(con *consumer) {
	<-con.ctx.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, candidate := range c.consumers {
		if candidate == con {
			c.consumers = append(c.consumers[:i], c.consumers[i+1:]...)
			break
		}
	}
	con.close()
}

func (c *MemoryChannel) enqueue(ctx context.Context, con *consumer, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// consumer closed its queue between the liveness check and the send.
			err = unavailable("consumer closed")
		}
	}()
	select {
	case <-c.ctx.Done():
		return unavailable("channel closed")
	case <-ctx.Done():
		return fmt.Errorf("enqueue context: %w", ctx.Err())
	case <-con.ctx.Done():
		return unavailable("consumer closed")
	case con.ch <- msg:
		return nil
	default:
		return unavailable("consumer queue full")
	}
}

func (c *consumer) close() {
	c.once.Do(func() {
		c.cancel()
		close(c.ch)
	})
}

func unavailable(msg string) error {
	return errs.New("channel/send", errs.CodeUnavailable, errs.WithCategory(errs.CategoryTransport), errs.WithMessage(msg))
}

var _ messaging.Channel = (*MemoryChannel)(nil)
