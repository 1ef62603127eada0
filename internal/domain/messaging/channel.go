// Package messaging defines the request/response channel the engine observes and mutates remote state through.
package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/mt5desk/internal/domain/schema"
)

// Channel is the single asynchronous request/response primitive.
//
// Send returns an error only when the request could not be delivered or its response could not be
// decoded; remote rejections come back as a Response carrying an APIError.
type Channel interface {
	Send(ctx context.Context, req schema.Request) (schema.Response, error)
	// WaitFor blocks until each topic has been observed at least once this session.
	WaitFor(ctx context.Context, topics ...schema.Topic) error
	// Latest returns the most recent response observed for topic.
	Latest(topic schema.Topic) (schema.Response, bool)
}

// Tracker records observed responses per topic and releases waiters. Channel implementations embed it.
type Tracker struct {
	mu      sync.Mutex
	latest  map[schema.Topic]schema.Response
	changed chan struct{}
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		latest:  make(map[schema.Topic]schema.Response),
		changed: make(chan struct{}),
	}
}

// Observe records resp as the latest response for its topic.
func (t *Tracker) Observe(resp schema.Response) {
	if resp.MsgType == "" {
		return
	}
	t.mu.Lock()
	t.latest[resp.MsgType] = resp
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

// Latest returns the last observed response for topic.
func (t *Tracker) Latest(topic schema.Topic) (schema.Response, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp, ok := t.latest[topic]
	return resp, ok
}

// WaitFor blocks until every topic has been observed or ctx is done.
func (t *Tracker) WaitFor(ctx context.Context, topics ...schema.Topic) error {
	for {
		t.mu.Lock()
		missing := false
		for _, topic := range topics {
			if _, ok := t.latest[topic]; !ok {
				missing = true
				break
			}
		}
		changed := t.changed
		t.mu.Unlock()
		if !missing {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %v: %w", topics, ctx.Err())
		case <-changed:
		}
	}
}
