package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/mt5desk/errs"
)

// NoticeSeverity grades a user-facing notice.
type NoticeSeverity string

const (
	NoticeInfo  NoticeSeverity = "INFO"
	NoticeWarn  NoticeSeverity = "WARN"
	NoticeError NoticeSeverity = "ERROR"
)

// NoticeType enumerates the notices a session raises for its UI.
type NoticeType string

const (
	// NoticePageError is a page-level banner: transport failure, ineligible jurisdiction, list failure.
	NoticePageError NoticeType = "page.error"
	// NoticeServerIssue reports remote accounts that are temporarily inaccessible.
	NoticeServerIssue NoticeType = "server.issue"
	// NoticeDirectoryRefreshed follows every reconciliation pass.
	NoticeDirectoryRefreshed NoticeType = "directory.refreshed"
	// NoticeStaleResult reports a late result for a slot that is no longer selected.
	NoticeStaleResult NoticeType = "result.stale"
	// NoticeNoAccounts invites a client without MT5 accounts to create one.
	NoticeNoAccounts NoticeType = "accounts.none"
)

// Notice is one event published to the UI.
type Notice struct {
	ID        string         `json:"id"`
	Type      NoticeType     `json:"type"`
	Severity  NoticeSeverity `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewNotice stamps a notice with an id and the current time.
func NewNotice(kind NoticeType, severity NoticeSeverity, message string) Notice {
	return Notice{
		ID:        uuid.NewString(),
		Type:      kind,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// NoticeBus fans notices out to subscribers with bounded buffers. Publish never blocks: a full
// subscriber yields an error and the caller decides what to do with the notice.
type NoticeBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*noticeSubscriber
	shutdown sync.Once
}

type noticeSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Notice
	once   sync.Once
}

// NewNoticeBus constructs a bus; buffer <= 0 defaults to 16.
func NewNoticeBus(buffer int) *NoticeBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NoticeBus{ctx: ctx, cancel: cancel, buffer: buffer}
}

// Publish delivers notice to every live subscriber.
func (b *NoticeBus) Publish(ctx context.Context, notice Notice) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	subs := append([]*noticeSubscriber(nil), b.subs...)
	b.mu.RUnlock()
	var failed error
	for _, sub := range subs {
		if err := b.deliver(ctx, sub, notice); err != nil && failed == nil {
			failed = err
		}
	}
	return failed
}

// Subscribe registers a subscriber that lives until ctx is done or the bus closes.
func (b *NoticeBus) Subscribe(ctx context.Context) (<-chan Notice, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return nil, errs.New("notices/subscribe", errs.CodeUnavailable, errs.WithMessage("notice bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &noticeSubscriber{ctx: ctx, cancel: cancel, ch: make(chan Notice, b.buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.observe(sub)
	return sub.ch, nil
}

// Subscribers counts the live subscribers.
func (b *NoticeBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down and closes subscriber channels.
func (b *NoticeBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for _, sub := range b.subs {
			sub.close()
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

func (b *NoticeBus) deliver(ctx context.Context, sub *noticeSubscriber, notice Notice) (err error) {
	defer func() {
		// subscriber closed between the snapshot and the send.
		if r := recover(); r != nil {
			err = nil
		}
	}()
	if sub.ctx.Err() != nil {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return errs.New("notices/publish", errs.CodeUnavailable, errs.WithMessage("notice bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("notice publish context: %w", ctx.Err())
	case sub.ch <- cloneNotice(notice):
		return nil
	default:
		return errs.New("notices/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (b *NoticeBus) observe(sub *noticeSubscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	for i, candidate := range b.subs {
		if candidate == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *noticeSubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

func cloneNotice(n Notice) Notice {
	clone := n
	if len(n.Metadata) > 0 {
		clone.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// NoticeBacklog keeps notices that could not be delivered. Capacity <= 0 means unbounded.
type NoticeBacklog struct {
	mu       sync.Mutex
	capacity int
	notices  []Notice
}

// NewNoticeBacklog creates a backlog holding at most capacity notices.
func NewNoticeBacklog(capacity int) *NoticeBacklog {
	return &NoticeBacklog{capacity: capacity}
}

// Offer records notice, dropping the oldest one when full.
func (q *NoticeBacklog) Offer(notice Notice) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.notices) >= q.capacity {
		copy(q.notices, q.notices[1:])
		q.notices[len(q.notices)-1] = cloneNotice(notice)
		return
	}
	q.notices = append(q.notices, cloneNotice(notice))
}

// Drain returns and clears the backlog.
func (q *NoticeBacklog) Drain() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Notice, len(q.notices))
	copy(out, q.notices)
	q.notices = q.notices[:0]
	return out
}

// Len returns the number of held notices.
func (q *NoticeBacklog) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.notices)
}
