// Package audit records the append-only activity ledger of signing
// workflows.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/signet/internal/observability"
	"github.com/pitabwire/signet/model"
)

// Entry is an audit record before it is stamped with an ID and timestamp.
type Entry struct {
	Action     string
	ActorID    string
	DocumentID string
	RequestID  string
	Details    map[string]any
	IPAddress  string
	UserAgent  string
}

// Sink persists activity logs.
type Sink interface {
	Write(ctx context.Context, log model.ActivityLog) error
}

// Reader reads back activity logs of a request in ULID order.
type Reader interface {
	List(ctx context.Context, requestID string) ([]model.ActivityLog, error)
}

// DefaultPendingCapacity bounds the retry buffer.
const DefaultPendingCapacity = 10000

// Trail stamps and writes audit entries. A failing sink never fails the
// mutation being audited: the entry is buffered and retried by Flush.
type Trail struct {
	sink    Sink
	reader  Reader
	pending *RingBuffer
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	flushMu sync.Mutex
}

// Option configures a Trail.
type Option func(*Trail)

// WithLogger sets the logger used for sink failures.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trail) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Trail) { t.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithPendingCapacity bounds how many failed writes are kept for retry.
func WithPendingCapacity(n int) Option {
	return func(t *Trail) { t.pending = NewRingBuffer(n) }
}

// WithReader sets the reader used by List. When unset, the sink is used if it
// implements Reader.
func WithReader(r Reader) Option {
	return func(t *Trail) { t.reader = r }
}

// NewTrail creates a Trail writing to sink.
func NewTrail(sink Sink, opts ...Option) *Trail {
	t := &Trail{
		sink:    sink,
		pending: NewRingBuffer(DefaultPendingCapacity),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	if r, ok := sink.(Reader); ok {
		t.reader = r
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record validates and writes an entry, returning the stamped log. It fails
// only with INVALID_AUDIT; sink errors are absorbed into the retry buffer.
func (t *Trail) Record(ctx context.Context, e Entry) (model.ActivityLog, error) {
	if strings.TrimSpace(e.Action) == "" {
		return model.ActivityLog{}, model.NewInvalidAuditError("audit action is required")
	}
	if strings.TrimSpace(e.ActorID) == "" {
		return model.ActivityLog{}, model.NewInvalidAuditError("audit actor is required")
	}

	now := t.now().UTC()
	log := model.ActivityLog{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Action:     e.Action,
		ActorID:    e.ActorID,
		DocumentID: e.DocumentID,
		RequestID:  e.RequestID,
		Details:    copyDetails(e.Details),
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
		CreatedAt:  now,
	}

	if err := t.sink.Write(ctx, log); err != nil {
		t.logger.Warn("audit sink write failed, buffering entry",
			zap.String("audit_id", log.ID),
			zap.String("action", log.Action),
			zap.String("request_id", log.RequestID),
			zap.Error(err),
		)
		t.logger.Debug("buffered audit entry", observability.Redacted("details", log.Details))
		t.metrics.RecordAuditWriteFailure(log.Action)
		if dropped := t.pending.Enqueue(log); dropped {
			t.metrics.RecordAuditDropped()
		}
		t.metrics.SetAuditPending(t.pending.Len())
	}
	return log, nil
}

// Flush retries buffered entries in order and returns how many were written.
// It stops at the first failure, keeping that entry and the rest buffered.
// Concurrent calls run one after another.
func (t *Trail) Flush(ctx context.Context) (int, error) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	written := 0
	defer func() { t.metrics.SetAuditPending(t.pending.Len()) }()

	for {
		log, ok := t.pending.Peek()
		if !ok {
			return written, nil
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := t.sink.Write(ctx, log); err != nil {
			return written, fmt.Errorf("flush audit entry %s: %w", log.ID, err)
		}
		t.pending.DropOldest(log.ID)
		written++
	}
}

// Pending returns the number of entries waiting for retry.
func (t *Trail) Pending() int {
	return t.pending.Len()
}

// List returns the activity of a request in chronological order.
func (t *Trail) List(ctx context.Context, requestID string) ([]model.ActivityLog, error) {
	if t.reader == nil {
		return nil, model.NewInvalidStateError("audit sink does not support reads")
	}
	return t.reader.List(ctx, requestID)
}

func copyDetails(d map[string]any) map[string]any {
	if len(d) == 0 {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
