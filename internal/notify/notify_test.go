package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/signet/internal/observability"
)

// --- CircuitBreaker ---

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestBreaker(failures, successes int, timeout time.Duration) (*CircuitBreaker, *testClock) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(failures, successes, timeout)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, 0, 0)
	if cb.failureThreshold != 5 || cb.successThreshold != 2 || cb.timeout != 30*time.Second {
		t.Errorf("defaults = %d/%d/%v, want 5/2/30s", cb.failureThreshold, cb.successThreshold, cb.timeout)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_tripsAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 1, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess() // resets the run
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_halfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, time.Minute)
	cb.RecordFailure()

	clock.t = clock.t.Add(61 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state after 1 success = %v, want half-open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state after 2 successes = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_halfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 2, time.Minute)
	cb.RecordFailure()
	clock.t = clock.t.Add(2 * time.Minute)
	_ = cb.Allow()

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
		BreakerState(9): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

// --- BreakerNotifier ---

type failingNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func TestBreakerNotifier_stopsCallingFailingService(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	next := &failingNotifier{err: errors.New("smtp relay down")}
	cb, _ := newTestBreaker(2, 1, time.Minute)
	n := NewBreakerNotifier(next, cb, m)
	ctx := context.Background()

	for range 5 {
		_ = n.Notify(ctx, Notification{Event: EventSent})
	}
	if next.calls != 2 {
		t.Errorf("downstream calls = %d, want 2", next.calls)
	}
	if n.State() != BreakerOpen {
		t.Errorf("state = %v, want open", n.State())
	}
	if v := testutil.ToFloat64(m.NotifierCircuitState); v != float64(BreakerOpen) {
		t.Errorf("circuit gauge = %v, want %v", v, float64(BreakerOpen))
	}
}

func TestBreakerNotifier_passesThrough(t *testing.T) {
	rec := NewRecorder()
	n := NewBreakerNotifier(rec, NewCircuitBreaker(1, 1, time.Minute), nil)

	if err := n.Notify(context.Background(), Notification{Event: EventCompleted, RequestID: "req-1"}); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if got := rec.ByEvent(EventCompleted); len(got) != 1 || got[0].RequestID != "req-1" {
		t.Errorf("recorded = %+v", got)
	}
}

// --- NATSNotifier ---

type fakeJetStream struct {
	subject string
	data    []byte
	opts    int
	err     error
}

func (f *fakeJetStream) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.subject = subj
	f.data = data
	f.opts = len(opts)
	if f.err != nil {
		return nil, f.err
	}
	return &nats.PubAck{Stream: "SIGNET", Sequence: 1}, nil
}

func TestNATSNotifier_publishesEnvelope(t *testing.T) {
	js := &fakeJetStream{}
	n := NewJetStreamNotifier(js, "signet.notifications")
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	err := n.Notify(context.Background(), Notification{
		ID:          "ntf-1",
		Event:       EventSent,
		RequestID:   "req-1",
		RecipientID: "rcp-1",
		AccessToken: "tok",
		OccurredAt:  at,
	})
	if err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	if js.subject != "signet.notifications.sent" {
		t.Errorf("subject = %q", js.subject)
	}
	if js.opts != 2 {
		t.Errorf("publish opts = %d, want 2 (context + msg id)", js.opts)
	}

	var env Envelope
	if err := json.Unmarshal(js.data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "signet.notifications.sent" || env.Version != EnvelopeVersion {
		t.Errorf("envelope = %+v", env)
	}
	if env.CorrelationID != "req-1" || env.Payload.RecipientID != "rcp-1" || !env.OccurredAt.Equal(at) {
		t.Errorf("envelope payload = %+v", env)
	}
}

func TestNATSNotifier_wrapsPublishError(t *testing.T) {
	js := &fakeJetStream{err: nats.ErrNoResponders}
	n := NewJetStreamNotifier(js, "")

	err := n.Notify(context.Background(), Notification{Event: EventReminder})
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Errorf("Notify error = %v, want wrapped ErrNoResponders", err)
	}
	if js.subject != "signet.notifications.reminder" {
		t.Errorf("default subject = %q", js.subject)
	}
}

func TestNATSNotifier_cancelledContext(t *testing.T) {
	js := &fakeJetStream{}
	n := NewJetStreamNotifier(js, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := n.Notify(ctx, Notification{Event: EventSent}); !errors.Is(err, context.Canceled) {
		t.Errorf("Notify error = %v, want context.Canceled", err)
	}
	if js.subject != "" {
		t.Error("published despite cancelled context")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	_ = r.Notify(ctx, Notification{Event: EventSent})
	_ = r.Notify(ctx, Notification{Event: EventReminder})
	_ = r.Notify(ctx, Notification{Event: EventSent})

	if len(r.Sent()) != 3 || len(r.ByEvent(EventSent)) != 2 {
		t.Errorf("Sent=%d ByEvent(sent)=%d", len(r.Sent()), len(r.ByEvent(EventSent)))
	}
	r.Reset()
	if len(r.Sent()) != 0 {
		t.Error("Reset did not clear recorder")
	}
	if err := (Noop{}).Notify(ctx, Notification{}); err != nil {
		t.Errorf("Noop error: %v", err)
	}
}
