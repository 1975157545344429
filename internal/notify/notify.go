// Package notify delivers signing workflow events to the external
// notification service.
package notify

import (
	"context"
	"sync"
	"time"
)

// Event names published for a signing workflow.
type Event string

// Notification events.
const (
	EventSent             Event = "sent"
	EventReminder         Event = "reminder"
	EventVerificationCode Event = "verification_code"
	EventCompleted        Event = "completed"
	EventDeclined         Event = "declined"
	EventCancelled        Event = "cancelled"
	EventExpired          Event = "expired"
)

// Notification is one message for one recipient (or for the owner when
// RecipientID is empty).
type Notification struct {
	ID               string     `json:"id"`
	Event            Event      `json:"event"`
	RequestID        string     `json:"requestId"`
	DocumentID       string     `json:"documentId"`
	Title            string     `json:"title"`
	Message          string     `json:"message,omitempty"`
	OwnerID          string     `json:"ownerId"`
	RecipientID      string     `json:"recipientId,omitempty"`
	RecipientEmail   string     `json:"recipientEmail,omitempty"`
	RecipientName    string     `json:"recipientName,omitempty"`
	PhoneNumber      string     `json:"phoneNumber,omitempty"`
	Channels         []string   `json:"channels,omitempty"`
	AccessToken      string     `json:"accessToken,omitempty"`
	VerificationCode string     `json:"verificationCode,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	DueDate          *time.Time `json:"dueDate,omitempty"`
	OccurredAt       time.Time  `json:"occurredAt"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Noop discards every notification.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Notification) error { return nil }

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns all recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// ByEvent returns the recorded notifications for one event.
func (r *Recorder) ByEvent(e Event) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if n.Event == e {
			out = append(out, n)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
