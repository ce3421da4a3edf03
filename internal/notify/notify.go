// Package notify is the notification gateway port. Sends are fire-and-forget
// from the engine's point of view.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"supportcarr/internal/metrics"
	"supportcarr/internal/types"
)

type Event string

const (
	EventRescueOffer     Event = "rescue.offer"
	EventRescueAccepted  Event = "rescue.accepted"
	EventRescueAssigned  Event = "rescue.assigned"
	EventRescueStatus    Event = "rescue.status"
	EventRescueCancelled Event = "rescue.cancelled"
	EventRescueCompleted Event = "rescue.completed"
	EventPaymentFailed   Event = "payment.failed"
)

type Notifier interface {
	Notify(ctx context.Context, userID types.ID, event Event, payload map[string]string) error
}

const sendTimeout = 5 * time.Second

// Async sends on a background goroutine detached from the caller's
// cancellation. Errors are logged and counted.
func Async(ctx context.Context, n Notifier, log logrus.FieldLogger, userID types.ID, event Event, payload map[string]string) {
	if n == nil || userID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := n.Notify(ctx, userID, event, payload); err != nil {
			metrics.NotificationFailures.Inc()
			log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "event": event}).Warn("notification failed")
		}
	}()
}

// Log writes notifications to the logger instead of a device.
type Log struct {
	Logger logrus.FieldLogger
}

func (l Log) Notify(_ context.Context, userID types.ID, event Event, payload map[string]string) error {
	fields := logrus.Fields{"user_id": userID, "event": event}
	for k, v := range payload {
		fields["payload_"+k] = v
	}
	l.Logger.WithFields(fields).Info("notification")
	return nil
}

type Sent struct {
	UserID  types.ID
	Event   Event
	Payload map[string]string
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

func (r *Recorder) Notify(_ context.Context, userID types.ID, event Event, payload map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{UserID: userID, Event: event, Payload: payload})
	return r.Err
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// To returns what userID received.
func (r *Recorder) To(userID types.ID) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sent
	for _, s := range r.sent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}
