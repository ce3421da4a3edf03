// README: Firebase Cloud Messaging notifier. Each user's devices subscribe to the topic "user-<id>".
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/types"
)

// Sender is the subset of the FCM client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCM struct {
	client Sender
	log    logrus.FieldLogger
}

func NewFCM(client Sender, log logrus.FieldLogger) *FCM {
	return &FCM{client: client, log: log}
}

var titles = map[Event]string{
	EventRescueOffer:     "New rescue request nearby",
	EventRescueAccepted:  "A driver is on the way",
	EventRescueStatus:    "Rescue update",
	EventRescueCancelled: "Rescue cancelled",
	EventRescueCompleted: "Rescue completed",
	EventPaymentFailed:   "Payment failed",
}

func Topic(userID types.ID) string {
	return "user-" + string(userID)
}

func buildMessage(userID types.ID, event Event, payload map[string]string) *messaging.Message {
	data := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data["type"] = string(event)

	title, ok := titles[event]
	if !ok {
		title = string(event)
	}
	return &messaging.Message{
		Topic:        Topic(userID),
		Data:         data,
		Notification: &messaging.Notification{Title: title, Body: payload["body"]},
		Android:      &messaging.AndroidConfig{Priority: "high"},
	}
}

func (f *FCM) Notify(ctx context.Context, userID types.ID, event Event, payload map[string]string) error {
	id, err := f.client.Send(ctx, buildMessage(userID, event, payload))
	if err != nil {
		return fmt.Errorf("sending FCM to %s: %w", Topic(userID), err)
	}
	f.log.WithFields(logrus.Fields{"user_id": userID, "event": event, "message_id": id}).Debug("FCM sent")
	return nil
}
