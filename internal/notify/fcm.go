// README: FCM push notifications for back-office devices.
package notify

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"firebase.google.com/go/v4/messaging"

	"entrega/internal/modules/route"
	"entrega/internal/types"
)

// FCMNotifier publishes delivery events to a per-batch topic. Back-office
// devices subscribe to "batch-<id>" when they open the tracking screen.
type FCMNotifier struct {
	msg *messaging.Client
}

func NewFCMNotifier(msg *messaging.Client) *FCMNotifier {
	return &FCMNotifier{msg: msg}
}

// DeliveryCompleted notifies subscribers of the batch topic that a stop was
// delivered. Failures are the caller's to log; nothing here is load-bearing
// for route or order state.
func (n *FCMNotifier) DeliveryCompleted(ctx context.Context, batchID types.ID, stop route.Assignment) error {
	name := stop.DisplayName
	if name == "" {
		name = stop.Address
	}

	msg := &messaging.Message{
		Topic: topicFor(batchID),
		Data: map[string]string{
			"type":       "delivery_completed",
			"batch_id":   string(batchID),
			"courier_id": strconv.Itoa(stop.CourierID),
			"sequence":   strconv.Itoa(stop.Sequence),
			"address":    stop.Address,
		},
		Notification: &messaging.Notification{
			Title: "Delivery completed",
			Body:  fmt.Sprintf("Courier %d delivered to %s", stop.CourierID, name),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	messageID, err := n.msg.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM for batch %s: %w", batchID, err)
	}

	log.Printf("FCM sent for batch %s, message_id=%s", batchID, messageID)
	return nil
}

func topicFor(batchID types.ID) string {
	return "batch-" + string(batchID)
}
