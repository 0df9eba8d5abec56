// Package notify turns notable task mutations into durable notifications and
// best-effort live events. The ledger write always happens before the live
// delivery attempt, so an offline recipient can never lose a notification.
package notify

import (
	"context"
	"fmt"
	"time"

	"taskhub/api/internal/bus"
	"taskhub/api/internal/store"
	"taskhub/api/internal/util"
)

// Ledger is the durable notification store.
type Ledger interface {
	InsertNotification(ctx context.Context, n store.Notification) error
}

type Notifier struct {
	ledger   Ledger
	registry *bus.Registry
}

func New(ledger Ledger, registry *bus.Registry) *Notifier {
	return &Notifier{ledger: ledger, registry: registry}
}

// TaskAssigned records an assignment notification for the task's assignee
// and then attempts live delivery. The returned outcome is informational:
// Queued just means nobody was connected, and the ledger row already exists
// either way. Callers must not treat Queued as a failure.
func (n *Notifier) TaskAssigned(ctx context.Context, task store.Task, sender store.User) (store.Notification, bus.Outcome, error) {
	if task.AssignedTo == nil {
		return store.Notification{}, bus.Queued, fmt.Errorf("task %s has no assignee", task.ID)
	}

	senderID := sender.ID
	notification := store.Notification{
		ID:          util.NewID("ntf"),
		RecipientID: *task.AssignedTo,
		SenderID:    &senderID,
		SenderName:  sender.DisplayName,
		TaskID:      task.ID,
		Message:     fmt.Sprintf("%s assigned you the task %q", sender.DisplayName, task.Title),
		CreatedAt:   time.Now(),
	}

	// Durable record first. If this fails the mutation caller sees the
	// error and no live event is emitted.
	if err := n.ledger.InsertNotification(ctx, notification); err != nil {
		return store.Notification{}, bus.Queued, fmt.Errorf("record notification: %w", err)
	}

	outcome := n.registry.Send(notification.RecipientID, bus.Event{
		EventID:    notification.ID,
		Message:    notification.Message,
		TaskID:     task.ID,
		SenderID:   sender.ID,
		SenderName: sender.DisplayName,
		CreatedAt:  notification.CreatedAt,
	})
	return notification, outcome, nil
}
