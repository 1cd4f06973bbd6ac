package payment

import (
	"context"
	"time"

	"github.com/mbd888/jobescrow/internal/idgen"
)

// EventType identifies a domain event.
type EventType string

const (
	EventPaymentCreated     EventType = "payment.created"
	EventPaymentEscrowed    EventType = "payment.escrowed"
	EventPaymentReleased    EventType = "payment.released"
	EventPaymentRefunded    EventType = "payment.refunded"
	EventPaymentDisputed    EventType = "payment.disputed"
	EventPaymentCancelled   EventType = "payment.cancelled"
	EventMilestoneCompleted EventType = "milestone.completed"
	EventMilestoneApproved  EventType = "milestone.approved"
	EventMilestonePaid      EventType = "milestone.paid"
)

// Notification is the notification type a collaborator should raise for an
// event. Empty for audit-only events.
type Notification string

const (
	NotifyPaymentSent     Notification = "payment_sent"
	NotifyPaymentReceived Notification = "payment_received"
	NotifyPaymentFailed   Notification = "payment_failed"
)

// NotificationFor maps an event type to its notification type.
func NotificationFor(t EventType) Notification {
	switch t {
	case EventPaymentEscrowed:
		return NotifyPaymentSent
	case EventPaymentReleased, EventMilestonePaid:
		return NotifyPaymentReceived
	case EventPaymentRefunded, EventPaymentDisputed, EventPaymentCancelled:
		return NotifyPaymentFailed
	}
	return ""
}

// Event is emitted once per committed transition.
//
// Amount is the money the event is about: the gross amount for created,
// escrowed and cancelled; the unpaid gross for disputed; the net not yet
// paid through milestones for released; the unpaid gross returned to the
// employer for refunded; the milestone's net share for milestone events.
// The payment_received amounts of one payment therefore sum to its net.
type Event struct {
	ID           string       `json:"id"`
	Type         EventType    `json:"type"`
	PaymentID    string       `json:"paymentId"`
	MilestoneID  string       `json:"milestoneId,omitempty"`
	JobID        string       `json:"jobId"`
	EmployerID   string       `json:"employerId"`
	WorkerID     string       `json:"workerId"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	Status       Status       `json:"status"`
	Version      int64        `json:"version"`
	Notification Notification `json:"notification,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

func newEvent(t EventType, p *Payment, amount int64, now time.Time) Event {
	return Event{
		ID:           idgen.Ordered("evt_"),
		Type:         t,
		PaymentID:    p.ID,
		JobID:        p.JobID,
		EmployerID:   p.EmployerID,
		WorkerID:     p.WorkerID,
		Amount:       amount,
		Currency:     p.Currency,
		Status:       p.Status,
		Notification: NotificationFor(t),
		Timestamp:    now,
	}
}

func newMilestoneEvent(t EventType, p *Payment, milestoneID string, amount int64, now time.Time) Event {
	e := newEvent(t, p, amount, now)
	e.MilestoneID = milestoneID
	return e
}

// Publisher receives events after their transition has committed.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, events []Event) error

func (f PublisherFunc) Publish(ctx context.Context, events []Event) error { return f(ctx, events) }
