package payment

import "context"

// Store persists payments and their event log.
//
// Update is a compare-and-swap: it succeeds only if the stored version equals
// expectedVersion, and writes the payment, its milestones and events in one
// atomic step. A lost race returns *ConcurrentModificationError.
type Store interface {
	Create(ctx context.Context, p *Payment, events []Event) error
	Get(ctx context.Context, id string) (*Payment, error)
	Update(ctx context.Context, p *Payment, expectedVersion int64, events []Event) error
	ListByParty(ctx context.Context, partyID string, role Role, limit int) ([]*Payment, error)
	List(ctx context.Context, limit int) ([]*Payment, error)
	ListEvents(ctx context.Context, paymentID string) ([]Event, error)
}
