package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/idgen"
	"github.com/mbd888/jobescrow/internal/metrics"
	"github.com/mbd888/jobescrow/internal/milestone"
	"github.com/mbd888/jobescrow/internal/syncutil"
	"github.com/mbd888/jobescrow/internal/traces"
)

// errNoop marks an idempotent repeat: the payment already reflects the intent.
var errNoop = errors.New("payment: no-op")

// TxValidator checks an external rail transaction reference before a
// payment is escrowed against it.
type TxValidator interface {
	ValidateTransactionID(method fees.Method, txID string) error
}

// Service implements the payment state machine.
type Service struct {
	store           Store
	registry        *fees.Registry
	publisher       Publisher
	txValidator     TxValidator
	locks           *syncutil.KeyedMutex
	now             func() time.Time
	logger          *slog.Logger
	defaultCurrency string
}

// NewService creates a new payment service.
func NewService(store Store, registry *fees.Registry) *Service {
	return &Service{
		store:           store,
		registry:        registry,
		locks:           syncutil.NewKeyedMutex(),
		now:             time.Now,
		logger:          slog.Default(),
		defaultCurrency: "XOF",
	}
}

// WithPublisher sets where committed events are sent.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithTxValidator adds rail-specific transaction id validation.
func (s *Service) WithTxValidator(v TxValidator) *Service {
	s.txValidator = v
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithDefaultCurrency sets the currency used when a request carries none.
func (s *Service) WithDefaultCurrency(currency string) *Service {
	if currency != "" {
		s.defaultCurrency = strings.ToUpper(currency)
	}
	return s
}

// OnJobMarkedForPayment creates a pending payment. Fees are computed once
// here and frozen.
func (s *Service) OnJobMarkedForPayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Create",
		traces.Amount(req.Amount), traces.Method(string(req.Method)))
	defer span.End()

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	calc, region, err := s.registry.For(req.Region)
	if err != nil {
		return nil, err
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	quote, err := calc.Compute(req.Amount, req.Method, currency)
	if err != nil {
		return nil, err
	}

	var ms []milestone.Milestone
	if req.Milestones != nil {
		ms, err = milestone.Define(quote.GrossAmount, req.Milestones)
		if err != nil {
			return nil, err
		}
		milestone.Apportion(ms, quote.NetAmount)
	}

	now := s.now()
	p := &Payment{
		ID:          idgen.Ordered("pay_"),
		JobID:       strings.TrimSpace(req.JobID),
		EmployerID:  strings.TrimSpace(req.EmployerID),
		WorkerID:    strings.TrimSpace(req.WorkerID),
		Currency:    quote.Currency,
		Region:      region,
		Status:      StatusPending,
		Method:      quote.Method,
		GrossAmount: quote.GrossAmount,
		Fees:        quote.Fees,
		NetAmount:   quote.NetAmount,
		Milestones:  ms,
		Metadata:    req.Metadata,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(traces.PaymentID(p.ID))

	events := []Event{newEvent(EventPaymentCreated, p, p.GrossAmount, now)}
	events[0].Version = p.Version
	if err := s.store.Create(ctx, p, events); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}

	metrics.PaymentsCreatedTotal.WithLabelValues(string(p.Method)).Inc()
	s.logger.Info("payment created",
		"payment_id", p.ID, "job_id", p.JobID, "gross", p.GrossAmount,
		"net", p.NetAmount, "method", p.Method, "milestones", len(ms))
	s.publish(ctx, events)
	return p.Clone(), nil
}

func validateCreate(req CreateRequest) error {
	switch {
	case strings.TrimSpace(req.JobID) == "":
		return fmt.Errorf("%w: jobId is required", ErrInvalidRequest)
	case strings.TrimSpace(req.EmployerID) == "":
		return fmt.Errorf("%w: employerId is required", ErrInvalidRequest)
	case strings.TrimSpace(req.WorkerID) == "":
		return fmt.Errorf("%w: workerId is required", ErrInvalidRequest)
	case strings.TrimSpace(req.EmployerID) == strings.TrimSpace(req.WorkerID):
		return fmt.Errorf("%w: employer and worker cannot be the same party", ErrInvalidRequest)
	}
	return nil
}

// OnFundsCaptured moves a pending payment into escrow once the rail confirms
// capture. Repeating the call with the same transaction id is a no-op.
func (s *Service) OnFundsCaptured(ctx context.Context, id, txID string) (*Payment, error) {
	txID = strings.TrimSpace(txID)
	return s.apply(ctx, id, IntentEscrow, func(p *Payment, now time.Time) ([]Event, error) {
		if p.Status == StatusEscrowed && txID != "" && p.TransactionID == txID {
			return nil, errNoop
		}
		if err := check(p, IntentEscrow); err != nil {
			return nil, err
		}
		if txID == "" {
			return nil, guardFailed(p, IntentEscrow, "transaction id is required", nil)
		}
		if s.txValidator != nil {
			if err := s.txValidator.ValidateTransactionID(p.Method, txID); err != nil {
				return nil, guardFailed(p, IntentEscrow, err.Error(), err)
			}
		}
		advance(p, IntentEscrow)
		p.TransactionID = txID
		p.EscrowedAt = &now
		metrics.GrossVolume.WithLabelValues(p.Currency).Add(float64(p.GrossAmount))
		return []Event{newEvent(EventPaymentEscrowed, p, p.GrossAmount, now)}, nil
	})
}

// Cancel abandons a payment before any funds were captured.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Payment, error) {
	return s.apply(ctx, id, IntentCancel, func(p *Payment, now time.Time) ([]Event, error) {
		if p.Status == StatusCancelled {
			return nil, errNoop
		}
		if err := check(p, IntentCancel); err != nil {
			return nil, err
		}
		if p.TransactionID != "" {
			return nil, guardFailed(p, IntentCancel, "funds already captured", nil)
		}
		advance(p, IntentCancel)
		p.CancelReason = strings.TrimSpace(reason)
		p.CancelledAt = &now
		return []Event{newEvent(EventPaymentCancelled, p, p.GrossAmount, now)}, nil
	})
}

// Release pays the net amount to the worker. A payment with milestones is
// released only once every milestone is paid. Releasing a released payment
// returns it unchanged.
func (s *Service) Release(ctx context.Context, id string) (*Payment, error) {
	return s.apply(ctx, id, IntentRelease, func(p *Payment, now time.Time) ([]Event, error) {
		if p.Status == StatusReleased {
			return nil, errNoop
		}
		if err := check(p, IntentRelease); err != nil {
			return nil, err
		}
		if len(p.Milestones) > 0 && !milestone.AllPaid(p.Milestones) {
			return nil, guardFailed(p, IntentRelease, fmt.Sprintf("%d milestone(s) not paid", unpaidCount(p.Milestones)), nil)
		}
		advance(p, IntentRelease)
		return []Event{markReleased(p, now)}, nil
	})
}

// Refund returns the unpaid gross to the employer. A reason is required.
// Refunding a refunded payment returns it unchanged.
func (s *Service) Refund(ctx context.Context, id, reason string) (*Payment, error) {
	reason = strings.TrimSpace(reason)
	return s.apply(ctx, id, IntentRefund, func(p *Payment, now time.Time) ([]Event, error) {
		if p.Status == StatusRefunded {
			return nil, errNoop
		}
		if err := check(p, IntentRefund); err != nil {
			return nil, err
		}
		if reason == "" {
			return nil, guardFailed(p, IntentRefund, "refund reason is required", nil)
		}
		advance(p, IntentRefund)
		p.RefundReason = reason
		return []Event{markRefunded(p, now)}, nil
	})
}

// OnDisputeRaised freezes an escrowed payment pending arbitration.
func (s *Service) OnDisputeRaised(ctx context.Context, id, reason string) (*Payment, error) {
	reason = strings.TrimSpace(reason)
	return s.apply(ctx, id, IntentDispute, func(p *Payment, now time.Time) ([]Event, error) {
		if err := check(p, IntentDispute); err != nil {
			return nil, err
		}
		if reason == "" {
			return nil, guardFailed(p, IntentDispute, "dispute reason is required", nil)
		}
		advance(p, IntentDispute)
		p.DisputeReason = reason
		p.DisputedAt = &now
		return []Event{newEvent(EventPaymentDisputed, p, p.unpaidGross(), now)}, nil
	})
}

// OnDisputeResolved settles a disputed payment. In the worker's favour every
// remaining milestone is paid and the payment released; in the employer's
// favour the unpaid gross is refunded. Repeating the same resolution is a
// no-op.
func (s *Service) OnDisputeResolved(ctx context.Context, id string, outcome Outcome) (*Payment, error) {
	var intent Intent
	switch outcome {
	case OutcomeWorker:
		intent = IntentResolveWorker
	case OutcomeEmployer:
		intent = IntentResolveEmployer
	default:
		return nil, fmt.Errorf("%w: outcome must be worker or employer, got %q", ErrInvalidRequest, outcome)
	}

	return s.apply(ctx, id, intent, func(p *Payment, now time.Time) ([]Event, error) {
		if p.Resolution == outcome && p.Status.IsTerminal() {
			return nil, errNoop
		}
		if err := check(p, intent); err != nil {
			return nil, err
		}
		advance(p, intent)
		p.Resolution = outcome
		if outcome == OutcomeWorker {
			for i := range p.Milestones {
				p.Milestones[i].ForcePay(now)
			}
			return []Event{markReleased(p, now)}, nil
		}
		return []Event{markRefunded(p, now)}, nil
	})
}

// CompleteMilestone records the worker's delivery of a milestone.
func (s *Service) CompleteMilestone(ctx context.Context, id, milestoneID string) (*Payment, error) {
	return s.apply(ctx, id, IntentCompleteMilestone, func(p *Payment, now time.Time) ([]Event, error) {
		m, err := milestoneStep(p, milestoneID, IntentCompleteMilestone)
		if err != nil {
			return nil, err
		}
		if err := m.Complete(now); err != nil {
			return nil, guardFailed(p, IntentCompleteMilestone, err.Error(), err)
		}
		return []Event{newMilestoneEvent(EventMilestoneCompleted, p, m.ID, m.NetAmount, now)}, nil
	})
}

// ApproveMilestone records the employer's acceptance of a completed milestone.
func (s *Service) ApproveMilestone(ctx context.Context, id, milestoneID string) (*Payment, error) {
	return s.apply(ctx, id, IntentApproveMilestone, func(p *Payment, now time.Time) ([]Event, error) {
		m, err := milestoneStep(p, milestoneID, IntentApproveMilestone)
		if err != nil {
			return nil, err
		}
		if err := m.Approve(now); err != nil {
			return nil, guardFailed(p, IntentApproveMilestone, err.Error(), err)
		}
		return []Event{newMilestoneEvent(EventMilestoneApproved, p, m.ID, m.NetAmount, now)}, nil
	})
}

// PayMilestone releases an approved milestone's net share. Paying the last
// unpaid milestone releases the payment in the same commit. Paying a paid
// milestone is a no-op.
func (s *Service) PayMilestone(ctx context.Context, id, milestoneID string) (*Payment, error) {
	return s.apply(ctx, id, IntentPayMilestone, func(p *Payment, now time.Time) ([]Event, error) {
		if i, err := milestone.Find(p.Milestones, milestoneID); err == nil && p.Milestones[i].Status == milestone.StatusPaid {
			return nil, errNoop
		}
		m, err := milestoneStep(p, milestoneID, IntentPayMilestone)
		if err != nil {
			return nil, err
		}
		if err := m.Pay(now); err != nil {
			return nil, guardFailed(p, IntentPayMilestone, err.Error(), err)
		}
		p.ReleasedNet += m.NetAmount
		metrics.MilestonesPaidTotal.Inc()

		events := []Event{newMilestoneEvent(EventMilestonePaid, p, m.ID, m.NetAmount, now)}
		if milestone.AllPaid(p.Milestones) {
			advance(p, IntentRelease)
			events = append(events, markReleased(p, now))
		}
		return events, nil
	})
}

// milestoneStep checks the parent status allows intent and returns the
// milestone to act on.
func milestoneStep(p *Payment, milestoneID string, intent Intent) (*milestone.Milestone, error) {
	if err := check(p, intent); err != nil {
		return nil, err
	}
	i, err := milestone.Find(p.Milestones, milestoneID)
	if err != nil {
		return nil, err
	}
	return &p.Milestones[i], nil
}

// Get returns a payment snapshot by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns payments where partyID plays role, newest first.
func (s *Service) ListByParty(ctx context.Context, partyID string, role Role, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, role, limit)
}

// Events returns the audit log of a payment in commit order.
func (s *Service) Events(ctx context.Context, id string) ([]Event, error) {
	return s.store.ListEvents(ctx, id)
}

// apply runs one transition under the payment's lock: read, mutate a copy,
// commit with a version check, then publish. mutate must not touch the
// store; returning errNoop short-circuits to the current snapshot.
func (s *Service) apply(ctx context.Context, id string, intent Intent, mutate func(p *Payment, now time.Time) ([]Event, error)) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment."+string(intent), traces.PaymentID(id), traces.Intent(string(intent)))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		s.record(intent, "error")
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		s.record(intent, "error")
		return nil, err
	}

	next := current.Clone()
	now := s.now()
	events, err := mutate(next, now)
	if errors.Is(err, errNoop) {
		s.record(intent, "noop")
		return current, nil
	}
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			s.record(intent, "illegal")
		} else {
			s.record(intent, "error")
		}
		traces.Fail(span, err)
		return nil, err
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now
	for i := range events {
		events[i].Version = next.Version
	}

	if err := s.store.Update(ctx, next, current.Version, events); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			s.record(intent, "conflict")
		} else {
			s.record(intent, "error")
		}
		traces.Fail(span, err)
		return nil, err
	}

	s.record(intent, "applied")
	s.logger.Info("payment transition",
		"payment_id", id, "intent", intent, "from", current.Status, "to", next.Status, "version", next.Version)
	observeSettle(current, next)
	s.publish(ctx, events)
	return next.Clone(), nil
}

// publish delivers committed events. Failures are logged, never returned:
// the transition has already happened.
func (s *Service) publish(ctx context.Context, events []Event) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events); err != nil {
		s.logger.Error("CRITICAL: payment events committed but not published",
			"payment_id", events[0].PaymentID, "events", len(events), "error", err)
	}
}

func (s *Service) record(intent Intent, result string) {
	metrics.PaymentTransitionsTotal.WithLabelValues(string(intent), result).Inc()
}

func observeSettle(before, after *Payment) {
	if before.Status.IsTerminal() || after.EscrowedAt == nil {
		return
	}
	settledAt := after.ReleasedAt
	if settledAt == nil {
		settledAt = after.RefundedAt
	}
	if settledAt == nil {
		return
	}
	metrics.TimeToSettle.Observe(settledAt.Sub(*after.EscrowedAt).Seconds())
}

// check reports whether intent is legal from p's current status.
func check(p *Payment, intent Intent) error {
	if _, ok := Next(p.Status, intent); !ok {
		return &IllegalTransitionError{PaymentID: p.ID, From: p.Status, Intent: intent}
	}
	return nil
}

// advance applies intent to p.Status. Call only after check.
func advance(p *Payment, intent Intent) {
	p.Status, _ = Next(p.Status, intent)
}

// guardFailed reports a legal intent whose precondition was not met.
func guardFailed(p *Payment, intent Intent, reason string, cause error) error {
	return &IllegalTransitionError{PaymentID: p.ID, From: p.Status, Intent: intent, Reason: reason, Err: cause}
}

// markReleased settles the payment. The event carries only the net not
// already paid out through milestones.
func markReleased(p *Payment, now time.Time) Event {
	remaining := p.NetAmount - p.ReleasedNet
	p.ReleasedAt = &now
	p.ReleasedNet = p.NetAmount
	return newEvent(EventPaymentReleased, p, remaining, now)
}

func markRefunded(p *Payment, now time.Time) Event {
	p.RefundedAt = &now
	return newEvent(EventPaymentRefunded, p, p.unpaidGross(), now)
}

func unpaidCount(ms []milestone.Milestone) int {
	n := 0
	for _, m := range ms {
		if m.Status != milestone.StatusPaid {
			n++
		}
	}
	return n
}
