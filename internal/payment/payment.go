// Package payment is the escrow state machine for job payments.
//
// Flow:
//  1. A job is marked for paid completion → payment created in pending, fees frozen
//  2. Funds captured on the rail → escrowed
//  3. Worker delivers → released (whole payment, or milestone by milestone)
//  4. Employer disputes → disputed, then arbitration releases or refunds
//  5. Employer refunds or cancels before delivery → refunded / cancelled
//
// Only Service mutates a Payment's status. Every transition is validated on a
// copy and committed with a single versioned store write.
package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/milestone"
)

var (
	ErrPaymentNotFound        = errors.New("payment: not found")
	ErrIllegalTransition      = errors.New("payment: illegal transition")
	ErrConcurrentModification = errors.New("payment: concurrent modification")
	ErrDuplicatePayment       = errors.New("payment: duplicate id")
	ErrInvalidRequest         = errors.New("payment: invalid request")
)

// Status is a payment's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // Created, waiting for funds capture
	StatusEscrowed  Status = "escrowed"  // Funds held by the platform
	StatusDisputed  Status = "disputed"  // Employer raised a dispute, awaiting arbitration
	StatusReleased  Status = "released"  // Net amount paid to the worker
	StatusRefunded  Status = "refunded"  // Funds returned to the employer
	StatusCancelled Status = "cancelled" // Cancelled before any funds were captured
)

// Statuses lists every status.
var Statuses = []Status{StatusPending, StatusEscrowed, StatusDisputed, StatusReleased, StatusRefunded, StatusCancelled}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsOpen reports whether money is still expected to move.
func (s Status) IsOpen() bool {
	switch s {
	case StatusPending, StatusEscrowed, StatusDisputed:
		return true
	}
	return false
}

// Outcome is an arbitration decision on a disputed payment.
type Outcome string

const (
	OutcomeWorker   Outcome = "worker"
	OutcomeEmployer Outcome = "employer"
)

// Role selects which party of a payment a query is about.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleEmployer Role = "employer"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleWorker, RoleEmployer:
		return r, nil
	}
	return "", fmt.Errorf("%w: role must be worker or employer, got %q", ErrInvalidRequest, s)
}

// Metadata is denormalized display data. Never used for logic.
type Metadata struct {
	JobTitle     string `json:"jobTitle,omitempty"`
	EmployerName string `json:"employerName,omitempty"`
	WorkerName   string `json:"workerName,omitempty"`
}

// Payment is the money moving from an employer to a worker for one job.
type Payment struct {
	ID            string                `json:"id"`
	JobID         string                `json:"jobId"`
	EmployerID    string                `json:"employerId"`
	WorkerID      string                `json:"workerId"`
	Currency      string                `json:"currency"`
	Region        string                `json:"region"`
	Status        Status                `json:"status"`
	Method        fees.Method           `json:"paymentMethod"`
	GrossAmount   int64                 `json:"grossAmount"`
	Fees          fees.Breakdown        `json:"fees"`
	NetAmount     int64                 `json:"netAmount"`
	ReleasedNet   int64                 `json:"releasedNet"`
	TransactionID string                `json:"transactionId,omitempty"`
	Milestones    []milestone.Milestone `json:"milestones,omitempty"`
	Metadata      Metadata              `json:"metadata"`
	DisputeReason string                `json:"disputeReason,omitempty"`
	RefundReason  string                `json:"refundReason,omitempty"`
	CancelReason  string                `json:"cancelReason,omitempty"`
	Resolution    Outcome               `json:"resolution,omitempty"`
	Version       int64                 `json:"version"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
	EscrowedAt    *time.Time            `json:"escrowedAt,omitempty"`
	DisputedAt    *time.Time            `json:"disputedAt,omitempty"`
	ReleasedAt    *time.Time            `json:"releasedAt,omitempty"`
	RefundedAt    *time.Time            `json:"refundedAt,omitempty"`
	CancelledAt   *time.Time            `json:"cancelledAt,omitempty"`
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// Involves reports whether partyID plays role in p.
func (p *Payment) Involves(partyID string, role Role) bool {
	switch role {
	case RoleWorker:
		return p.WorkerID == partyID
	case RoleEmployer:
		return p.EmployerID == partyID
	}
	return false
}

// Clone returns a deep copy of p.
func (p *Payment) Clone() *Payment {
	cp := *p
	cp.Milestones = milestone.CloneAll(p.Milestones)
	cp.EscrowedAt = cloneTime(p.EscrowedAt)
	cp.DisputedAt = cloneTime(p.DisputedAt)
	cp.ReleasedAt = cloneTime(p.ReleasedAt)
	cp.RefundedAt = cloneTime(p.RefundedAt)
	cp.CancelledAt = cloneTime(p.CancelledAt)
	return &cp
}

// unpaidGross is the part of the gross amount not yet paid out through milestones.
func (p *Payment) unpaidGross() int64 {
	gross := p.GrossAmount
	for _, m := range p.Milestones {
		if m.Status == milestone.StatusPaid {
			gross -= m.Amount
		}
	}
	return gross
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateRequest contains the parameters for creating a payment when a job
// is marked for paid completion. A nil Milestones means all-or-nothing
// release; a non-nil empty list requests milestone mode and is rejected.
type CreateRequest struct {
	JobID      string           `json:"jobId" binding:"required"`
	EmployerID string           `json:"employerId" binding:"required"`
	WorkerID   string           `json:"workerId" binding:"required"`
	Amount     int64            `json:"amount"`
	Method     fees.Method      `json:"paymentMethod" binding:"required"`
	Currency   string           `json:"currency"`
	Region     string           `json:"region"`
	Milestones []milestone.Spec `json:"milestones"`
	Metadata   Metadata         `json:"metadata"`
}

// IllegalTransitionError reports an intent the current status does not
// allow, or a transition whose guard failed. The payment is unchanged.
type IllegalTransitionError struct {
	PaymentID string
	From      Status
	Intent    Intent
	Reason    string
	Err       error
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("payment: cannot %s a %s payment", e.Intent, e.From)
	if e.PaymentID != "" {
		msg = fmt.Sprintf("payment %s: cannot %s a %s payment", e.PaymentID, e.Intent, e.From)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrIllegalTransition, e.Err}
	}
	return []error{ErrIllegalTransition}
}

// ConcurrentModificationError reports a lost optimistic-concurrency race.
// Re-read the payment and retry.
type ConcurrentModificationError struct {
	PaymentID       string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("payment %s: version %d expected, found %d", e.PaymentID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }
