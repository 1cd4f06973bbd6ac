// Package milestone manages the ordered partial-delivery units of a payment.
//
// Milestone amounts always sum exactly to the payment's gross amount: each
// milestone but the last is rounded half up from its percentage and the last
// absorbs the remainder. The parent-status guards (payment must be escrowed)
// live in the payment package; this package owns the linear sub-lifecycle
// pending -> completed -> approved -> paid.
package milestone

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/idgen"
)

var (
	ErrInvalidMilestoneSet = errors.New("milestone: invalid milestone set")
	ErrInvalidTransition   = errors.New("milestone: invalid transition")
	ErrNotFound            = errors.New("milestone: not found")
)

// MaxMilestones caps the number of milestones on one payment.
const MaxMilestones = 100

// PercentEpsilon is the tolerance on the percentage sum (100 ± 0.01).
const PercentEpsilon = 0.01

// Status is a milestone's position in its linear lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusApproved  Status = "approved"
	StatusPaid      Status = "paid"
)

// next returns the only status reachable from s, or "" for paid/unknown.
func (s Status) next() Status {
	switch s {
	case StatusPending:
		return StatusCompleted
	case StatusCompleted:
		return StatusApproved
	case StatusApproved:
		return StatusPaid
	}
	return ""
}

// Spec is the caller's description of one milestone.
type Spec struct {
	Title      string     `json:"title"`
	Percentage float64    `json:"percentage"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
}

// Milestone is one partial-delivery unit of a payment.
type Milestone struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Amount      int64      `json:"amount"`
	Percentage  float64    `json:"percentage"`
	NetAmount   int64      `json:"netAmount"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// Clone returns a deep copy of m.
func (m Milestone) Clone() Milestone {
	m.DueDate = cloneTime(m.DueDate)
	m.CompletedAt = cloneTime(m.CompletedAt)
	m.ApprovedAt = cloneTime(m.ApprovedAt)
	m.PaidAt = cloneTime(m.PaidAt)
	return m
}

// CloneAll deep-copies a milestone list. A nil list stays nil.
func CloneAll(ms []Milestone) []Milestone {
	if ms == nil {
		return nil
	}
	out := make([]Milestone, len(ms))
	for i := range ms {
		out[i] = ms[i].Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// InvalidMilestoneSetError describes why a set of specs was rejected.
type InvalidMilestoneSetError struct {
	Index  int // -1 when the problem is with the set as a whole
	Reason string
}

func (e *InvalidMilestoneSetError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("milestone: invalid milestone %d: %s", e.Index, e.Reason)
	}
	return "milestone: invalid milestone set: " + e.Reason
}

func (e *InvalidMilestoneSetError) Unwrap() error { return ErrInvalidMilestoneSet }

// TransitionError reports a step outside pending -> completed -> approved -> paid.
type TransitionError struct {
	MilestoneID string
	From        Status
	To          Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("milestone: %s cannot move from %s to %s", e.MilestoneID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Define turns specs into milestones whose amounts sum exactly to gross.
func Define(gross int64, specs []Spec) ([]Milestone, error) {
	if len(specs) == 0 {
		return nil, &InvalidMilestoneSetError{Index: -1, Reason: "no milestones given"}
	}
	if len(specs) > MaxMilestones {
		return nil, &InvalidMilestoneSetError{Index: -1, Reason: fmt.Sprintf("at most %d milestones allowed, got %d", MaxMilestones, len(specs))}
	}
	if gross <= 0 {
		return nil, &InvalidMilestoneSetError{Index: -1, Reason: "gross amount must be positive"}
	}

	var pctSum float64
	for i, s := range specs {
		if strings.TrimSpace(s.Title) == "" {
			return nil, &InvalidMilestoneSetError{Index: i, Reason: "title is required"}
		}
		if math.IsNaN(s.Percentage) || s.Percentage <= 0 || s.Percentage > 100 {
			return nil, &InvalidMilestoneSetError{Index: i, Reason: fmt.Sprintf("percentage %v out of range (0, 100]", s.Percentage)}
		}
		pctSum += s.Percentage
	}
	if math.Abs(pctSum-100) > PercentEpsilon+1e-9 {
		return nil, &InvalidMilestoneSetError{Index: -1, Reason: fmt.Sprintf("percentages sum to %.4f, want 100", pctSum)}
	}

	ms := make([]Milestone, len(specs))
	var allotted int64
	for i, s := range specs {
		var amount int64
		if i == len(specs)-1 {
			amount = gross - allotted
		} else {
			amount = fees.RoundHalfUp(gross*fees.PercentToBasisPoints(s.Percentage), 10_000)
		}
		if amount <= 0 {
			return nil, &InvalidMilestoneSetError{Index: i, Reason: fmt.Sprintf("computed amount %d is not positive", amount)}
		}
		allotted += amount
		ms[i] = Milestone{
			ID:         idgen.WithPrefix("ms_"),
			Title:      strings.TrimSpace(s.Title),
			Amount:     amount,
			Percentage: s.Percentage,
			Status:     StatusPending,
			DueDate:    cloneTime(s.DueDate),
		}
	}
	return ms, nil
}

// Apportion assigns each milestone its pro-rata share of net, weighted by
// amount. Shares are floored with the remainder on the last milestone so
// they sum exactly to net.
func Apportion(ms []Milestone, net int64) {
	weights := make([]int64, len(ms))
	for i := range ms {
		weights[i] = ms[i].Amount
	}
	for i, share := range fees.Split(net, weights) {
		ms[i].NetAmount = share
	}
}

// Complete moves m from pending to completed.
func (m *Milestone) Complete(now time.Time) error {
	if err := m.advance(StatusCompleted); err != nil {
		return err
	}
	m.CompletedAt = &now
	return nil
}

// Approve moves m from completed to approved.
func (m *Milestone) Approve(now time.Time) error {
	if err := m.advance(StatusApproved); err != nil {
		return err
	}
	m.ApprovedAt = &now
	return nil
}

// Pay moves m from approved to paid.
func (m *Milestone) Pay(now time.Time) error {
	if err := m.advance(StatusPaid); err != nil {
		return err
	}
	m.PaidAt = &now
	return nil
}

// ForcePay marks m paid regardless of its current step. Used when
// arbitration settles a disputed payment in the worker's favour; returns
// false if m was already paid.
func (m *Milestone) ForcePay(now time.Time) bool {
	if m.Status == StatusPaid {
		return false
	}
	m.Status = StatusPaid
	m.PaidAt = &now
	return true
}

func (m *Milestone) advance(to Status) error {
	if m.Status.next() != to {
		return &TransitionError{MilestoneID: m.ID, From: m.Status, To: to}
	}
	m.Status = to
	return nil
}

// Find returns the index of the milestone with id.
func Find(ms []Milestone, id string) (int, error) {
	for i := range ms {
		if ms[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// AllPaid reports whether every milestone is paid. An empty list is not
// "all paid": release of a milestone-less payment is an explicit intent.
func AllPaid(ms []Milestone) bool {
	if len(ms) == 0 {
		return false
	}
	for i := range ms {
		if ms[i].Status != StatusPaid {
			return false
		}
	}
	return true
}

// Sum returns the total gross and net amounts of ms.
func Sum(ms []Milestone) (gross, net int64) {
	for i := range ms {
		gross += ms[i].Amount
		net += ms[i].NetAmount
	}
	return gross, net
}

// PaidNet returns the net amount already released through paid milestones.
func PaidNet(ms []Milestone) int64 {
	var n int64
	for i := range ms {
		if ms[i].Status == StatusPaid {
			n += ms[i].NetAmount
		}
	}
	return n
}
