package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/payment"
	"github.com/mbd888/jobescrow/internal/traces"
)

// ScanLimit caps how many payments a single report reads.
const ScanLimit = 10000

// Source is the read side of the payment store.
type Source interface {
	ListByParty(ctx context.Context, partyID string, role payment.Role, limit int) ([]*payment.Payment, error)
	List(ctx context.Context, limit int) ([]*payment.Payment, error)
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	RanAt         time.Time     `json:"ranAt"`
	Duration      time.Duration `json:"durationNs"`
}

// OK reports whether the run found nothing wrong.
func (r *Report) OK() bool {
	return len(r.Discrepancies) == 0
}

// Service answers statistics and reconciliation queries over a Source.
type Service struct {
	source   Source
	registry *fees.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a ledger service reading from source.
func NewService(source Source) *Service {
	return &Service{
		source: source,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithRegistry enables amount-bound checks against the fee policies.
func (s *Service) WithRegistry(r *fees.Registry) *Service {
	s.registry = r
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Stats computes payment statistics for scopeID acting as role.
func (s *Service) Stats(ctx context.Context, scopeID string, role payment.Role) (Stats, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Stats", traces.Scope(scopeID, string(role))...)
	defer span.End()

	payments, err := s.source.ListByParty(ctx, scopeID, role, ScanLimit)
	if err != nil {
		traces.Fail(span, err)
		return Stats{}, fmt.Errorf("ledger: list payments for %s: %w", scopeID, err)
	}
	return ComputeStats(payments, scopeID, role), nil
}

// Reconcile checks every stored payment and records the result as metrics.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Reconcile")
	defer span.End()

	start := s.now()
	payments, err := s.source.List(ctx, ScanLimit)
	if err != nil {
		traces.Fail(span, err)
		reconcileErrors.Inc()
		return nil, fmt.Errorf("ledger: list payments: %w", err)
	}

	report := &Report{
		Checked:       len(payments),
		Discrepancies: Reconcile(payments),
		RanAt:         start,
	}
	report.Discrepancies = append(report.Discrepancies, CheckBounds(payments, s.registry)...)
	if report.Discrepancies == nil {
		report.Discrepancies = []Discrepancy{}
	}
	report.Duration = s.now().Sub(start)
	recordRun(report)

	if !report.OK() {
		s.logger.Warn("reconciliation found discrepancies",
			"checked", report.Checked,
			"discrepancies", len(report.Discrepancies),
		)
		for _, d := range report.Discrepancies {
			s.logger.Warn("payment invariant violated",
				"payment_id", d.PaymentID,
				"check", d.Check,
				"status", d.Status,
				"detail", d.Detail,
			)
		}
	}
	return report, nil
}
