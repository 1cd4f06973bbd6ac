package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/jobescrow/internal/circuitbreaker"
	"github.com/mbd888/jobescrow/internal/metrics"
	"github.com/mbd888/jobescrow/internal/payment"
)

// Fanout delivers each batch to every sink in order. A failing sink does
// not stop delivery to the others; all failures are joined.
type Fanout struct {
	sinks   []namedSink
	breaker *circuitbreaker.Breaker
}

type namedSink struct {
	name string
	pub  payment.Publisher
}

// NewFanout creates an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Add registers a sink. Nil publishers are ignored.
func (f *Fanout) Add(name string, pub payment.Publisher) *Fanout {
	if pub != nil {
		f.sinks = append(f.sinks, namedSink{name: name, pub: pub})
	}
	return f
}

// WithBreaker guards each sink with a circuit keyed by sink name, so a
// sink that keeps failing is skipped until its open duration elapses.
func (f *Fanout) WithBreaker(b *circuitbreaker.Breaker) *Fanout {
	f.breaker = b
	return f
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Publish implements payment.Publisher.
func (f *Fanout) Publish(ctx context.Context, events []payment.Event) error {
	var errs []error
	for _, s := range f.sinks {
		var err error
		if f.breaker != nil {
			err = f.breaker.Do(s.name, func() error { return s.pub.Publish(ctx, events) })
			if errors.Is(err, circuitbreaker.ErrOpen) {
				metrics.EventsPublishedTotal.WithLabelValues(s.name, "skipped").Add(float64(len(events)))
			}
		} else {
			err = s.pub.Publish(ctx, events)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes each event as a structured log line, including the
// user-facing notification it maps to.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log sink.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements payment.Publisher.
func (l *LogPublisher) Publish(ctx context.Context, events []payment.Event) error {
	for _, ev := range events {
		attrs := []any{
			"event_id", ev.ID,
			"event_type", ev.Type,
			"payment_id", ev.PaymentID,
			"job_id", ev.JobID,
			"employer_id", ev.EmployerID,
			"worker_id", ev.WorkerID,
			"amount", ev.Amount,
			"currency", ev.Currency,
			"status", ev.Status,
			"version", ev.Version,
		}
		if ev.MilestoneID != "" {
			attrs = append(attrs, "milestone_id", ev.MilestoneID)
		}
		if ev.Notification != "" {
			attrs = append(attrs, "notification", ev.Notification)
		}
		l.logger.InfoContext(ctx, "payment event", attrs...)
		metrics.EventsPublishedTotal.WithLabelValues("log", "ok").Inc()
	}
	return nil
}
