package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/milestone"
	"github.com/mbd888/jobescrow/internal/payment"
)

type fixture struct {
	store    *payment.MemoryStore
	svc      *payment.Service
	registry *fees.Registry
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := fees.SingleRegistry(fees.DefaultPolicy())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	f := &fixture{
		store:    payment.NewMemoryStore(),
		registry: reg,
		now:      time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}
	f.svc = payment.NewService(f.store, reg).WithClock(func() time.Time {
		f.now = f.now.Add(time.Second)
		return f.now
	})
	return f
}

func (f *fixture) escrowed(t *testing.T, employer, worker string, amount int64, specs []milestone.Spec) *payment.Payment {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.OnJobMarkedForPayment(ctx, payment.CreateRequest{
		JobID:      "job",
		EmployerID: employer,
		WorkerID:   worker,
		Amount:     amount,
		Method:     fees.MobileMoney,
		Milestones: specs,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err = f.svc.OnFundsCaptured(ctx, p.ID, "tx_"+p.ID)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	return p
}

// seed builds the payment history used by the stats tests:
//
//	p1 emp_1 -> wrk_1  50000 released              net 47000
//	p2 emp_1 -> wrk_1  10000 escrowed              net  9000
//	p3 emp_1 -> wrk_1  20000 cancelled
//	p4 emp_1 -> wrk_2 100000 released              net 94500
//	p5 emp_1 -> wrk_1  50000 60/40, first paid, refunded (28200 released)
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	p1 := f.escrowed(t, "emp_1", "wrk_1", 50000, nil)
	if _, err := f.svc.Release(ctx, p1.ID); err != nil {
		t.Fatalf("release p1: %v", err)
	}

	f.escrowed(t, "emp_1", "wrk_1", 10000, nil)

	p3, err := f.svc.OnJobMarkedForPayment(ctx, payment.CreateRequest{
		JobID: "job", EmployerID: "emp_1", WorkerID: "wrk_1", Amount: 20000, Method: fees.MobileMoney,
	})
	if err != nil {
		t.Fatalf("create p3: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, p3.ID, "job withdrawn"); err != nil {
		t.Fatalf("cancel p3: %v", err)
	}

	p4 := f.escrowed(t, "emp_1", "wrk_2", 100000, nil)
	if _, err := f.svc.Release(ctx, p4.ID); err != nil {
		t.Fatalf("release p4: %v", err)
	}

	p5 := f.escrowed(t, "emp_1", "wrk_1", 50000, []milestone.Spec{
		{Title: "Draft", Percentage: 60},
		{Title: "Final", Percentage: 40},
	})
	first := p5.Milestones[0].ID
	if _, err := f.svc.CompleteMilestone(ctx, p5.ID, first); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.svc.ApproveMilestone(ctx, p5.ID, first); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.PayMilestone(ctx, p5.ID, first); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := f.svc.Refund(ctx, p5.ID, "worker left"); err != nil {
		t.Fatalf("refund p5: %v", err)
	}
}

func (f *fixture) all(t *testing.T) []*payment.Payment {
	t.Helper()
	ps, err := f.store.List(context.Background(), ScanLimit)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return ps
}

func TestComputeStats_Worker(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	st := ComputeStats(f.all(t), "wrk_1", payment.RoleWorker)
	if st.TotalEarnings != 47000 {
		t.Errorf("TotalEarnings = %d, want 47000", st.TotalEarnings)
	}
	if st.ReleasedToDate != 47000+28200 {
		t.Errorf("ReleasedToDate = %d, want %d", st.ReleasedToDate, 47000+28200)
	}
	if st.TotalSpent != 0 {
		t.Errorf("TotalSpent = %d, want 0 for a worker", st.TotalSpent)
	}
	if st.PendingPayments != 1 {
		t.Errorf("PendingPayments = %d, want 1", st.PendingPayments)
	}
	if st.CompletedPayments != 1 {
		t.Errorf("CompletedPayments = %d, want 1", st.CompletedPayments)
	}
	if st.AverageJobValue != 47000 {
		t.Errorf("AverageJobValue = %d, want 47000", st.AverageJobValue)
	}
}

func TestComputeStats_Employer(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	st := ComputeStats(f.all(t), "emp_1", payment.RoleEmployer)
	if st.TotalSpent != 210000 {
		t.Errorf("TotalSpent = %d, want 210000 (cancelled excluded)", st.TotalSpent)
	}
	if st.TotalEarnings != 0 {
		t.Errorf("TotalEarnings = %d, want 0 for an employer", st.TotalEarnings)
	}
	if st.PendingPayments != 1 || st.CompletedPayments != 2 {
		t.Errorf("pending/completed = %d/%d, want 1/2", st.PendingPayments, st.CompletedPayments)
	}
	if st.AverageJobValue != 105000 {
		t.Errorf("AverageJobValue = %d, want 105000", st.AverageJobValue)
	}
}

func TestComputeStats_NoCompletedPayments(t *testing.T) {
	p := &payment.Payment{ID: "p", EmployerID: "emp", WorkerID: "wrk", Status: payment.StatusEscrowed, GrossAmount: 1000}

	st := ComputeStats([]*payment.Payment{p, nil}, "emp", payment.RoleEmployer)
	if st.AverageJobValue != 0 {
		t.Errorf("AverageJobValue = %d, want 0", st.AverageJobValue)
	}
	if st.TotalSpent != 1000 || st.PendingPayments != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}

	empty := ComputeStats(nil, "nobody", payment.RoleWorker)
	if empty != (Stats{ScopeID: "nobody", Role: payment.RoleWorker}) {
		t.Errorf("expected zero stats, got %+v", empty)
	}
}

func TestComputeStats_IgnoresOtherRole(t *testing.T) {
	// The same party as employer on one payment and worker on another.
	ps := []*payment.Payment{
		{ID: "a", EmployerID: "alice", WorkerID: "bob", Status: payment.StatusReleased, GrossAmount: 1000, NetAmount: 900, ReleasedNet: 900},
		{ID: "b", EmployerID: "bob", WorkerID: "alice", Status: payment.StatusReleased, GrossAmount: 2000, NetAmount: 1800, ReleasedNet: 1800},
	}

	st := ComputeStats(ps, "alice", payment.RoleWorker)
	if st.TotalEarnings != 1800 || st.CompletedPayments != 1 {
		t.Errorf("worker view: %+v", st)
	}
	st = ComputeStats(ps, "alice", payment.RoleEmployer)
	if st.TotalSpent != 1000 || st.CompletedPayments != 1 {
		t.Errorf("employer view: %+v", st)
	}
}

func TestComputeStats_WorkerAverageOnlyCountsCompletedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.escrowed(t, "emp_1", "wrk_9", 100000, nil)
	if _, err := f.svc.Release(ctx, done.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	open := f.escrowed(t, "emp_1", "wrk_9", 600000, []milestone.Spec{
		{Title: "Phase 1", Percentage: 95},
		{Title: "Phase 2", Percentage: 5},
	})
	first := open.Milestones[0].ID
	for _, op := range []func(context.Context, string, string) (*payment.Payment, error){
		f.svc.CompleteMilestone, f.svc.ApproveMilestone, f.svc.PayMilestone,
	} {
		if _, err := op(ctx, open.ID, first); err != nil {
			t.Fatalf("milestone: %v", err)
		}
	}

	st := ComputeStats(f.all(t), "wrk_9", payment.RoleWorker)
	if st.CompletedPayments != 1 || st.PendingPayments != 1 {
		t.Fatalf("completed/pending = %d/%d, want 1/1", st.CompletedPayments, st.PendingPayments)
	}
	if st.TotalEarnings != 94500 || st.AverageJobValue != 94500 {
		t.Errorf("earnings/average = %d/%d, want 94500/94500", st.TotalEarnings, st.AverageJobValue)
	}
	if want := int64(94500) + open.Milestones[0].NetAmount; st.ReleasedToDate != want {
		t.Errorf("ReleasedToDate = %d, want %d", st.ReleasedToDate, want)
	}
}

func TestComputeStats_AverageRoundsHalfUp(t *testing.T) {
	ps := []*payment.Payment{
		{ID: "a", EmployerID: "emp", Status: payment.StatusReleased, GrossAmount: 1000},
		{ID: "b", EmployerID: "emp", Status: payment.StatusReleased, GrossAmount: 1001},
	}
	st := ComputeStats(ps, "emp", payment.RoleEmployer)
	if st.AverageJobValue != 1001 {
		t.Errorf("AverageJobValue = %d, want 1001", st.AverageJobValue)
	}
}

func TestServiceStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	st, err := NewService(f.store).Stats(context.Background(), "wrk_2", payment.RoleWorker)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalEarnings != 94500 || st.CompletedPayments != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}
