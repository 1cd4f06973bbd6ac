//go:build integration

package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/milestone"
	"github.com/mbd888/jobescrow/internal/testutil"
)

func newPostgresService(t *testing.T) (*Service, *PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	reg, err := fees.SingleRegistry(fees.DefaultPolicy())
	if err != nil {
		cleanup()
		t.Fatalf("registry: %v", err)
	}
	return NewService(store, reg), store, cleanup
}

func TestPostgresStore_MilestoneLifecycle(t *testing.T) {
	svc, store, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	p, err := svc.OnJobMarkedForPayment(ctx, CreateRequest{
		JobID:      "job_pg",
		EmployerID: "emp_pg",
		WorkerID:   "wrk_pg",
		Amount:     50000,
		Method:     fees.MobileMoney,
		Milestones: []milestone.Spec{
			{Title: "Design", Percentage: 60},
			{Title: "Delivery", Percentage: 40},
		},
		Metadata: Metadata{JobTitle: "Logo design"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.OnFundsCaptured(ctx, p.ID, "tx_pg"); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	for _, ms := range p.Milestones {
		if _, err := svc.CompleteMilestone(ctx, p.ID, ms.ID); err != nil {
			t.Fatalf("complete %s: %v", ms.ID, err)
		}
		if _, err := svc.ApproveMilestone(ctx, p.ID, ms.ID); err != nil {
			t.Fatalf("approve %s: %v", ms.ID, err)
		}
		if _, err := svc.PayMilestone(ctx, p.ID, ms.ID); err != nil {
			t.Fatalf("pay %s: %v", ms.ID, err)
		}
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusReleased {
		t.Errorf("Expected released, got %s", got.Status)
	}
	if got.ReleasedNet != got.NetAmount {
		t.Errorf("Expected released net %d, got %d", got.NetAmount, got.ReleasedNet)
	}
	if len(got.Milestones) != 2 || got.Milestones[0].Title != "Design" {
		t.Fatalf("milestones not round-tripped in order: %+v", got.Milestones)
	}
	for _, ms := range got.Milestones {
		if ms.Status != milestone.StatusPaid || ms.PaidAt == nil {
			t.Errorf("milestone %s not paid: %+v", ms.ID, ms)
		}
	}
	if got.Fees.TotalFees != p.Fees.TotalFees || got.Metadata.JobTitle != "Logo design" {
		t.Errorf("payment fields not round-tripped: %+v", got)
	}

	events, err := store.ListEvents(ctx, p.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// created, escrowed, 2x(completed, approved, paid), released
	if len(events) != 9 {
		t.Fatalf("Expected 9 events, got %d", len(events))
	}
	if events[0].Type != EventPaymentCreated || events[len(events)-1].Type != EventPaymentReleased {
		t.Errorf("events out of order: first=%s last=%s", events[0].Type, events[len(events)-1].Type)
	}
}

func TestPostgresStore_UpdateIsCompareAndSwap(t *testing.T) {
	_, store, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	p := samplePayment()
	p.ID = "pay_cas"
	p.Milestones[0].ID = "ms_cas"
	p.Currency = "XOF"
	p.Region = "uemoa"
	p.Method = fees.MobileMoney
	p.GrossAmount = 10
	p.NetAmount = 10
	p.UpdatedAt = p.CreatedAt
	if err := store.Create(ctx, p, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := p.Clone()
	next.Status = StatusEscrowed
	next.Version = 2
	if err := store.Update(ctx, next, 1, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale := p.Clone()
	stale.Status = StatusCancelled
	stale.Version = 2
	err := store.Update(ctx, stale, 1, nil)
	var cme *ConcurrentModificationError
	if !errors.As(err, &cme) || cme.ActualVersion != 2 {
		t.Fatalf("Expected ConcurrentModificationError at version 2, got %v", err)
	}

	missing := p.Clone()
	missing.ID = "pay_missing"
	if err := store.Update(ctx, missing, 1, nil); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("Expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "pay_missing"); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("Expected ErrPaymentNotFound from Get, got %v", err)
	}
}

func TestPostgresStore_ListByParty(t *testing.T) {
	svc, store, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	for _, worker := range []string{"wrk_a", "wrk_a", "wrk_b"} {
		if _, err := svc.OnJobMarkedForPayment(ctx, CreateRequest{
			JobID:      "job",
			EmployerID: "emp_shared",
			WorkerID:   worker,
			Amount:     1000,
			Method:     fees.Card,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := store.ListByParty(ctx, "wrk_a", RoleWorker, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 payments for wrk_a, got %d", len(got))
	}
	got, _ = store.ListByParty(ctx, "emp_shared", RoleEmployer, 2)
	if len(got) != 2 {
		t.Errorf("Expected limit of 2, got %d", len(got))
	}
	all, _ := store.List(ctx, 100)
	if len(all) != 3 {
		t.Errorf("Expected 3 payments, got %d", len(all))
	}
}

func TestPostgresStore_GetRejectsCorruptMetadata(t *testing.T) {
	svc, store, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	p, err := svc.OnJobMarkedForPayment(ctx, CreateRequest{
		JobID: "job_md", EmployerID: "emp_md", WorkerID: "wrk_md", Amount: 10000, Method: fees.MobileMoney,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, `UPDATE payments SET metadata = '{"jobTitle": 42}' WHERE id = $1`, p.ID); err != nil {
		t.Fatalf("corrupt metadata: %v", err)
	}

	if _, err := store.Get(ctx, p.ID); err == nil {
		t.Fatal("Expected error decoding corrupt metadata")
	}
}

func TestPostgresStore_DuplicateCreate(t *testing.T) {
	svc, store, cleanup := newPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	p, err := svc.OnJobMarkedForPayment(ctx, CreateRequest{
		JobID: "job_dup", EmployerID: "emp_dup", WorkerID: "wrk_dup", Amount: 10000, Method: fees.MobileMoney,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = store.Create(ctx, p, nil)
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("Expected ErrDuplicatePayment, got %v", err)
	}
	if errors.Is(err, ErrConcurrentModification) {
		t.Fatal("duplicate id must not read as a retryable version conflict")
	}
}
