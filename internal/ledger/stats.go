// Package ledger derives read-only reports from payment records: per-party
// statistics and invariant reconciliation.
package ledger

import (
	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/payment"
)

// Stats summarises the payments one party took part in.
type Stats struct {
	ScopeID           string       `json:"scopeId"`
	Role              payment.Role `json:"role"`
	TotalEarnings     int64        `json:"totalEarnings"`
	ReleasedToDate    int64        `json:"releasedToDate"`
	TotalSpent        int64        `json:"totalSpent"`
	PendingPayments   int          `json:"pendingPayments"`
	CompletedPayments int          `json:"completedPayments"`
	AverageJobValue   int64        `json:"averageJobValue"`
}

// ComputeStats folds payments into Stats for scopeID acting as role.
// Payments the scope does not take part in under that role are ignored.
//
// TotalEarnings counts the net of released payments, so it and
// CompletedPayments cover the same set. ReleasedToDate additionally counts
// milestone payouts on payments that are still open or were refunded.
// TotalSpent counts the gross of every non-cancelled payment the employer
// funded or committed to.
func ComputeStats(payments []*payment.Payment, scopeID string, role payment.Role) Stats {
	st := Stats{ScopeID: scopeID, Role: role}

	for _, p := range payments {
		if p == nil || !p.Involves(scopeID, role) {
			continue
		}

		switch p.Status {
		case payment.StatusPending, payment.StatusEscrowed, payment.StatusDisputed:
			st.PendingPayments++
		case payment.StatusReleased:
			st.CompletedPayments++
		}

		switch role {
		case payment.RoleWorker:
			st.ReleasedToDate += p.ReleasedNet
			if p.Status == payment.StatusReleased {
				st.TotalEarnings += p.NetAmount
			}
		case payment.RoleEmployer:
			if p.Status != payment.StatusCancelled {
				st.TotalSpent += p.GrossAmount
			}
		}
	}

	if st.CompletedPayments > 0 {
		total := st.TotalSpent
		if role == payment.RoleWorker {
			total = st.TotalEarnings
		}
		st.AverageJobValue = fees.RoundHalfUp(total, int64(st.CompletedPayments))
	}
	return st
}
