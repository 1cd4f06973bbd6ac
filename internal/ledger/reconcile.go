package ledger

import (
	"fmt"

	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/milestone"
	"github.com/mbd888/jobescrow/internal/payment"
)

// Check names one invariant a payment record must hold.
type Check string

const (
	CheckFeeBalance       Check = "fee_balance"
	CheckNetBalance       Check = "net_balance"
	CheckMilestoneGross   Check = "milestone_gross"
	CheckMilestoneNet     Check = "milestone_net"
	CheckReleasedNet      Check = "released_net"
	CheckUnpaidMilestones Check = "unpaid_milestones"
	CheckTimestamps       Check = "timestamps"
	CheckStatus           Check = "status"
	CheckAmountBounds     Check = "amount_bounds"
)

// Discrepancy is one violated invariant on one payment.
type Discrepancy struct {
	PaymentID string         `json:"paymentId"`
	Check     Check          `json:"check"`
	Status    payment.Status `json:"status"`
	Detail    string         `json:"detail"`
}

// Reconcile re-checks the structural invariants of every payment and
// returns the ones that do not hold. Amount bounds are not checked; use
// CheckBounds with the fee registry the payments were priced under.
func Reconcile(payments []*payment.Payment) []Discrepancy {
	var out []Discrepancy
	for _, p := range payments {
		if p == nil {
			continue
		}
		out = append(out, reconcileOne(p)...)
	}
	return out
}

// CheckBounds reports payments whose gross lies outside the bounds of the
// policy for their region.
func CheckBounds(payments []*payment.Payment, registry *fees.Registry) []Discrepancy {
	if registry == nil {
		return nil
	}
	var out []Discrepancy
	for _, p := range payments {
		if p == nil {
			continue
		}
		calc, _, err := registry.For(p.Region)
		if err != nil {
			out = append(out, discrepancy(p, CheckAmountBounds, "unknown fee region %q", p.Region))
			continue
		}
		if err := calc.CheckAmount(p.GrossAmount); err != nil {
			out = append(out, discrepancy(p, CheckAmountBounds, "%v", err))
		}
	}
	return out
}

func reconcileOne(p *payment.Payment) []Discrepancy {
	var out []Discrepancy
	add := func(c Check, format string, args ...any) {
		out = append(out, discrepancy(p, c, format, args...))
	}

	if !validStatus(p.Status) {
		add(CheckStatus, "unknown status %q", p.Status)
	}

	f := p.Fees
	if f.TotalFees != f.PlatformFee+f.PaymentFee {
		add(CheckFeeBalance, "totalFees %d != platformFee %d + paymentFee %d", f.TotalFees, f.PlatformFee, f.PaymentFee)
	}
	if p.NetAmount != p.GrossAmount-f.TotalFees || p.NetAmount < 0 {
		add(CheckNetBalance, "netAmount %d != grossAmount %d - totalFees %d", p.NetAmount, p.GrossAmount, f.TotalFees)
	}

	if len(p.Milestones) > 0 {
		gross, net := milestone.Sum(p.Milestones)
		if gross != p.GrossAmount {
			add(CheckMilestoneGross, "milestone amounts sum to %d, grossAmount is %d", gross, p.GrossAmount)
		}
		if net != p.NetAmount {
			add(CheckMilestoneNet, "milestone net shares sum to %d, netAmount is %d", net, p.NetAmount)
		}
	}

	switch p.Status {
	case payment.StatusReleased:
		if p.ReleasedNet != p.NetAmount {
			add(CheckReleasedNet, "released payment has releasedNet %d, netAmount is %d", p.ReleasedNet, p.NetAmount)
		}
		if len(p.Milestones) > 0 && !milestone.AllPaid(p.Milestones) {
			add(CheckUnpaidMilestones, "released payment has unpaid milestones")
		}
	default:
		if paid := milestone.PaidNet(p.Milestones); p.ReleasedNet != paid {
			add(CheckReleasedNet, "releasedNet %d != net of paid milestones %d", p.ReleasedNet, paid)
		}
	}

	if missing := missingTimestamp(p); missing != "" {
		add(CheckTimestamps, "%s payment has no %s", p.Status, missing)
	}
	return out
}

func missingTimestamp(p *payment.Payment) string {
	switch p.Status {
	case payment.StatusEscrowed:
		if p.EscrowedAt == nil {
			return "escrowedAt"
		}
	case payment.StatusDisputed:
		if p.EscrowedAt == nil {
			return "escrowedAt"
		}
		if p.DisputedAt == nil {
			return "disputedAt"
		}
	case payment.StatusReleased:
		if p.EscrowedAt == nil {
			return "escrowedAt"
		}
		if p.ReleasedAt == nil {
			return "releasedAt"
		}
	case payment.StatusRefunded:
		if p.EscrowedAt == nil {
			return "escrowedAt"
		}
		if p.RefundedAt == nil {
			return "refundedAt"
		}
	case payment.StatusCancelled:
		if p.CancelledAt == nil {
			return "cancelledAt"
		}
		if p.EscrowedAt != nil {
			return "capture (cancelled after escrow)"
		}
	}
	return ""
}

func validStatus(s payment.Status) bool {
	for _, known := range payment.Statuses {
		if s == known {
			return true
		}
	}
	return false
}

func discrepancy(p *payment.Payment, c Check, format string, args ...any) Discrepancy {
	return Discrepancy{
		PaymentID: p.ID,
		Check:     c,
		Status:    p.Status,
		Detail:    fmt.Sprintf(format, args...),
	}
}
