package payment

// Intent is a request to move a payment through its lifecycle.
type Intent string

const (
	IntentEscrow            Intent = "escrow"
	IntentCancel            Intent = "cancel"
	IntentRelease           Intent = "release"
	IntentRefund            Intent = "refund"
	IntentDispute           Intent = "dispute"
	IntentResolveWorker     Intent = "resolve_worker"
	IntentResolveEmployer   Intent = "resolve_employer"
	IntentCompleteMilestone Intent = "complete_milestone"
	IntentApproveMilestone  Intent = "approve_milestone"
	IntentPayMilestone      Intent = "pay_milestone"
)

// Next returns the status reached by applying intent to from. ok is false
// for every pair outside the lifecycle table:
//
//	pending  --escrow-->           escrowed
//	pending  --cancel-->           cancelled
//	escrowed --release-->          released
//	escrowed --refund-->           refunded
//	escrowed --dispute-->          disputed
//	escrowed --*_milestone-->      escrowed
//	disputed --resolve_worker-->   released
//	disputed --resolve_employer--> refunded
func Next(from Status, intent Intent) (to Status, ok bool) {
	switch from {
	case StatusPending:
		switch intent {
		case IntentEscrow:
			return StatusEscrowed, true
		case IntentCancel:
			return StatusCancelled, true
		}
	case StatusEscrowed:
		switch intent {
		case IntentRelease:
			return StatusReleased, true
		case IntentRefund:
			return StatusRefunded, true
		case IntentDispute:
			return StatusDisputed, true
		case IntentCompleteMilestone, IntentApproveMilestone, IntentPayMilestone:
			return StatusEscrowed, true
		}
	case StatusDisputed:
		switch intent {
		case IntentResolveWorker:
			return StatusReleased, true
		case IntentResolveEmployer:
			return StatusRefunded, true
		}
	case StatusReleased, StatusRefunded, StatusCancelled:
	}
	return from, false
}
