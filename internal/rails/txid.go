// Package rails adapts external payment rails to the payment service:
// transaction reference validation and the Stripe capture webhook.
package rails

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/jobescrow/internal/fees"
)

// ErrInvalidTransactionID is returned when a rail reference is malformed.
var ErrInvalidTransactionID = errors.New("rails: invalid transaction id")

// MaxTransactionIDLength bounds references from any rail.
const MaxTransactionIDLength = 128

// cryptoTxHashBytes is the length of an EVM transaction hash.
const cryptoTxHashBytes = 32

// stripeIDPrefixes are the Stripe objects that prove a card capture.
var stripeIDPrefixes = []string{"pi_", "ch_"}

// TxIDError describes why a reference was rejected.
type TxIDError struct {
	Method fees.Method
	TxID   string
	Reason string
}

func (e *TxIDError) Error() string {
	return fmt.Sprintf("invalid %s transaction id %q: %s", e.Method, e.TxID, e.Reason)
}

func (e *TxIDError) Unwrap() error { return ErrInvalidTransactionID }

// Validator checks transaction references per rail. It satisfies
// payment.TxValidator.
type Validator struct{}

// NewValidator creates a rail validator.
func NewValidator() Validator {
	return Validator{}
}

// ValidateTransactionID checks txID against the format of method's rail.
//   - crypto: 0x-prefixed hex of a 32-byte transaction hash
//   - card: a Stripe PaymentIntent or Charge id
//   - mobile money, bank transfer: an opaque operator reference without spaces
func (Validator) ValidateTransactionID(method fees.Method, txID string) error {
	fail := func(reason string) error {
		return &TxIDError{Method: method, TxID: txID, Reason: reason}
	}

	if txID == "" {
		return fail("empty")
	}
	if len(txID) > MaxTransactionIDLength {
		return fail(fmt.Sprintf("longer than %d characters", MaxTransactionIDLength))
	}
	if strings.ContainsAny(txID, " \t\r\n") {
		return fail("contains whitespace")
	}

	switch method {
	case fees.Crypto:
		b, err := hexutil.Decode(txID)
		if err != nil {
			return fail(err.Error())
		}
		if len(b) != cryptoTxHashBytes {
			return fail(fmt.Sprintf("hash is %d bytes, want %d", len(b), cryptoTxHashBytes))
		}
	case fees.Card:
		if !hasAnyPrefix(txID, stripeIDPrefixes) {
			return fail("not a Stripe payment intent or charge id")
		}
	case fees.MobileMoney, fees.BankTransfer:
	default:
		return fail("unknown payment method")
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
