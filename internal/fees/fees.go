// Package fees computes platform and payment-method fees for a gross amount.
//
// All amounts are integers in whole currency units (FCFA has no subdivision).
// Percentages are held as basis points so every computation is exact integer
// math; rounding is half-up to the nearest unit.
package fees

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	ErrInvalidAmount     = errors.New("fees: invalid amount")
	ErrUnsupportedMethod = errors.New("fees: unsupported payment method")
	ErrInvalidPolicy     = errors.New("fees: invalid policy")
)

// Method is the payment rail used by the employer.
type Method string

const (
	MobileMoney  Method = "mobile_money"
	BankTransfer Method = "bank_transfer"
	Card         Method = "card"
	Crypto       Method = "crypto"
)

// Methods lists every known method in display order.
var Methods = []Method{MobileMoney, BankTransfer, Card, Crypto}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MobileMoney, BankTransfer, Card, Crypto:
		return true
	}
	return false
}

// Defaults for the West/Central African FCFA marketplace.
const (
	DefaultPlatformFeePercent   = 5.0
	DefaultMobileMoneyFixedFee  = 500
	DefaultBankTransferFixedFee = 1000
	DefaultCardFeePercent       = 2.5
	DefaultMinAmount            = 500
	DefaultMaxAmount            = 10_000_000

	// maxAmountCeiling keeps amount*basisPoints well inside int64.
	maxAmountCeiling = 1_000_000_000_000
	bpsScale         = 10_000
)

// Rule is a fee rule for a method without a built-in one (crypto).
// Exactly one of Fixed or Percent should be set; both are summed if not.
type Rule struct {
	Fixed   int64   `yaml:"fixed" json:"fixed"`
	Percent float64 `yaml:"percent" json:"percent"`
}

// Policy is an explicit, immutable fee configuration. Several policies
// (e.g. per region) can coexist; nothing here is process-global.
type Policy struct {
	PlatformFeePercent   float64  `yaml:"platformFeePercent" json:"platformFeePercent"`
	MobileMoneyFixedFee  int64    `yaml:"mobileMoneyFixedFee" json:"mobileMoneyFixedFee"`
	BankTransferFixedFee int64    `yaml:"bankTransferFixedFee" json:"bankTransferFixedFee"`
	CardFeePercent       float64  `yaml:"cardFeePercent" json:"cardFeePercent"`
	CryptoFee            *Rule    `yaml:"cryptoFee,omitempty" json:"cryptoFee,omitempty"`
	MinAmount            int64    `yaml:"minAmount" json:"minAmount"`
	MaxAmount            int64    `yaml:"maxAmount" json:"maxAmount"`
	Currencies           []string `yaml:"currencies" json:"currencies"`
}

// DefaultPolicy returns the marketplace's standard policy. Crypto has no rule.
func DefaultPolicy() Policy {
	return Policy{
		PlatformFeePercent:   DefaultPlatformFeePercent,
		MobileMoneyFixedFee:  DefaultMobileMoneyFixedFee,
		BankTransferFixedFee: DefaultBankTransferFixedFee,
		CardFeePercent:       DefaultCardFeePercent,
		MinAmount:            DefaultMinAmount,
		MaxAmount:            DefaultMaxAmount,
		Currencies:           []string{"XOF", "XAF"},
	}
}

// Validate checks the policy is internally consistent.
func (p Policy) Validate() error {
	if !validPercent(p.PlatformFeePercent) {
		return fmt.Errorf("%w: platformFeePercent must be within [0, 100], got %v", ErrInvalidPolicy, p.PlatformFeePercent)
	}
	if !validPercent(p.CardFeePercent) {
		return fmt.Errorf("%w: cardFeePercent must be within [0, 100], got %v", ErrInvalidPolicy, p.CardFeePercent)
	}
	if p.MobileMoneyFixedFee < 0 || p.BankTransferFixedFee < 0 {
		return fmt.Errorf("%w: fixed fees must not be negative", ErrInvalidPolicy)
	}
	if p.CryptoFee != nil {
		if p.CryptoFee.Fixed < 0 || !validPercent(p.CryptoFee.Percent) {
			return fmt.Errorf("%w: cryptoFee rule out of range", ErrInvalidPolicy)
		}
	}
	if p.MinAmount <= 0 {
		return fmt.Errorf("%w: minAmount must be positive", ErrInvalidPolicy)
	}
	if p.MaxAmount < p.MinAmount {
		return fmt.Errorf("%w: maxAmount %d is below minAmount %d", ErrInvalidPolicy, p.MaxAmount, p.MinAmount)
	}
	if p.MaxAmount > maxAmountCeiling {
		return fmt.Errorf("%w: maxAmount exceeds %d", ErrInvalidPolicy, int64(maxAmountCeiling))
	}
	return nil
}

func validPercent(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}

// InvalidAmountError reports a gross amount the policy cannot accept.
type InvalidAmountError struct {
	Amount int64
	Min    int64
	Max    int64
	Reason string
}

func (e *InvalidAmountError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("fees: invalid amount %d: %s", e.Amount, e.Reason)
	}
	return fmt.Sprintf("fees: amount %d outside [%d, %d]", e.Amount, e.Min, e.Max)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// UnsupportedMethodError reports a method/currency without a fee rule.
type UnsupportedMethodError struct {
	Method   Method
	Currency string
}

func (e *UnsupportedMethodError) Error() string {
	if e.Currency != "" {
		return fmt.Sprintf("fees: no fee rule for method %q in currency %q", e.Method, e.Currency)
	}
	return fmt.Sprintf("fees: no fee rule for method %q", e.Method)
}

func (e *UnsupportedMethodError) Unwrap() error { return ErrUnsupportedMethod }

// Breakdown is the frozen fee split of a payment.
type Breakdown struct {
	PlatformFee int64 `json:"platformFee"`
	PaymentFee  int64 `json:"paymentFee"`
	TotalFees   int64 `json:"totalFees"`
}

// Quote is the result of a fee computation.
type Quote struct {
	GrossAmount int64     `json:"grossAmount"`
	Currency    string    `json:"currency"`
	Method      Method    `json:"method"`
	Fees        Breakdown `json:"fees"`
	NetAmount   int64     `json:"netAmount"`
}

type compiledRule struct {
	fixed int64
	bps   int64
}

// Calculator applies one Policy. It is safe for concurrent use.
type Calculator struct {
	policy      Policy
	platformBps int64
	rules       map[Method]compiledRule
	currencies  map[string]bool
}

// NewCalculator validates p and precomputes its basis-point rates.
func NewCalculator(p Policy) (*Calculator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c := &Calculator{
		policy:      p,
		platformBps: percentToBps(p.PlatformFeePercent),
		rules: map[Method]compiledRule{
			MobileMoney:  {fixed: p.MobileMoneyFixedFee},
			BankTransfer: {fixed: p.BankTransferFixedFee},
			Card:         {bps: percentToBps(p.CardFeePercent)},
		},
	}
	if p.CryptoFee != nil {
		c.rules[Crypto] = compiledRule{fixed: p.CryptoFee.Fixed, bps: percentToBps(p.CryptoFee.Percent)}
	}
	if len(p.Currencies) > 0 {
		c.currencies = make(map[string]bool, len(p.Currencies))
		for _, cur := range p.Currencies {
			c.currencies[strings.ToUpper(cur)] = true
		}
	}
	return c, nil
}

// MustCalculator is NewCalculator for policies known to be valid (tests, defaults).
func MustCalculator(p Policy) *Calculator {
	c, err := NewCalculator(p)
	if err != nil {
		panic(err)
	}
	return c
}

// Policy returns a copy of the calculator's policy.
func (c *Calculator) Policy() Policy {
	p := c.policy
	p.Currencies = append([]string(nil), c.policy.Currencies...)
	if c.policy.CryptoFee != nil {
		r := *c.policy.CryptoFee
		p.CryptoFee = &r
	}
	return p
}

// Supports reports whether method has a fee rule under this policy.
func (c *Calculator) Supports(method Method) bool {
	_, ok := c.rules[method]
	return ok
}

// CheckAmount validates gross against the policy bounds.
func (c *Calculator) CheckAmount(gross int64) error {
	if gross < c.policy.MinAmount || gross > c.policy.MaxAmount {
		return &InvalidAmountError{Amount: gross, Min: c.policy.MinAmount, Max: c.policy.MaxAmount}
	}
	return nil
}

// Compute returns the fee breakdown and net payout for gross.
func (c *Calculator) Compute(gross int64, method Method, currency string) (Quote, error) {
	if err := c.CheckAmount(gross); err != nil {
		return Quote{}, err
	}

	cur := strings.ToUpper(strings.TrimSpace(currency))
	if c.currencies != nil && !c.currencies[cur] {
		return Quote{}, &UnsupportedMethodError{Method: method, Currency: cur}
	}

	rule, ok := c.rules[method]
	if !ok {
		return Quote{}, &UnsupportedMethodError{Method: method}
	}

	platform := applyBps(gross, c.platformBps)
	payment := rule.fixed + applyBps(gross, rule.bps)
	total := platform + payment

	if total > gross {
		return Quote{}, &InvalidAmountError{
			Amount: gross, Min: c.policy.MinAmount, Max: c.policy.MaxAmount,
			Reason: fmt.Sprintf("fees %d exceed gross amount", total),
		}
	}

	return Quote{
		GrossAmount: gross,
		Currency:    cur,
		Method:      method,
		Fees: Breakdown{
			PlatformFee: platform,
			PaymentFee:  payment,
			TotalFees:   total,
		},
		NetAmount: gross - total,
	}, nil
}

// Split apportions total across weights pro rata. Every share but the last is
// floored; the last takes the remainder so the shares always sum to total.
func Split(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if len(weights) == 0 {
		return shares
	}

	var sumW int64
	for _, w := range weights {
		sumW += w
	}
	if sumW <= 0 {
		shares[len(shares)-1] = total
		return shares
	}

	var allotted int64
	for i := 0; i < len(weights)-1; i++ {
		shares[i] = total * weights[i] / sumW
		allotted += shares[i]
	}
	shares[len(shares)-1] = total - allotted
	return shares
}

// RoundHalfUp divides num by den rounding half away from zero for
// non-negative operands.
func RoundHalfUp(num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return (num + den/2) / den
}

func applyBps(amount, bps int64) int64 {
	if bps == 0 {
		return 0
	}
	return RoundHalfUp(amount*bps, bpsScale)
}

// percentToBps converts a percentage to basis points (0.01% precision).
func percentToBps(p float64) int64 {
	return int64(math.Round(p * 100))
}

// PercentToBasisPoints is exported for packages that share the same precision.
func PercentToBasisPoints(p float64) int64 { return percentToBps(p) }

// SortedMethods returns the methods c supports, sorted by name.
func (c *Calculator) SortedMethods() []Method {
	out := make([]Method, 0, len(c.rules))
	for m := range c.rules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
