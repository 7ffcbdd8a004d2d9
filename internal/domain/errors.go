package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure surfaced by the sale pipeline.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindNotEligible         ErrorKind = "not_eligible"
	KindUsageExhausted      ErrorKind = "usage_exhausted"
	KindInsufficientPoints  ErrorKind = "insufficient_points"
	KindInsufficientPayment ErrorKind = "insufficient_payment"
	KindConcurrencyConflict ErrorKind = "concurrency_conflict"
	KindPersistence         ErrorKind = "persistence_failure"
)

// Error is the typed failure returned by the resolver, matcher, ledger and orchestrator.
// Rule names the specific check that failed so an operator can correct the cart.
type Error struct {
	Kind ErrorKind
	Rule string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Rule != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Rule, e.Err)
	case e.Rule != "":
		return e.Rule
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotEligible) works for every rule.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Rule == "" || t.Rule == e.Rule)
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotEligible         = &Error{Kind: KindNotEligible}
	ErrUsageExhausted      = &Error{Kind: KindUsageExhausted}
	ErrInsufficientPoints  = &Error{Kind: KindInsufficientPoints}
	ErrInsufficientPayment = &Error{Kind: KindInsufficientPayment}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict}
	ErrPersistence         = &Error{Kind: KindPersistence}
)

// Rejection rules reported to the operator.
const (
	RuleCodeNotFound         = "discount code not found"
	RuleCodeInactive         = "discount code inactive"
	RuleCodeNotStarted       = "discount code not yet valid"
	RuleCodeExpired          = "discount code expired"
	RuleCodeExhausted        = "discount code usage limit reached"
	RuleCodeWrongCustomer    = "discount code restricted to another customer"
	RuleNoEligibleProducts   = "no eligible products in cart"
	RuleMinPurchaseNotMet    = "minimum purchase not met"
	RuleCampaignNotFound     = "campaign not found"
	RuleCampaignNotActive    = "campaign not active"
	RuleCampaignOutOfWindow  = "campaign outside its active window"
	RuleCampaignExhausted    = "campaign usage limit reached"
	RuleCampaignCustomerCap  = "campaign usage limit reached for customer"
	RuleCampaignTierTooLow   = "customer tier below campaign target tier"
	RuleCampaignCartMismatch = "cart does not contain campaign products"
	RuleInsufficientPoints   = "insufficient loyalty points"
	RuleInsufficientPayment  = "cash tendered is less than total"
)

// NewError builds a typed error carrying the failing rule.
func NewError(kind ErrorKind, rule string) *Error {
	return &Error{Kind: kind, Rule: rule}
}

// Validationf builds a ValidationError with a formatted rule.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Rule: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, rule string, err error) *Error {
	return &Error{Kind: kind, Rule: rule, Err: err}
}

// KindOf returns the kind of a typed error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RuleOf returns the failing rule of a typed error.
func RuleOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Rule
	}
	return ""
}

// Retryable reports whether the whole sale attempt may be retried unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConcurrencyConflict, KindPersistence:
		return true
	default:
		return false
	}
}
