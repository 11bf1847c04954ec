/**
 * @description
 * This package provides clients for the mobile-money settlement aggregators
 * (pawaPay, LigdiCash, AfribaPay) behind one Adapter contract. Each client turns
 * an abstract collection/disbursement/refund request into the provider's HTTP call
 * and normalizes the response into a Result or a uniform *Error.
 *
 * @notes
 * - Adapters never retry. A call is a single outbound request bounded by the
 *   client timeout; retry decisions belong to the caller.
 * - Transport problems (network, timeout, 5xx) and explicit provider rejections
 *   are distinguished by Error.Kind.
 */
package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Adapter is the contract every aggregator client implements.
type Adapter interface {
	Name() string
	Collect(ctx context.Context, req Request) (*Result, error)
	Disburse(ctx context.Context, req Request) (*Result, error)
	Refund(ctx context.Context, req Request) (*Result, error)
}

// Account identifies a mobile-money wallet.
type Account struct {
	// MSISDN is the country-qualified phone number, digits only.
	MSISDN string
	// OperatorCode is the operator short code (e.g. "orange"); adapters map it to their own vocabulary.
	OperatorCode string
	// Country is the ISO 3166 alpha-2 code of the wallet.
	Country string
}

// Request is one provider call.
type Request struct {
	// Token is the idempotency/correlation token for this phase.
	Token    string
	Account  Account
	Amount   decimal.Decimal
	Currency string
	OTP      string
	// OriginalToken is the collection token, used by providers whose refunds reference the deposit.
	OriginalToken string
	Description   string
}

// Result is a provider's acceptance of a request.
type Result struct {
	Accepted          bool
	ProviderReference string
	ProviderStatus    string
	RawPayload        map[string]any
}

// ErrorKind classifies adapter failures.
type ErrorKind string

const (
	// KindTransport covers unreachable aggregators, timeouts and 5xx responses.
	KindTransport ErrorKind = "transport"
	// KindRejected means the aggregator explicitly declined the request.
	KindRejected ErrorKind = "rejected"
)

// Error is the uniform failure shape returned by every adapter.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Operation  string
	Message    string
	StatusCode int
	RawPayload []byte
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s %s (status %d): %s", e.Provider, e.Operation, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s %s: %s", e.Provider, e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is an adapter transport failure.
func IsTransport(err error) bool {
	var aerr *Error
	return errors.As(err, &aerr) && aerr.Kind == KindTransport
}

// IsRejected reports whether err is an explicit provider rejection.
func IsRejected(err error) bool {
	var aerr *Error
	return errors.As(err, &aerr) && aerr.Kind == KindRejected
}

// Operation names used in logs and errors.
const (
	OpCollect  = "collect"
	OpDisburse = "disburse"
	OpRefund   = "refund"
)
