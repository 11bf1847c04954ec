package app

import (
	"errors"
	"fmt"

	"github.com/transfa/transfer-orchestrator/pkg/aggregator"
)

// Error classes returned by the orchestrator. Callers classify with errors.Is; the
// underlying *aggregator.Error stays reachable through errors.As.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrAdapterTransport    = errors.New("aggregator unavailable")
	ErrAdapterRejected     = errors.New("aggregator rejected the request")
	ErrUnrecognizedOutcome = errors.New("unrecognized callback outcome")
	ErrInvalidState        = errors.New("transfer is not in a state that allows this operation")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// adapterError classifies an adapter failure into the orchestrator taxonomy.
func adapterError(err error) error {
	if aggregator.IsRejected(err) {
		return fmt.Errorf("%w: %w", ErrAdapterRejected, err)
	}
	return fmt.Errorf("%w: %w", ErrAdapterTransport, err)
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAdapterTransport)
}
