package service

import "github.com/pkg/errors"

// Error taxonomy. Stage-local failures are captured into the attempt log and
// surfaced through the status query; nothing fails silently.
var (
	// ErrInvalidInput rejects a malformed submission before any workflow row
	// is created.
	ErrInvalidInput = errors.New("invalid input")

	// ErrGateAlreadyResolved is returned for duplicate or late decisions on a
	// gate that is no longer pending. The gate state is left untouched.
	ErrGateAlreadyResolved = errors.New("gate already resolved")

	// ErrAdapterUnconfirmed marks an adapter call whose side effect could not
	// be confirmed even after reconciliation. Never retried automatically.
	ErrAdapterUnconfirmed = errors.New("adapter outcome unconfirmed")

	// ErrCancelRefused is returned when cancellation is requested while the
	// workflow is terminal or mid irreversible execution.
	ErrCancelRefused = errors.New("cancellation refused")
)

// Error kinds recorded on FAILED workflows, distinguishable from gate
// rejections in the status response.
const (
	KindExecutorRetryable  = "ExecutorRetryableFailure"
	KindExecutorFatal      = "ExecutorFatalFailure"
	KindAdapterUnconfirmed = "AdapterUnconfirmed"
	KindAdapterFailed      = "AdapterConfirmedFailed"
	KindCancelled          = "Cancelled"
)
