package gate

import "errors"

var (
	// ErrInsufficientBalance is returned when the operation costs more than the available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnknownOperation is returned for an operation kind with no price or no adapter.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidInput is returned when operation input fails schema validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrProviderSubmission is returned when the provider rejected or never acknowledged a submission.
	ErrProviderSubmission = errors.New("provider submission failed")
	// ErrProviderTimeout is returned when a provider call exceeded the provider timeout.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrProviderMismatch is returned when a provider reports on a task it does not own.
	ErrProviderMismatch = errors.New("task belongs to another provider")
	// ErrForbidden is returned when a task belongs to another account.
	ErrForbidden = errors.New("forbidden")
	// ErrDuplicateSettlement marks a status report for an already settled task.
	// ReportStatus absorbs it and returns the recorded outcome instead.
	ErrDuplicateSettlement = errors.New("task already settled")
	// ErrStaleTaskExpired is the failure reason recorded on tasks expired by the sweep.
	ErrStaleTaskExpired = errors.New("stale task expired")
)
