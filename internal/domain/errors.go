package domain

import "errors"

// Error kinds for the order pipeline. Pipeline steps wrap their failures as
// "<KIND>: detail" with these; the worker boundary writes the first line of
// the error text to the tracking table, so for such errors the kind name
// leads the failure message and the detail carries the human-readable reason.
var (
	// ErrOrderInvalid marks schema/shape/identity failures in the validator.
	ErrOrderInvalid = errors.New("ORDER_INVALID")

	// ErrPreprocessFailed marks a container run that exited non-zero or
	// produced no usable output files.
	ErrPreprocessFailed = errors.New("PREPROCESS_FAILED")

	// ErrImportFailed marks a failed import CLI run, missing object IDs,
	// or session/destination resolution failure.
	ErrImportFailed = errors.New("IMPORT_FAILED")

	// ErrRewireFailed marks a partially or fully failed symlink rewiring;
	// the staging directory is left in place for inspection.
	ErrRewireFailed = errors.New("REWIRE_FAILED")

	// ErrStageConflict is returned by the tracker when a recorded
	// transition violates the stage machine. Never retried.
	ErrStageConflict = errors.New("stage transition conflict")
)
