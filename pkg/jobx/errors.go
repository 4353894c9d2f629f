package jobx

import (
	"errors"

	"github.com/Abraxas-365/jobq/pkg/errx"
)

var jobxErrors = errx.NewRegistry("JOBX")

var (
	ErrValidation      = jobxErrors.Register("VALIDATION", errx.TypeValidation, 400, "Invalid job")
	ErrNoProcessor     = jobxErrors.Register("NO_PROCESSOR", errx.TypeValidation, 400, "No processor registered for job name")
	ErrHandler         = jobxErrors.Register("HANDLER", errx.TypeBusiness, 422, "Job handler failed")
	ErrStorage         = jobxErrors.Register("STORAGE", errx.TypeExternal, 502, "Job ledger unavailable")
	ErrJobNotFound     = jobxErrors.Register("JOB_NOT_FOUND", errx.TypeNotFound, 404, "Job not found")
	ErrNotActive       = jobxErrors.Register("NOT_ACTIVE", errx.TypeConflict, 409, "Job is not active under this claim")
	ErrAlreadyRunning  = jobxErrors.Register("ALREADY_RUNNING", errx.TypeConflict, 409, "Worker is already running")
	ErrShutdownTimeout = jobxErrors.Register("SHUTDOWN_TIMEOUT", errx.TypeInternal, 500, "Graceful shutdown timed out")
)

// NewError builds an error from one of this package's codes. Ledger
// implementations use it for not-found and not-active outcomes so callers
// can match them with IsNotFound and IsNotActive.
func NewError(code *errx.ErrorCode) *errx.Error {
	return jobxErrors.New(code)
}

// StorageError wraps a backing-store failure.
func StorageError(cause error) *errx.Error {
	return jobxErrors.NewWithCause(ErrStorage, cause)
}

func validationError(reason string) *errx.Error {
	return jobxErrors.New(ErrValidation).WithDetail("reason", reason)
}

// IsStorageError reports whether err is an infrastructure failure worth
// retrying. Any errx error of type EXTERNAL qualifies, so backend packages
// may keep their own registries.
func IsStorageError(err error) bool {
	e, ok := errx.As(err)
	return ok && e.Type == errx.TypeExternal
}

// IsNotFound reports whether err says the job does not exist.
func IsNotFound(err error) bool {
	e, ok := errx.As(err)
	return ok && e.Type == errx.TypeNotFound
}

// IsNotActive reports whether err is a resolution against a job this caller
// does not own.
func IsNotActive(err error) bool {
	return errx.IsCode(err, ErrNotActive)
}

// IsValidation reports whether err is an enqueue validation failure.
func IsValidation(err error) bool {
	return errx.IsCode(err, ErrValidation)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as unrecoverable: the job fails without
// using its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
