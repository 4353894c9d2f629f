package fsx

import "github.com/Abraxas-365/jobq/pkg/errx"

var fsxErrors = errx.NewRegistry("FSX")

var (
	ErrNotFound    = fsxErrors.Register("NOT_FOUND", errx.TypeNotFound, 404, "File not found")
	ErrInvalidPath = fsxErrors.Register("INVALID_PATH", errx.TypeValidation, 400, "Path escapes the storage root")
	ErrIO          = fsxErrors.Register("IO", errx.TypeExternal, 502, "File storage operation failed")
)

// NotFound builds an ErrNotFound error for path.
func NotFound(path string) *errx.Error {
	return fsxErrors.New(ErrNotFound).WithDetail("path", path)
}

// InvalidPath builds an ErrInvalidPath error for path.
func InvalidPath(path string) *errx.Error {
	return fsxErrors.New(ErrInvalidPath).WithDetail("path", path)
}

// IOError wraps a storage failure during op on path.
func IOError(op, path string, cause error) *errx.Error {
	return fsxErrors.NewWithCause(ErrIO, cause).
		WithDetail("op", op).
		WithDetail("path", path)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	return errx.IsCode(err, ErrNotFound)
}
