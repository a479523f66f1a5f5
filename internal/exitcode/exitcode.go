// Package exitcode maps file-access failures during the load and apply
// phases onto distinct process exit codes, so calling scripts can tell a
// missing configuration from an invalid one from a generic crash.
package exitcode

import (
	"errors"
	"io/fs"
	"syscall"
)

const (
	Success = 0
	Failure = 1

	// POSIX errno values, kept stable for scriptability.
	NotFound         = 2  // ENOENT
	PermissionDenied = 13 // EACCES
	IsDirectory      = 21 // EISDIR
)

// Class is the error taxonomy for classified file-access failures.
type Class int

const (
	ClassOther Class = iota
	ClassNotFound
	ClassIsDirectory
	ClassPermissionDenied
)

// Classify places a file-access error into the taxonomy. nil classifies as
// ClassOther; callers only consult Classify on a non-nil error.
func Classify(err error) Class {
	switch {
	case errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOENT):
		return ClassNotFound
	case errors.Is(err, syscall.EISDIR):
		return ClassIsDirectory
	case errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES):
		return ClassPermissionDenied
	default:
		return ClassOther
	}
}

// Code returns the process exit code for a classified error.
func Code(c Class) int {
	switch c {
	case ClassNotFound:
		return NotFound
	case ClassIsDirectory:
		return IsDirectory
	case ClassPermissionDenied:
		return PermissionDenied
	default:
		return Failure
	}
}

// For is the Classify+Code shorthand used at the lifecycle boundary.
func For(err error) int {
	return Code(Classify(err))
}
