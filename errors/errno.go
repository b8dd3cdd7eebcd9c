// This is a compatibility shim for POSIX-defined errno codes across platforms.
// The syscall package doesn't define all the values we need on all systems,
// particularly things like EUCLEAN.

package errors

import (
	"fmt"
)

type DiskoError string

// Only the errno kinds this engine's operations actually return are kept;
// the teacher's errno.go carries the full POSIX table, but an engine with
// no open file descriptors, no multi-device mounts, and no quota/user
// accounting has no path that produces EBUSY, EMFILE, EXDEV, and the rest.
const ErrArgumentOutOfRange = DiskoError("Numerical argument out of domain")
const ErrDirectoryNotEmpty = DiskoError("Directory not empty")
const ErrExists = DiskoError("File exists")
const ErrFileSystemCorrupted = DiskoError("Structure needs cleaning")
const ErrInvalidArgument = DiskoError("Invalid argument")
const ErrInvalidFileSystem = DiskoError("Wrong medium type")
const ErrIOFailed = DiskoError("Input/output error")
const ErrNameTooLong = DiskoError("File name too long")
const ErrNoSpaceOnDevice = DiskoError("No space left on device")
const ErrNotADirectory = DiskoError("Not a directory")
const ErrNotFound = DiskoError("No such file or directory")
const ErrNotImplemented = DiskoError("Function not implemented")
const ErrNotPermitted = DiskoError("Operation not permitted")
const ErrTooManyLinks = DiskoError("Too many links")

func (e DiskoError) Error() string {
	return string(e)
}

func (e DiskoError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       message,
		originalError: e,
	}
}

func (e DiskoError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s %s", e.Error(), err.Error()),
		originalError: err,
	}
}
