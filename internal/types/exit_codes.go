// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitConfigError - Configuration error.
	ExitConfigError ExitCode = 2

	// ExitConnectionError - An instance could not be reached.
	ExitConnectionError ExitCode = 3

	// ExitCommandError - A remote command exited non-zero.
	ExitCommandError ExitCode = 4

	// ExitStoreError - Error while reading or writing the state store.
	ExitStoreError ExitCode = 5

	// ExitArchiveError - Error while creating or extracting an archive.
	ExitArchiveError ExitCode = 6

	// ExitIntegrityError - Archive failed integrity or path-safety checks.
	ExitIntegrityError ExitCode = 7

	// ExitLockError - Instance locked or under an active bisect session.
	ExitLockError ExitCode = 8

	// ExitVersionError - Requested branch is incompatible with the runtime.
	ExitVersionError ExitCode = 9

	// ExitPartialFailure - At least one instance of a batch failed.
	ExitPartialFailure ExitCode = 10

	// ExitPanicError - Unhandled panic caught.
	ExitPanicError ExitCode = 13
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitConfigError:
		return "configuration error"
	case ExitConnectionError:
		return "connection error"
	case ExitCommandError:
		return "command error"
	case ExitStoreError:
		return "store error"
	case ExitArchiveError:
		return "archive error"
	case ExitIntegrityError:
		return "integrity error"
	case ExitLockError:
		return "lock error"
	case ExitVersionError:
		return "version error"
	case ExitPartialFailure:
		return "partial failure"
	case ExitPanicError:
		return "panic error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an int.
func (e ExitCode) Int() int {
	return int(e)
}
