package orchestrator

import (
	"errors"
	"fmt"

	"github.com/tis24dev/cmsfleet/internal/archive"
	"github.com/tis24dev/cmsfleet/internal/checksum"
	"github.com/tis24dev/cmsfleet/internal/instance"
	"github.com/tis24dev/cmsfleet/internal/transport"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/vcs"
)

// StepError names the step of an operation that failed.
type StepError struct {
	Step string // "snapshot", "restore", "update", "baseline", ...
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}

// ExitCodeFor maps an operation error to the process exit code.
func ExitCodeFor(err error) types.ExitCode {
	var (
		lockErr  *instance.LockConflictError
		connErr  *transport.ConnectionError
		cmdErr   *transport.CommandError
		driftErr *checksum.DriftWarning
	)
	switch {
	case err == nil:
		return types.ExitSuccess
	case errors.As(err, &lockErr), errors.Is(err, instance.ErrBisectActive):
		return types.ExitLockError
	case errors.As(err, &connErr):
		return types.ExitConnectionError
	case errors.Is(err, archive.ErrIntegrity):
		return types.ExitIntegrityError
	case errors.Is(err, vcs.ErrIncompatible):
		return types.ExitVersionError
	case errors.As(err, &cmdErr):
		return types.ExitCommandError
	case errors.Is(err, archive.ErrNotBlank), errors.Is(err, archive.ErrSystemMismatch):
		return types.ExitArchiveError
	case errors.As(err, &driftErr):
		return types.ExitIntegrityError
	default:
		return types.ExitGenericError
	}
}
