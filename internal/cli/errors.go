package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/amanthanvi/credstore/internal/config"
	"github.com/amanthanvi/credstore/internal/vault"
)

const (
	ExitCodeSuccess        = 0
	ExitCodeGeneric        = 1
	ExitCodeUsage          = 2
	ExitCodeNotFound       = 3
	ExitCodePermission     = 4
	ExitCodeAuthFailed     = 5
	ExitCodeNotInitialized = 6
	ExitCodeIO             = 7
	ExitCodeIntegrity      = 8
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	switch {
	case errors.Is(err, vault.ErrValidation), errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, vault.ErrAlreadyInitialized):
		return asExitError(ExitCodeUsage, err)
	case errors.Is(err, vault.ErrNotFound):
		return asExitError(ExitCodeNotFound, err)
	case errors.Is(err, vault.ErrNotInitialized):
		return asExitError(ExitCodeNotInitialized, err)
	case errors.Is(err, vault.ErrWeakPassphrase), errors.Is(err, vault.ErrLocked),
		errors.Is(err, vault.ErrWrongPassphrase):
		return asExitError(ExitCodeAuthFailed, err)
	case errors.Is(err, vault.ErrIntegrity):
		return asExitError(ExitCodeIntegrity, err)
	case errors.Is(err, vault.ErrIO), errors.Is(err, vault.ErrStorageFull):
		return asExitError(ExitCodeIO, err)
	case errors.Is(err, fs.ErrPermission):
		return asExitError(ExitCodePermission, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) {
		return asExitError(ExitCodeIO, err)
	}
	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}
