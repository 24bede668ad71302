package main

import "errors"

// Exit codes let scripts tell a missing launcher apart from a failure

const (
	// ExitCodeSuccess indicates normal program termination
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates a generic error (default)
	ExitCodeGeneralError = 1

	// ExitCodeConfigError indicates configuration could not be loaded or validated
	ExitCodeConfigError = 2

	// ExitCodeNotRunning indicates a control command found no running launcher
	ExitCodeNotRunning = 3
)

// exitError carries a specific exit code up to main
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitCodeGeneralError
}
