// ABOUTME: exitError lets cobra RunE functions return a specific exit code without calling os.Exit.
// ABOUTME: execute unwraps it; any other error exits with status 1.
package main

import (
	"errors"
	"fmt"
)

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newExitError(code int) *exitError {
	return &exitError{code: code}
}

func isExitError(err error) (int, bool) {
	var e *exitError
	if errors.As(err, &e) {
		return e.code, true
	}
	return 0, false
}
