// Package signal fetches the grid/tariff reading used by the smart charging
// controller. Every failure to obtain a reading is reported as an
// *UnreachableError so callers can carry on without the signal.
package signal

import (
	"context"
	"fmt"

	"ev-smartcharge/params"

	"github.com/juju/loggo"
	"github.com/pkg/errors"
)

var log = loggo.GetLogger("evsc.signal")

// Source returns a fresh grid reading on every call.
type Source interface {
	Fetch(ctx context.Context) (params.GridSignal, error)
}

type UnreachableError struct {
	Source string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("grid signal %s unreachable: %v", e.Source, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

func unreachable(source string, err error) error {
	return &UnreachableError{Source: source, Err: err}
}

// IsUnreachable reports whether err means the signal could not be obtained.
func IsUnreachable(err error) bool {
	var target *UnreachableError
	return errors.As(err, &target)
}
