package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelUnavailable means a transport could not be constructed in
	// this environment. The channel is omitted; it is not a failure.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrNotApplicable is a routing decision, never counted as a failure.
	ErrNotApplicable = errors.New("strategy not applicable")
	ErrNoElement     = errors.New("no input element found")
	ErrNoEffect      = errors.New("value did not stick")
	// ErrAllStrategiesExhausted is the only failure surfaced to the user.
	ErrAllStrategiesExhausted = errors.New("all injection strategies exhausted")
)

// StrategyError carries the failure kind of one strategy attempt.
type StrategyError struct {
	Kind FailureKind
	Err  error
}

func (e *StrategyError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// Fail wraps err with a failure kind.
func Fail(kind FailureKind, err error) error {
	return &StrategyError{Kind: kind, Err: err}
}

// KindOf maps an attempt error onto the failure taxonomy. Unclassified
// errors count as KindThrew.
func KindOf(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	var se *StrategyError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrNotApplicable):
		return KindNotApplicable
	case errors.Is(err, ErrNoElement):
		return KindNoElement
	case errors.Is(err, ErrNoEffect):
		return KindNoEffect
	}
	return KindThrew
}
