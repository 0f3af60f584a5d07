package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/FranksOps/prospector/internal/session"
)

// Kind classifies why a run failed.
type Kind string

const (
	KindSessionUnavailable Kind = "session_unavailable"
	KindTargetUnreachable  Kind = "target_unreachable"
	KindRateLimited        Kind = "rate_limited"
	KindPersistenceError   Kind = "persistence_error"
	KindCanceled           Kind = "canceled"
	KindUnknown            Kind = "internal"
)

// Error is the typed failure of a run.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err. Errors that did not come out of a run are
// classified by the session sentinels they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, session.ErrAuthFailed):
		// A login that could not reach the site is still a session that never
		// became ready.
		return KindSessionUnavailable
	case errors.Is(err, session.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, session.ErrTargetUnreachable):
		return KindTargetUnreachable
	case errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrChallenged),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrNotOpen):
		return KindSessionUnavailable
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		// Waiting for the session or a page past the caller's deadline.
		return KindSessionUnavailable
	}
	return KindUnknown
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}
