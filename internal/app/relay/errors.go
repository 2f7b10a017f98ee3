package relay

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInternal        = errors.New("internal error")
	ErrManagerClosed   = errors.New("upstream manager closed")
	ErrMalformedFrame  = errors.New("malformed frame")
)

type SwitchErrorKind int

const (
	KindInvalidArgument SwitchErrorKind = iota + 1
	KindInternal
)

func (k SwitchErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SwitchError is returned by SwitchTo. A KindInternal error is reported
// together with a valid Ack: the switch went ahead.
type SwitchError struct {
	Kind SwitchErrorKind
	Err  error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("switch %s: %v", e.Kind, e.Err)
}

func (e *SwitchError) Unwrap() []error {
	switch e.Kind {
	case KindInvalidArgument:
		return []error{ErrInvalidArgument, e.Err}
	case KindInternal:
		return []error{ErrInternal, e.Err}
	default:
		return []error{e.Err}
	}
}

func invalidArgument(format string, args ...any) error {
	return &SwitchError{Kind: KindInvalidArgument, Err: fmt.Errorf(format, args...)}
}
