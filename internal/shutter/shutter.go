package shutter

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
)

// State is the discrete state of a shutter. Rest positions (open, closed,
// in-between, unknown) are stable; actions (opening, closing, stopping) mean
// the motor has been commanded and the controller has not confirmed yet.
type State string

const (
	StateOpen      State = "open"
	StateClosed    State = "closed"
	StateInBetween State = "in-between"
	StateUnknown   State = "unknown"

	StateOpening  State = "opening"
	StateClosing  State = "closing"
	StateStopping State = "stopping"
)

// IsRest reports whether s is a rest position.
func (s State) IsRest() bool {
	switch s {
	case StateOpen, StateClosed, StateInBetween, StateUnknown:
		return true
	}
	return false
}

// IsAction reports whether s is a transient action state.
func (s State) IsAction() bool {
	switch s {
	case StateOpening, StateClosing, StateStopping:
		return true
	}
	return false
}

func (s State) Valid() bool {
	return s.IsRest() || s.IsAction()
}

func (s State) String() string {
	return string(s)
}

const (
	FullClosePosition = 0
	FullOpenPosition  = 100

	// UnknownPosition is reported until the first rest position has been
	// resolved. It is never produced by an estimate.
	UnknownPosition = 42
)

// ClampPosition limits p to [FullClosePosition, FullOpenPosition].
func ClampPosition(p int) int {
	if p < FullClosePosition {
		return FullClosePosition
	}
	if p > FullOpenPosition {
		return FullOpenPosition
	}
	return p
}

type StateListener func(state State)

type PositionListener func(position int)

// Shutter is the capability set every shutter exposes.
type Shutter interface {
	Name() string

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StatefulShutter interface {
	Shutter

	State() State
	OnStateChange(l StateListener) (unregister func())
}

type PositionedShutter interface {
	StatefulShutter

	Position() int
	SetPosition(ctx context.Context, position int) error
	OnPositionChange(l PositionListener) (unregister func())
}

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidateName checks that name can be used as a topic and persistence key.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return errors.Errorf("%q is not a valid name, must match %s", name, namePattern.String())
	}
	return nil
}
