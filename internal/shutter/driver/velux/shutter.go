// Package velux drives shutters that are controlled through momentary up and
// down lines and report through a single input when the motor stopped, like
// the outputs of a VELUX KLF 150 interface. Those controllers give no
// position feedback, so the position is estimated from how long the motor
// ran, measured against the history of full traverses.
package velux

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaflik/velux2mqtt/internal/persistence"
	"github.com/jkaflik/velux2mqtt/internal/shutter"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/relay"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/sense"
	"github.com/jkaflik/velux2mqtt/internal/shutter/duration"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// Estimates that end this close to a boundary are snapped to it.
	closedSnapBelow = 3
	openSnapAbove   = 97
)

type Option func(s *Shutter)

func WithClock(c Clock) Option {
	return func(s *Shutter) { s.clock = c }
}

func WithPulseDuration(d time.Duration) Option {
	return func(s *Shutter) { s.pulseDuration = d }
}

// Shutter is the state machine of a single shutter. Commands, sense line
// edges and automatic stops are serialized by mu. Listeners are called with
// mu held: they may read State and Position but must not issue commands.
type Shutter struct {
	name          string
	up            relay.Relay
	down          relay.Relay
	store         persistence.Store
	durations     *duration.Store
	clock         Clock
	pulseDuration time.Duration
	metrics       *shutterMetrics

	stateListeners    *shutter.Listeners[shutter.State]
	positionListeners *shutter.Listeners[int]

	state    atomic.Value
	position atomic.Int32

	mu              sync.Mutex
	preStopState    shutter.State
	prevRestState   shutter.State
	actionStartedAt time.Time
	stopStartedAt   time.Time
	autoStop        *autoStop
}

type autoStop struct {
	timer Timer
}

// New creates a shutter seeded from whatever store holds.
func New(name string, up, down relay.Relay, store persistence.Store, opts ...Option) *Shutter {
	s := &Shutter{
		name:              name,
		up:                up,
		down:              down,
		store:             store,
		durations:         duration.NewStore(persistence.DurationBackend(store)),
		clock:             realClock{},
		pulseDuration:     relay.DefaultPulseDuration,
		metrics:           newShutterMetrics(name),
		stateListeners:    shutter.NewListeners[shutter.State](name, "state"),
		positionListeners: shutter.NewListeners[int](name, "position"),
		preStopState:      shutter.StateUnknown,
	}
	for _, opt := range opts {
		opt(s)
	}

	state := shutter.StateUnknown
	position := shutter.UnknownPosition

	record := store.Get()
	if record.Position != nil && *record.Position >= shutter.FullClosePosition && *record.Position <= shutter.FullOpenPosition {
		position = *record.Position
	}
	if record.State != nil && record.State.IsRest() {
		state = *record.State
	}

	s.state.Store(state)
	s.position.Store(int32(position))
	s.prevRestState = state
	s.metrics.setPosition(position)

	logrus.Infof("%s: restored state %s, position %d", name, state, position)

	return s
}

func (s *Shutter) Name() string {
	return s.name
}

func (s *Shutter) State() shutter.State {
	return s.state.Load().(shutter.State)
}

func (s *Shutter) Position() int {
	return int(s.position.Load())
}

// Durations exposes the timing history the estimates are based on.
func (s *Shutter) Durations() *duration.Store {
	return s.durations
}

func (s *Shutter) OnStateChange(l shutter.StateListener) func() {
	return s.stateListeners.Add(l)
}

func (s *Shutter) OnPositionChange(l shutter.PositionListener) func() {
	return s.positionListeners.Add(l)
}

func (s *Shutter) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logrus.Infof("%s: open", s.name)
	s.cancelAutoStopLocked()
	s.openLocked(ctx)

	return nil
}

func (s *Shutter) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logrus.Infof("%s: close", s.name)
	s.cancelAutoStopLocked()
	s.closeLocked(ctx)

	return nil
}

func (s *Shutter) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logrus.Infof("%s: stop", s.name)
	s.cancelAutoStopLocked()
	s.stopLocked(ctx)

	return nil
}

// SetPosition moves towards position and, when the travel time can be
// estimated, stops the motor once it should have been reached.
//
// Asking for the current position while the shutter rests in a known state
// does not pulse any output: a zero-length move would only start the motor
// with no automatic stop behind it. 0 and 100 always issue close and open.
func (s *Shutter) SetPosition(ctx context.Context, position int) error {
	if position < shutter.FullClosePosition || position > shutter.FullOpenPosition {
		return errors.Errorf(
			"%s: %d is out of range open/close position (%d/%d)",
			s.name,
			position,
			shutter.FullOpenPosition,
			shutter.FullClosePosition,
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logrus.Infof("%s: set position to %d", s.name, position)
	s.cancelAutoStopLocked()

	switch position {
	case shutter.FullClosePosition:
		s.closeLocked(ctx)
		return nil
	case shutter.FullOpenPosition:
		s.openLocked(ctx)
		return nil
	}

	current := s.Position()
	if state := s.State(); position == current && state.IsRest() && state != shutter.StateUnknown {
		logrus.Debugf("%s: already on a position %d", s.name, position)
		return nil
	}

	var (
		action shutter.State
		diff   int
	)
	if position > current {
		action, diff = shutter.StateOpening, position-current
		s.openLocked(ctx)
	} else {
		action, diff = shutter.StateClosing, current-position
		s.closeLocked(ctx)
	}

	after := s.durations.EstimatedActionDuration(action) * time.Duration(diff) / 100
	if after <= 0 {
		logrus.Warnf("%s: no %s duration known yet, moving without automatic stop", s.name, action)
		return nil
	}

	s.scheduleAutoStopLocked(ctx, after)

	return nil
}

// HandleEdge consumes a sense line transition. Only a falling edge while an
// action is pending resolves the shutter into a rest position.
func (s *Shutter) HandleEdge(level sense.Level, err error) {
	if err != nil {
		logrus.Errorf("%s: input watch failed: %s", s.name, err)
		return
	}
	if level != sense.Low {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch state := s.State(); state {
	case shutter.StateOpening:
		s.restLocked(shutter.StateOpen)
	case shutter.StateClosing:
		s.restLocked(shutter.StateClosed)
	case shutter.StateStopping:
		s.restLocked(shutter.StateInBetween)
	default:
		logrus.Debugf("%s: done signal ignored in state %s", s.name, state)
	}
}

// Watch resolves the shutter from line until ctx is done.
func (s *Shutter) Watch(ctx context.Context, line sense.Line) {
	line.Watch(ctx, s.HandleEdge)
}

// Destroy cancels a pending automatic stop.
func (s *Shutter) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelAutoStopLocked()
}

func (s *Shutter) openLocked(ctx context.Context) {
	s.actionLocked(shutter.StateOpening)
	s.pulse(ctx, s.up)
}

func (s *Shutter) closeLocked(ctx context.Context) {
	s.actionLocked(shutter.StateClosing)
	s.pulse(ctx, s.down)
}

func (s *Shutter) stopLocked(ctx context.Context) {
	s.actionLocked(shutter.StateStopping)
	s.pulse(ctx, s.up, s.down)
}

func (s *Shutter) actionLocked(action shutter.State) {
	now := s.clock.Now()
	prev := s.State()

	switch action {
	case shutter.StateStopping:
		// A repeated stop keeps measuring from the first one.
		if prev != shutter.StateStopping {
			s.preStopState = prev
			s.stopStartedAt = now
		}
	case shutter.StateOpening, shutter.StateClosing:
		s.actionStartedAt = now
		// An interrupted action can't be attributed to a single traverse.
		if prev.IsAction() {
			s.actionStartedAt = time.Time{}
		}
	}

	s.state.Store(action)
	s.metrics.transition(action)
	s.stateListeners.Notify(action)
}

func (s *Shutter) restLocked(rest shutter.State) {
	now := s.clock.Now()
	action := s.State()

	signalLatency := s.durations.Average(duration.SignalRoundTrip)

	var measured time.Duration
	if !s.actionStartedAt.IsZero() {
		measured = now.Sub(s.actionStartedAt)
	}

	moved := measured - signalLatency
	if moved < 0 {
		moved = 0
	}

	position := s.Position()
	switch rest {
	case shutter.StateInBetween:
		delta := s.durations.PositionDelta(s.preStopState, moved)
		switch s.preStopState {
		case shutter.StateOpening:
			position = shutter.ClampPosition(position + delta)
		case shutter.StateClosing:
			position = shutter.ClampPosition(position - delta)
		}

		roundTrip := now.Sub(s.stopStartedAt)
		s.durations.Record(duration.SignalRoundTrip, roundTrip)
		s.metrics.sample(duration.SignalRoundTrip, roundTrip)
		logrus.Debugf("%s: stop confirmed after %s, moved %s", s.name, roundTrip, moved)
	case shutter.StateClosed:
		if delta := s.durations.PositionDelta(action, moved); delta != 0 {
			position = shutter.ClampPosition(position - delta)
			if position < closedSnapBelow {
				position = shutter.FullClosePosition
			}
		} else {
			position = shutter.FullClosePosition
		}
	case shutter.StateOpen:
		if delta := s.durations.PositionDelta(action, moved); delta != 0 {
			position = shutter.ClampPosition(position + delta)
			if position > openSnapAbove {
				position = shutter.FullOpenPosition
			}
		} else {
			position = shutter.FullOpenPosition
		}
	}

	s.position.Store(int32(position))
	s.state.Store(rest)
	s.metrics.setPosition(position)
	s.metrics.transition(rest)

	logrus.Infof("%s: updated state %s, position %d", s.name, rest, position)

	s.positionListeners.Notify(position)
	s.stateListeners.Notify(rest)
	s.store.Set(persistence.Record{State: &rest, Position: &position})

	prevRest := s.prevRestState
	s.prevRestState = rest

	var full duration.Kind
	switch {
	case prevRest == shutter.StateOpen && rest == shutter.StateClosed:
		full = duration.FullClose
	case prevRest == shutter.StateClosed && rest == shutter.StateOpen:
		full = duration.FullOpen
	default:
		return
	}
	if measured > 0 {
		s.durations.Record(full, measured)
		s.metrics.sample(full, measured)
		logrus.Debugf("%s: full traverse took %s", s.name, measured)
	}
}

func (s *Shutter) scheduleAutoStopLocked(ctx context.Context, after time.Duration) {
	pending := &autoStop{}
	pending.timer = s.clock.AfterFunc(after, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.autoStop != pending {
			return
		}
		s.autoStop = nil

		logrus.Infof("%s: target position reached, stop", s.name)
		s.stopLocked(ctx)
	})
	s.autoStop = pending

	logrus.Debugf("%s: automatic stop in %s", s.name, after)
}

func (s *Shutter) cancelAutoStopLocked() {
	if s.autoStop == nil {
		return
	}

	s.autoStop.timer.Stop()
	s.autoStop = nil
	logrus.Debugf("%s: pending automatic stop canceled", s.name)
}

func (s *Shutter) pulse(ctx context.Context, relays ...relay.Relay) {
	go func() {
		err := relay.Pulse(ctx, s.pulseDuration, relays...)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			logrus.Debugf("%s: pulse canceled", s.name)
		default:
			logrus.Errorf("%s: pulse failed: %s", s.name, err)
		}
	}()
}
