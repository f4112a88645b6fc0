package shutter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState(t *testing.T) {
	t.Run("rest positions are not actions", func(t *testing.T) {
		for _, s := range []State{StateOpen, StateClosed, StateInBetween, StateUnknown} {
			assert.True(t, s.IsRest(), s)
			assert.False(t, s.IsAction(), s)
			assert.True(t, s.Valid(), s)
		}
	})

	t.Run("actions are not rest positions", func(t *testing.T) {
		for _, s := range []State{StateOpening, StateClosing, StateStopping} {
			assert.True(t, s.IsAction(), s)
			assert.False(t, s.IsRest(), s)
		}
	})

	t.Run("arbitrary strings are invalid", func(t *testing.T) {
		assert.False(t, State("half-open").Valid())
		assert.False(t, State("").Valid())
	})
}

func TestClampPosition(t *testing.T) {
	assert.Equal(t, 0, ClampPosition(-5))
	assert.Equal(t, 0, ClampPosition(0))
	assert.Equal(t, 57, ClampPosition(57))
	assert.Equal(t, 100, ClampPosition(100))
	assert.Equal(t, 100, ClampPosition(130))
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"Velux_A", "b", "kitchen-left", "x1_2-3"} {
		assert.NoError(t, ValidateName(name), name)
	}

	for _, name := range []string{"", "1abc", "_a", "salon/l", "a b", "a+"} {
		assert.Error(t, ValidateName(name), name)
	}
}

func TestListeners(t *testing.T) {
	t.Run("every listener is notified", func(t *testing.T) {
		l := NewListeners[int]("test", "position")
		var got []int
		l.Add(func(v int) { got = append(got, v) })
		l.Add(func(v int) { got = append(got, v*10) })

		l.Notify(3)

		assert.ElementsMatch(t, []int{3, 30}, got)
	})

	t.Run("a panicking listener does not affect the others", func(t *testing.T) {
		l := NewListeners[State]("test", "state")
		var got []State
		l.Add(func(State) { panic("boom") })
		l.Add(func(s State) { got = append(got, s) })

		assert.NotPanics(t, func() { l.Notify(StateOpen) })
		assert.Equal(t, []State{StateOpen}, got)
	})

	t.Run("unregister is idempotent", func(t *testing.T) {
		l := NewListeners[int]("test", "position")
		calls := 0
		unregister := l.Add(func(int) { calls++ })
		other := l.Add(func(int) {})

		unregister()
		unregister()
		l.Notify(1)

		assert.Equal(t, 0, calls)
		assert.Equal(t, 1, l.Len())
		other()
		assert.Equal(t, 0, l.Len())
	})
}
