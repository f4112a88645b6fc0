package mcp23017

import (
	"errors"
	"testing"

	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/relay"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/sense"
	"github.com/racerxdl/go-mcp23017"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ relay.SetPin = (*Pin)(nil)
	_ sense.Reader = (*Input)(nil)
)

type fakePort struct {
	modes   map[uint8]mcp23017.PinMode
	levels  map[uint8]mcp23017.PinLevel
	pullUps map[uint8]bool
	err     error

	pullUpErr error
}

func newFakePort() *fakePort {
	return &fakePort{
		modes:   map[uint8]mcp23017.PinMode{},
		levels:  map[uint8]mcp23017.PinLevel{},
		pullUps: map[uint8]bool{},
	}
}

func (p *fakePort) PinMode(pin uint8, mode mcp23017.PinMode) error {
	if p.err != nil {
		return p.err
	}
	p.modes[pin] = mode
	return nil
}

func (p *fakePort) DigitalWrite(pin uint8, level mcp23017.PinLevel) error {
	if p.err != nil {
		return p.err
	}
	p.levels[pin] = level
	return nil
}

func (p *fakePort) SetPullUp(pin uint8, enabled bool) error {
	if p.pullUpErr != nil {
		return p.pullUpErr
	}
	p.pullUps[pin] = enabled
	return nil
}

func (p *fakePort) DigitalRead(pin uint8) (mcp23017.PinLevel, error) {
	if p.err != nil {
		return mcp23017.LOW, p.err
	}
	return p.levels[pin], nil
}

func TestPin(t *testing.T) {
	port := newFakePort()
	d := NewDevice("expander", port)

	pin, err := d.Output(4)
	require.NoError(t, err)
	assert.Equal(t, mcp23017.PinMode(mcp23017.OUTPUT), port.modes[4])
	assert.False(t, port.pullUps[4])

	require.NoError(t, pin.High())
	assert.Equal(t, mcp23017.PinLevel(mcp23017.HIGH), port.levels[4])
	require.NoError(t, pin.Low())
	assert.Equal(t, mcp23017.PinLevel(mcp23017.LOW), port.levels[4])
}

func TestInput(t *testing.T) {
	t.Run("levels are translated", func(t *testing.T) {
		port := newFakePort()
		d := NewDevice("expander", port)

		input, err := d.Input(8)
		require.NoError(t, err)
		assert.Equal(t, mcp23017.PinMode(mcp23017.INPUT), port.modes[8])
		assert.True(t, port.pullUps[8], "sense line idles high on the internal pull-up")

		port.levels[8] = mcp23017.HIGH
		level, err := input.Read()
		require.NoError(t, err)
		assert.Equal(t, sense.High, level)

		port.levels[8] = mcp23017.LOW
		level, err = input.Read()
		require.NoError(t, err)
		assert.Equal(t, sense.Low, level)
	})

	t.Run("bus errors are returned", func(t *testing.T) {
		port := newFakePort()
		d := NewDevice("expander", port)
		input, err := d.Input(8)
		require.NoError(t, err)

		port.err = errors.New("remote I/O error")
		_, err = input.Read()
		assert.Error(t, err)

		_, err = d.Output(1)
		assert.Error(t, err)
	})

	t.Run("pull-up failure is returned", func(t *testing.T) {
		port := newFakePort()
		port.pullUpErr = errors.New("remote I/O error")

		_, err := NewDevice("expander", port).Input(8)
		assert.Error(t, err)
		assert.Equal(t, mcp23017.PinMode(mcp23017.INPUT), port.modes[8])
	})

	t.Run("close without an opened device", func(t *testing.T) {
		assert.NoError(t, NewDevice("expander", newFakePort()).Close())
	})
}
