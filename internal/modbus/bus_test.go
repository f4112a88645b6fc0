package modbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/relay"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/sense"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ relay.SetPin = (*Coil)(nil)
	_ sense.Reader = (*DiscreteInput)(nil)
)

type fakeHandler struct {
	modbus.ClientHandler

	connects   int
	closes     int
	connectErr error
}

func (h *fakeHandler) Connect() error {
	h.connects++
	return h.connectErr
}

func (h *fakeHandler) Close() error {
	h.closes++
	return nil
}

type coilWrite struct {
	address uint16
	value   uint16
}

type fakeClient struct {
	modbus.Client

	mu     sync.Mutex
	writes []coilWrite
	inputs []byte
	err    error
}

func (c *fakeClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.writes = append(c.writes, coilWrite{address, value})
	return []byte{0, 0, 0, 0}, nil
}

func (c *fakeClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.inputs, nil
}

func (c *fakeClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeClient) coilWrites() []coilWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]coilWrite(nil), c.writes...)
}

func TestCoil(t *testing.T) {
	h, c := &fakeHandler{}, &fakeClient{}
	coil := &Coil{Bus: newBus("board", h, c), Unit: 1, Address: 3}

	require.NoError(t, coil.High())
	require.NoError(t, coil.Low())

	assert.Equal(t, []coilWrite{{3, coilOn}, {3, coilOff}}, c.writes)
	assert.Equal(t, 1, h.connects, "connection is reused")
}

func TestDiscreteInput(t *testing.T) {
	t.Run("bit0 is the level", func(t *testing.T) {
		c := &fakeClient{inputs: []byte{0x01}}
		input := &DiscreteInput{Bus: newBus("board", &fakeHandler{}, c), Unit: 1, Address: 0}

		level, err := input.Read()
		require.NoError(t, err)
		assert.Equal(t, sense.High, level)

		c.inputs = []byte{0xFE}
		level, err = input.Read()
		require.NoError(t, err)
		assert.Equal(t, sense.Low, level)
	})

	t.Run("empty response is an error", func(t *testing.T) {
		input := &DiscreteInput{Bus: newBus("board", &fakeHandler{}, &fakeClient{inputs: []byte{}})}

		_, err := input.Read()
		assert.Error(t, err)
	})
}

func TestBusFailures(t *testing.T) {
	t.Run("a failed request reconnects on the next one", func(t *testing.T) {
		h, c := &fakeHandler{}, &fakeClient{err: errors.New("i/o timeout")}
		bus := newBus("board", h, c)

		assert.Error(t, bus.WriteCoil(1, 0, true))
		c.setErr(nil)
		assert.NoError(t, bus.WriteCoil(1, 0, true))

		assert.Equal(t, 2, h.connects)
		assert.Equal(t, 1, h.closes)
	})

	t.Run("breaker opens after consecutive failures", func(t *testing.T) {
		h := &fakeHandler{connectErr: errors.New("connection refused")}
		bus := newBus("board", h, &fakeClient{})

		for i := 0; i < 3; i++ {
			assert.Error(t, bus.WriteCoil(1, 0, true))
		}
		err := bus.WriteCoil(1, 0, true)

		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, 3, h.connects)
	})

	t.Run("coil release is not short-circuited by an open breaker", func(t *testing.T) {
		h, c := &fakeHandler{}, &fakeClient{err: errors.New("i/o timeout")}
		bus := newBus("board", h, c)

		for i := 0; i < 4; i++ {
			assert.Error(t, bus.WriteCoil(1, 3, true))
		}
		c.setErr(nil)

		assert.ErrorIs(t, bus.WriteCoil(1, 3, true), gobreaker.ErrOpenState)
		require.NoError(t, bus.WriteCoil(1, 3, false))
		assert.Equal(t, []coilWrite{{3, coilOff}}, c.coilWrites())
	})

	t.Run("failing reads do not open the write breaker", func(t *testing.T) {
		c := &fakeClient{err: errors.New("i/o timeout")}
		bus := newBus("board", &fakeHandler{}, c)
		input := &DiscreteInput{Bus: bus, Unit: 1, Address: 0}

		for i := 0; i < 3; i++ {
			_, err := input.Read()
			assert.Error(t, err)
		}
		_, err := input.Read()
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)

		c.setErr(nil)
		assert.NoError(t, bus.WriteCoil(1, 3, true))
	})

	t.Run("connect gives up after retries", func(t *testing.T) {
		h := &fakeHandler{connectErr: errors.New("connection refused")}
		bus := newBus("board", h, &fakeClient{})

		assert.Error(t, bus.Connect(context.Background(), 1))
		assert.Equal(t, 2, h.connects)
	})

	t.Run("unsupported kind", func(t *testing.T) {
		_, err := NewBus("board", BusConfig{Kind: "ascii"})
		assert.Error(t, err)
	})
}

func TestPulseReleasedWhileInputsFail(t *testing.T) {
	c := &fakeClient{inputs: []byte{0x01}}
	bus := newBus("board", &fakeHandler{}, c)
	up := &relay.Wired{Name: "up", Pin: &Coil{Bus: bus, Unit: 1, Address: 3}}
	input := &DiscreteInput{Bus: bus, Unit: 1, Address: 0}

	done := make(chan error, 1)
	go func() {
		done <- up.EnableFor(context.Background(), 200*time.Millisecond)
	}()
	require.Eventually(t, up.IsEnabled, time.Second, time.Millisecond)

	c.setErr(errors.New("i/o timeout"))
	for i := 0; i < 3; i++ {
		_, err := input.Read()
		assert.Error(t, err)
	}
	_, err := input.Read()
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	c.setErr(nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pulse did not finish")
	}

	assert.Equal(t, []coilWrite{{3, coilOn}, {3, coilOff}}, c.coilWrites())
	assert.False(t, up.IsEnabled())
}
