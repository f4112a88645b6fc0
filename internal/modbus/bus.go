// Package modbus exposes coils and discrete inputs of Modbus relay boards as
// shutter output and input lines.
package modbus

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	coilOn  = 0xFF00
	coilOff = 0x0000

	DefaultTimeout = time.Second
)

type BusConfig struct {
	Kind     string        `yaml:"kind"`
	Address  string        `yaml:"address"`
	BaudRate int           `yaml:"baud_rate"`
	DataBits int           `yaml:"data_bits"`
	Parity   string        `yaml:"parity"`
	StopBits int           `yaml:"stop_bits"`
	Timeout  time.Duration `yaml:"timeout"`
	Debug    bool          `yaml:"debug"`
}

type handler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// Bus serializes requests to the units behind one connection. Reads and
// coil-on writes go through separate circuit breakers so a dead bus fails
// fast instead of stalling every poll and pulse on the timeout. Coil-off
// writes release outputs and are never short-circuited.
type Bus struct {
	name string

	mu        sync.Mutex
	handler   handler
	client    modbus.Client
	connected bool

	reads  *gobreaker.CircuitBreaker
	writes *gobreaker.CircuitBreaker
}

func NewBus(name string, cfg BusConfig) (*Bus, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var logger *log.Logger
	if cfg.Debug {
		logger = log.New(logrus.WithField("bus", name).WriterLevel(logrus.DebugLevel), "", 0)
	}

	var h handler
	switch strings.ToLower(cfg.Kind) {
	case "tcp":
		th := modbus.NewTCPClientHandler(cfg.Address)
		th.Timeout = timeout
		th.Logger = logger
		h = th
	case "rtu":
		rh := modbus.NewRTUClientHandler(cfg.Address)
		// zero values keep the handler defaults
		if cfg.BaudRate > 0 {
			rh.BaudRate = cfg.BaudRate
		}
		if cfg.DataBits > 0 {
			rh.DataBits = cfg.DataBits
		}
		if cfg.Parity != "" {
			rh.Parity = cfg.Parity
		}
		if cfg.StopBits > 0 {
			rh.StopBits = cfg.StopBits
		}
		rh.Timeout = timeout
		rh.Logger = logger
		h = rh
	default:
		return nil, errors.Errorf("%s: %q is not supported modbus bus kind", name, cfg.Kind)
	}

	return newBus(name, h, modbus.NewClient(h)), nil
}

func newBus(name string, h handler, client modbus.Client) *Bus {
	return &Bus{
		name:    name,
		handler: h,
		client:  client,
		reads:   newBreaker("modbus-" + name + "-reads"),
		writes:  newBreaker("modbus-" + name + "-writes"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: time.Minute,
		Timeout:  5 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(breaker string, from, to gobreaker.State) {
			logrus.Warnf("%s: circuit breaker %s -> %s", breaker, from, to)
		},
	})
}

// Connect opens the bus, retrying with exponential backoff up to retries
// times.
func (b *Bus) Connect(ctx context.Context, retries uint64) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)

	err := backoff.Retry(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		if err := b.connectLocked(); err != nil {
			logrus.Warnf("%s: modbus connect failed: %s", b.name, err)
			return err
		}
		return nil
	}, bo)
	if err != nil {
		return errors.Wrapf(err, "%s: modbus connect failed", b.name)
	}

	logrus.Infof("%s: modbus connected", b.name)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connected = false
	return b.handler.Close()
}

func (b *Bus) WriteCoil(unit byte, address uint16, on bool) error {
	write := func(value uint16) func(c modbus.Client) ([]byte, error) {
		return func(c modbus.Client) ([]byte, error) {
			return c.WriteSingleCoil(address, value)
		}
	}

	var err error
	if on {
		_, err = b.do(b.writes, unit, write(coilOn))
	} else {
		_, err = b.exec(unit, write(coilOff))
	}
	if err != nil {
		return errors.Wrapf(err, "%s: write coil %d@%d failed", b.name, address, unit)
	}

	return nil
}

func (b *Bus) ReadDiscreteInput(unit byte, address uint16) (bool, error) {
	data, err := b.do(b.reads, unit, func(c modbus.Client) ([]byte, error) {
		return c.ReadDiscreteInputs(address, 1)
	})
	if err != nil {
		return false, errors.Wrapf(err, "%s: read discrete input %d@%d failed", b.name, address, unit)
	}
	if len(data) == 0 {
		return false, errors.Errorf("%s: empty discrete input response", b.name)
	}

	// bit0 is the requested input
	return data[0]&0x01 != 0, nil
}

func (b *Bus) do(breaker *gobreaker.CircuitBreaker, unit byte, fn func(c modbus.Client) ([]byte, error)) ([]byte, error) {
	v, err := breaker.Execute(func() (interface{}, error) {
		return b.exec(unit, fn)
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

func (b *Bus) exec(unit byte, fn func(c modbus.Client) ([]byte, error)) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	b.setUnitLocked(unit)

	data, err := fn(b.client)
	if err != nil {
		// reconnect on the next request
		b.connected = false
		_ = b.handler.Close()
		return nil, err
	}

	return data, nil
}

func (b *Bus) connectLocked() error {
	if b.connected {
		return nil
	}
	if err := b.handler.Connect(); err != nil {
		return err
	}

	b.connected = true
	return nil
}

func (b *Bus) setUnitLocked(unit byte) {
	switch h := b.handler.(type) {
	case *modbus.TCPClientHandler:
		h.SlaveId = unit
	case *modbus.RTUClientHandler:
		h.SlaveId = unit
	}
}

// Coil is a coil used as a relay output line.
type Coil struct {
	Bus     *Bus
	Unit    byte
	Address uint16
}

func (c *Coil) High() error {
	return c.Bus.WriteCoil(c.Unit, c.Address, true)
}

func (c *Coil) Low() error {
	return c.Bus.WriteCoil(c.Unit, c.Address, false)
}
