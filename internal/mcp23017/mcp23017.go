// Package mcp23017 exposes pins of an MCP23017 I2C port expander as shutter
// output and input lines.
package mcp23017

import (
	"sync"

	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/sense"
	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
)

// Port is the part of the expander the pins use.
type Port interface {
	PinMode(pin uint8, mode mcp23017.PinMode) error
	DigitalWrite(pin uint8, level mcp23017.PinLevel) error
	DigitalRead(pin uint8) (mcp23017.PinLevel, error)
	SetPullUp(pin uint8, enabled bool) error
}

// Device serializes access to one expander. Outputs are written from pulse
// goroutines while inputs are polled, and both share the I2C register state.
type Device struct {
	name string
	mu   sync.Mutex
	port Port
	dev  *mcp23017.Device
}

// Open opens and resets the expander at deviceNumber on bus.
func Open(name string, bus, deviceNumber uint8) (*Device, error) {
	dev, err := mcp23017.Open(bus, deviceNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: mcp23017 open failed", name)
	}
	if err := dev.Reset(); err != nil {
		_ = dev.Close()
		return nil, errors.Wrapf(err, "%s: mcp23017 reset failed", name)
	}

	logrus.Infof("%s: mcp23017 opened on bus %d, device %d", name, bus, deviceNumber)

	return &Device{name: name, port: dev, dev: dev}, nil
}

// NewDevice wraps an already opened port.
func NewDevice(name string, port Port) *Device {
	return &Device{name: name, port: port}
}

func (d *Device) Close() error {
	if d.dev == nil {
		return nil
	}
	if err := d.dev.Close(); err != nil {
		return errors.Wrapf(err, "%s: mcp23017 close failed", d.name)
	}

	logrus.Infof("%s: mcp23017 closed", d.name)
	return nil
}

// Output configures pin as an output.
func (d *Device) Output(pin uint8) (*Pin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.port.PinMode(pin, mcp23017.OUTPUT); err != nil {
		return nil, errors.Wrapf(err, "%s: pin %d output mode failed", d.name, pin)
	}

	return &Pin{device: d, pin: pin}, nil
}

// Input configures pin as an input with the internal pull-up enabled, so an
// idle sense line reads High.
func (d *Device) Input(pin uint8) (*Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.port.PinMode(pin, mcp23017.INPUT); err != nil {
		return nil, errors.Wrapf(err, "%s: pin %d input mode failed", d.name, pin)
	}
	if err := d.port.SetPullUp(pin, true); err != nil {
		return nil, errors.Wrapf(err, "%s: pin %d pull-up failed", d.name, pin)
	}

	return &Input{device: d, pin: pin}, nil
}

func (d *Device) write(pin uint8, level mcp23017.PinLevel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.port.DigitalWrite(pin, level)
}

func (d *Device) read(pin uint8) (mcp23017.PinLevel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.port.DigitalRead(pin)
}

// Pin is an output pin.
type Pin struct {
	device *Device
	pin    uint8
}

func (p *Pin) High() error {
	return p.device.write(p.pin, mcp23017.HIGH)
}

func (p *Pin) Low() error {
	return p.device.write(p.pin, mcp23017.LOW)
}

// Input is an input pin.
type Input struct {
	device *Device
	pin    uint8
}

func (i *Input) Read() (sense.Level, error) {
	level, err := i.device.read(i.pin)
	if err != nil {
		return sense.Low, errors.Wrapf(err, "%s: pin %d read failed", i.device.name, i.pin)
	}
	if level == mcp23017.HIGH {
		return sense.High, nil
	}

	return sense.Low, nil
}
