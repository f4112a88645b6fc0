package modbus

import "github.com/jkaflik/velux2mqtt/internal/shutter/driver/sense"

// DiscreteInput is a discrete input used as a sense line.
type DiscreteInput struct {
	Bus     *Bus
	Unit    byte
	Address uint16
}

func (i *DiscreteInput) Read() (sense.Level, error) {
	on, err := i.Bus.ReadDiscreteInput(i.Unit, i.Address)
	if err != nil {
		return sense.Low, err
	}
	if on {
		return sense.High, nil
	}

	return sense.Low, nil
}
