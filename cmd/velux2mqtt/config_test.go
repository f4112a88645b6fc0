package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateShuttersConfig(t *testing.T) {
	t.Run("valid names", func(t *testing.T) {
		assert.NoError(t, validateShuttersConfig([]cfgShutter{{Name: "Velux_A"}, {Name: "garage-door"}}))
	})

	t.Run("invalid name", func(t *testing.T) {
		assert.Error(t, validateShuttersConfig([]cfgShutter{{Name: "living room"}}))
	})

	t.Run("duplicate name", func(t *testing.T) {
		assert.Error(t, validateShuttersConfig([]cfgShutter{{Name: "Velux_A"}, {Name: "Velux_A"}}))
	})
}

func TestValidateRelayPool(t *testing.T) {
	velux := []cfgShutter{{Name: "Velux_A", Kind: shutterKindVelux}}
	buttons := []cfgShutter{{Name: "Garage", Kind: shutterKindThreeButton}}

	assert.NoError(t, validateRelayPool(0, velux), "no pool")
	assert.NoError(t, validateRelayPool(2, velux))
	assert.Error(t, validateRelayPool(1, velux), "stop pulse would be serialized")
	assert.Error(t, validateRelayPool(-1, velux))
	assert.NoError(t, validateRelayPool(1, buttons))
}

func TestLoadConfigFromYamlFile(t *testing.T) {
	loadConfigFromYamlFile("../../config.example.yaml")

	assert.Len(t, Cfg.Shutters, 3)
	assert.Equal(t, "attic", Cfg.MQTT.Namespace)
	assert.Equal(t, "velux", Cfg.Shutters[0].Kind)
	assert.Equal(t, "mcp23017", Cfg.Shutters[0].Driver.Velux.Input.Kind)
	assert.Equal(t, uint16(8), Cfg.Shutters[0].Driver.Velux.Input.Pin)
	assert.Equal(t, "board", Cfg.Shutters[1].Driver.Velux.Up.Pin.Modbus)
	assert.Equal(t, "tcp", Cfg.Drivers.Modbus["board"].Kind)
	assert.Equal(t, uint8(1), Cfg.Drivers.Relay.Mcp23017[0].Bus)
	assert.NoError(t, validateShuttersConfig(Cfg.Shutters))
	assert.NoError(t, validateRelayPool(Cfg.Drivers.Relay.Pool, Cfg.Shutters))
}
