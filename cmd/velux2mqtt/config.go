package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/velux2mqtt/internal/mcp23017"
	"github.com/jkaflik/velux2mqtt/internal/modbus"
	"github.com/jkaflik/velux2mqtt/internal/persistence"
	"github.com/jkaflik/velux2mqtt/internal/shutter"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/button"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/relay"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/sense"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/velux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	shutterKindVelux       = "velux"
	shutterKindThreeButton = "three_button"
)

type cfgPin struct {
	Kind string `yaml:"kind"`

	Pin uint16 `yaml:"pin"`

	Mcp23017 int    `yaml:"mcp23017"`
	Modbus   string `yaml:"modbus"`
	Unit     byte   `yaml:"unit"`
}

type cfgRelay struct {
	Kind string `yaml:"kind"`

	Pin       cfgPin `yaml:"pin"`
	ActiveLow bool   `yaml:"active_low"`
}

type cfgShutterMQTTBridge struct {
	Metadata map[string]interface{} `yaml:"metadata"`
}

type cfgShutterDriverVelux struct {
	Up    cfgRelay `yaml:"up"`
	Down  cfgRelay `yaml:"down"`
	Input cfgPin   `yaml:"input"`
}

type cfgShutterDriverThreeButton struct {
	Open  cfgRelay `yaml:"open"`
	Stop  cfgRelay `yaml:"stop"`
	Close cfgRelay `yaml:"close"`
}

type cfgShutterDriver struct {
	Velux       cfgShutterDriverVelux       `yaml:"velux"`
	ThreeButton cfgShutterDriverThreeButton `yaml:"three_button"`
}

type cfgShutter struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	MQTTBridge cfgShutterMQTTBridge `yaml:"mqtt_bridge"`

	Driver cfgShutterDriver `yaml:"driver"`
}

type cfgMcp23017 struct {
	Bus          uint8 `yaml:"bus"`
	DeviceNumber uint8 `yaml:"device_number"`
}

type cfgDrivers struct {
	Relay struct {
		Pool     int                 `yaml:"pool" default:"0"`
		Mcp23017 map[int]cfgMcp23017 `yaml:"mcp23017"`
	} `yaml:"relay"`

	Modbus map[string]modbus.BusConfig `yaml:"modbus"`
}

type cfgMQTT struct {
	ClientID       string `yaml:"client_id" default:"velux2mqtt" env:"CLIENT_ID"`
	Broker         string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username       string `yaml:"username" env:"USERNAME"`
	Password       string `yaml:"password" env:"PASSWORD"`
	TopicPrefix    string `yaml:"topic_prefix" default:"velux2mqtt" env:"TOPIC_PREFIX"`
	Namespace      string `yaml:"namespace" default:"shutter" env:"NAMESPACE"`
	ConnectRetries int    `yaml:"connect_retries" default:"5" env:"CONNECT_RETRIES"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgHTTP struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

var Cfg struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	StateFile          string        `yaml:"state_file" default:"/tmp/velux-shutter-state.json" env:"STATE_FILE"`
	StateWriteDebounce time.Duration `yaml:"state_write_debounce" default:"200ms" env:"STATE_WRITE_DEBOUNCE"`
	PulseDuration      time.Duration `yaml:"pulse_duration" default:"200ms" env:"PULSE_DURATION"`
	InputPollInterval  time.Duration `yaml:"input_poll_interval" default:"10ms" env:"INPUT_POLL_INTERVAL"`

	HTTP cfgHTTP `yaml:"http" env:"HTTP"`
	MQTT cfgMQTT `yaml:"mqtt" env:"MQTT"`
	HASS cfgHASS `yaml:"hass" env:"HASS"`

	Shutters []cfgShutter `yaml:"shutters"`

	Drivers cfgDrivers `yaml:"drivers"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "V2M",
	SkipFlags: true,
})

func loadConfigFromYamlFile(filename string) {
	f, err := os.Open(filename)
	if err != nil {
		logrus.Error(err)
		return
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		logrus.Fatal(err)
		return
	}
}

func validateShuttersConfig(shutters []cfgShutter) error {
	seen := make(map[string]bool, len(shutters))
	for _, cfg := range shutters {
		if err := shutter.ValidateName(cfg.Name); err != nil {
			return err
		}
		if seen[cfg.Name] {
			return errors.Errorf("%s: shutter defined more than once", cfg.Name)
		}
		seen[cfg.Name] = true
	}

	return nil
}

// validateRelayPool rejects a pool that cannot hold both lines of a velux
// stop pulse at once.
func validateRelayPool(pool int, shutters []cfgShutter) error {
	if pool == 0 || pool >= 2 {
		return nil
	}

	for _, cfg := range shutters {
		if cfg.Kind == shutterKindVelux {
			return errors.Errorf("%s: drivers.relay.pool must be at least 2 to pulse up and down together, got %d", cfg.Name, pool)
		}
	}

	return nil
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(Cfg.MQTT.ClientID).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}

// hardware opens expanders and buses on first use and closes them on
// shutdown.
type hardware struct {
	pool    chan struct{}
	mcp     map[int]*mcp23017.Device
	modbus  map[string]*modbus.Bus
	retries uint64
}

func newHardware() *hardware {
	h := &hardware{
		mcp:     map[int]*mcp23017.Device{},
		modbus:  map[string]*modbus.Bus{},
		retries: uint64(Cfg.MQTT.ConnectRetries),
	}
	if Cfg.Drivers.Relay.Pool > 0 {
		h.pool = make(chan struct{}, Cfg.Drivers.Relay.Pool)
	}

	return h
}

func (h *hardware) Close() {
	for id, dev := range h.mcp {
		if err := dev.Close(); err != nil {
			logrus.Errorf("mcp23017-%d: %s", id, err)
		}
	}
	for id, bus := range h.modbus {
		if err := bus.Close(); err != nil {
			logrus.Errorf("%s: modbus close failed: %s", id, err)
		}
	}
}

func (h *hardware) mcp23017Device(id int) *mcp23017.Device {
	if dev := h.mcp[id]; dev != nil {
		return dev
	}

	cfg, found := Cfg.Drivers.Relay.Mcp23017[id]
	if !found {
		logrus.Fatalf("%d is not valid defined drivers.relay.mcp23017", id)
		return nil
	}

	dev, err := mcp23017.Open(fmt.Sprintf("mcp23017-%d", id), cfg.Bus, cfg.DeviceNumber)
	if err != nil {
		logrus.Fatal(err)
	}

	h.mcp[id] = dev
	return dev
}

func (h *hardware) modbusBus(ctx context.Context, id string) *modbus.Bus {
	if bus := h.modbus[id]; bus != nil {
		return bus
	}

	cfg, found := Cfg.Drivers.Modbus[id]
	if !found {
		logrus.Fatalf("%s is not valid defined drivers.modbus", id)
		return nil
	}

	bus, err := modbus.NewBus(id, cfg)
	if err != nil {
		logrus.Fatal(err)
	}
	if err := bus.Connect(ctx, h.retries); err != nil {
		// requests reconnect on their own
		logrus.Error(err)
	}

	h.modbus[id] = bus
	return bus
}

func (h *hardware) setPin(ctx context.Context, cfg cfgPin) relay.SetPin {
	switch cfg.Kind {
	case "mcp23017":
		p, err := h.mcp23017Device(cfg.Mcp23017).Output(uint8(cfg.Pin))
		if err != nil {
			logrus.Fatal(err)
		}
		return p
	case "modbus":
		return &modbus.Coil{Bus: h.modbusBus(ctx, cfg.Modbus), Unit: cfg.Unit, Address: cfg.Pin}
	}

	logrus.Fatalf("%s is not supported wired relay set pin kind", cfg.Kind)
	return nil
}

func (h *hardware) reader(ctx context.Context, cfg cfgPin) sense.Reader {
	switch cfg.Kind {
	case "mcp23017":
		i, err := h.mcp23017Device(cfg.Mcp23017).Input(uint8(cfg.Pin))
		if err != nil {
			logrus.Fatal(err)
		}
		return i
	case "modbus":
		return &modbus.DiscreteInput{Bus: h.modbusBus(ctx, cfg.Modbus), Unit: cfg.Unit, Address: cfg.Pin}
	}

	logrus.Fatalf("%s is not supported input kind", cfg.Kind)
	return nil
}

func (h *hardware) relay(ctx context.Context, name string, cfg cfgRelay) relay.Relay {
	switch cfg.Kind {
	case "wired":
		r := &relay.Wired{
			Name:      name,
			Pin:       h.setPin(ctx, cfg.Pin),
			ActiveLow: cfg.ActiveLow,
		}
		if err := r.Release(); err != nil {
			logrus.Errorf("%s: relay release failed: %s", name, err)
		}
		return h.wrapWithPoolProxy(r)
	case "dumb":
		return h.wrapWithPoolProxy(&relay.Dumb{Name: name})
	}

	logrus.Fatalf("%s is not supported relay kind", cfg.Kind)
	return nil
}

func (h *hardware) wrapWithPoolProxy(r relay.Relay) relay.Relay {
	if h.pool == nil {
		return r
	}

	return relay.NewPoolProxy(r, h.pool)
}

func shutterFromConfig(ctx context.Context, h *hardware, store *persistence.FileStore, cfg cfgShutter) shutter.Shutter {
	switch cfg.Kind {
	case shutterKindVelux:
		d := cfg.Driver.Velux
		s := velux.New(
			cfg.Name,
			h.relay(ctx, cfg.Name+"/up", d.Up),
			h.relay(ctx, cfg.Name+"/down", d.Down),
			store.Entry(cfg.Name),
			velux.WithPulseDuration(Cfg.PulseDuration),
		)
		s.Watch(ctx, sense.NewPoller(cfg.Name, h.reader(ctx, d.Input), Cfg.InputPollInterval))
		return s
	case shutterKindThreeButton:
		d := cfg.Driver.ThreeButton
		return button.New(
			cfg.Name,
			h.relay(ctx, cfg.Name+"/open", d.Open),
			h.relay(ctx, cfg.Name+"/stop", d.Stop),
			h.relay(ctx, cfg.Name+"/close", d.Close),
			Cfg.PulseDuration,
		)
	}

	logrus.Fatalf("%s is not supported shutter kind", cfg.Kind)
	return nil
}
