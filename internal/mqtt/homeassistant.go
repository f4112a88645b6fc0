package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/velux2mqtt/internal/shutter"
	"github.com/pkg/errors"
)

const DefaultHomeAssistantPrefix = "homeassistant"

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	AvailabilityTopic   string `json:"avty_t,omitempty"`
	PayloadAvailable    string `json:"pl_avail,omitempty"`
	PayloadNotAvailable string `json:"pl_not_avail,omitempty"`
	UniqueID            string `json:"uniq_id,omitempty"`
	Name                string `json:"name,omitempty"`
	DeviceClass         string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	CommandTopic string `json:"cmd_t"`
	PayloadOpen  string `json:"pl_open"`
	PayloadStop  string `json:"pl_stop"`
	PayloadClose string `json:"pl_cls"`
	Optimistic   bool   `json:"opt"`

	StateTopic   string `json:"stat_t,omitempty"`
	StateOpen    string `json:"stat_open,omitempty"`
	StateOpening string `json:"stat_opening,omitempty"`
	StateClosed  string `json:"stat_clsd,omitempty"`
	StateClosing string `json:"stat_closing,omitempty"`
	StateStopped string `json:"stat_stopped,omitempty"`

	PositionTopic    string `json:"pos_t,omitempty"`
	SetPositionTopic string `json:"set_pos_t,omitempty"`
	PositionOpen     *int   `json:"pos_open,omitempty"`
	PositionClosed   *int   `json:"pos_clsd,omitempty"`
}

func NewHACoverFromMQTTBridge(bridge *Bridge) haCover {
	name := bridge.shutter.Name()
	deviceID := bridge.topics.DeviceID()

	cover := haCover{
		haEntity: haEntity{
			AvailabilityTopic:   bridge.topics.Availability(),
			PayloadAvailable:    AvailabilityOnline,
			PayloadNotAvailable: AvailabilityOffline,
			UniqueID:            fmt.Sprintf("%s-%s", deviceID, name),
			Name:                "Shutter " + strings.ReplaceAll(name, "_", " "),
			DeviceClass:         "shutter",

			Device: haDevice{
				Identifiers:  []string{deviceID},
				Manufacturer: "VELUX",
				Model:        "KLF 150",
				Name:         "Velux Shutter Bridge",
				SWVersion:    "velux2mqtt",
			},
		},
		CommandTopic: bridge.CommandTopic,
		PayloadOpen:  mqttOpenCmd,
		PayloadStop:  mqttStopCmd,
		PayloadClose: mqttCloseCmd,
		Optimistic:   true,
	}

	if _, ok := bridge.shutter.(shutter.StatefulShutter); ok {
		cover.Optimistic = false
		cover.StateTopic = bridge.StateTopic
		cover.StateOpen = string(shutter.StateOpen)
		cover.StateOpening = string(shutter.StateOpening)
		cover.StateClosed = string(shutter.StateClosed)
		cover.StateClosing = string(shutter.StateClosing)
		cover.StateStopped = mqttStateStopped
	}

	if _, ok := bridge.shutter.(shutter.PositionedShutter); ok {
		open, closed := shutter.FullOpenPosition, shutter.FullClosePosition
		cover.PositionTopic = bridge.PositionTopic
		cover.SetPositionTopic = bridge.PositionChangeTopic
		cover.PositionOpen = &open
		cover.PositionClosed = &closed
	}

	return cover
}

func HAAutoDiscoveryTopic(homeAssistantDiscoveryTopicPrefix string, bridge *Bridge) string {
	if homeAssistantDiscoveryTopicPrefix == "" {
		homeAssistantDiscoveryTopicPrefix = DefaultHomeAssistantPrefix
	}

	return fmt.Sprintf("%s/cover/%s/%s/config", homeAssistantDiscoveryTopicPrefix, bridge.topics.Namespace, bridge.shutter.Name())
}

func PublishHAAutoDiscovery(client paho.Client, homeAssistantDiscoveryTopicPrefix string, bridge *Bridge) error {
	payload, err := json.Marshal(NewHACoverFromMQTTBridge(bridge))
	if err != nil {
		return errors.Wrapf(err, "%s: HA discovery encode failed", bridge.shutter.Name())
	}

	topic := HAAutoDiscoveryTopic(homeAssistantDiscoveryTopicPrefix, bridge)
	if token := client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: HA discovery publish failed", bridge.shutter.Name())
	}

	return nil
}
