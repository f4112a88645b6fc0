package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/velux2mqtt/internal/shutter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"

	mqttStateStopped = "stopped"

	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"

	DefaultTopicPrefix = "velux2mqtt"
	DefaultNamespace   = "shutter"
)

// Topics lays out the topic tree of one bridge instance. Namespace must be
// unique per running instance.
type Topics struct {
	Prefix    string
	Namespace string
}

func NewTopics(prefix, namespace string) (Topics, error) {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := shutter.ValidateName(namespace); err != nil {
		return Topics{}, errors.Wrap(err, "invalid MQTT namespace")
	}

	return Topics{Prefix: prefix, Namespace: namespace}, nil
}

func (t Topics) Base() string {
	return fmt.Sprintf("%s/%s", t.Prefix, t.Namespace)
}

// DeviceID identifies this instance towards Home Assistant.
func (t Topics) DeviceID() string {
	return fmt.Sprintf("%s-%s", t.Prefix, t.Namespace)
}

func (t Topics) Availability() string {
	return t.Base() + "/-/availability"
}

func (t Topics) Shutter(name string) string {
	return fmt.Sprintf("%s/%s", t.Base(), name)
}

// SetWill makes the broker announce the instance offline when the
// connection drops without a clean disconnect.
func SetWill(opts *paho.ClientOptions, topics Topics) *paho.ClientOptions {
	return opts.SetWill(topics.Availability(), AvailabilityOffline, 1, true)
}

// PublishAvailability publishes the retained availability of the instance.
func PublishAvailability(client paho.Client, topics Topics, online bool) error {
	payload := AvailabilityOffline
	if online {
		payload = AvailabilityOnline
	}

	if token := client.Publish(topics.Availability(), 1, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "MQTT availability %s publish failed", payload)
	}

	return nil
}

// StatePayload maps a shutter state onto the published vocabulary. Stopping
// and unknown are not published.
func StatePayload(state shutter.State) (string, bool) {
	switch state {
	case shutter.StateOpen, shutter.StateClosed, shutter.StateOpening, shutter.StateClosing:
		return string(state), true
	case shutter.StateInBetween:
		return mqttStateStopped, true
	}

	return "", false
}

type Bridge struct {
	mqtt    paho.Client
	shutter shutter.Shutter
	topics  Topics

	StateTopic    string
	PositionTopic string
	MetadataTopic string

	CommandTopic        string
	PositionChangeTopic string

	unregister []func()
}

// NewBridge binds s to its topics and publishes its current state and
// position, if it has them.
func NewBridge(client paho.Client, topics Topics, s shutter.Shutter) (*Bridge, error) {
	if err := shutter.ValidateName(s.Name()); err != nil {
		return nil, errors.Wrap(err, "invalid shutter name")
	}

	base := topics.Shutter(s.Name())
	bridge := &Bridge{mqtt: client, shutter: s, topics: topics}
	bridge.StateTopic = base + "/state"
	bridge.PositionTopic = base + "/position"
	bridge.MetadataTopic = base + "/metadata"
	bridge.CommandTopic = base + "/set"
	bridge.PositionChangeTopic = base + "/position/set"

	if positioned, ok := s.(shutter.PositionedShutter); ok {
		bridge.publishPosition(positioned.Position())
		bridge.unregister = append(bridge.unregister, positioned.OnPositionChange(bridge.publishPosition))
	}
	if stateful, ok := s.(shutter.StatefulShutter); ok {
		bridge.publishState(stateful.State())
		bridge.unregister = append(bridge.unregister, stateful.OnStateChange(bridge.publishState))
	}

	return bridge, nil
}

func (b *Bridge) Shutter() shutter.Shutter {
	return b.shutter
}

func (b *Bridge) SetMetadata(value interface{}) error {
	if value == nil {
		return nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "%s: metadata encode failed", b.shutter.Name())
	}

	if token := b.mqtt.Publish(b.MetadataTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT metadata publish failed", b.shutter.Name())
	}

	return nil
}

// Subscribe routes commands to the shutter. Commands are executed with ctx.
func (b *Bridge) Subscribe(ctx context.Context) error {
	if token := b.mqtt.Subscribe(b.CommandTopic, 0, b.onCommandHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT command topic subscription failed", b.shutter.Name())
	}
	logrus.Infof("%s: MQTT command topic subscribed", b.shutter.Name())

	if _, ok := b.shutter.(shutter.PositionedShutter); !ok {
		return nil
	}

	if token := b.mqtt.Subscribe(b.PositionChangeTopic, 0, b.onPositionChangeHandler(ctx)); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position change topic subscription failed", b.shutter.Name())
	}
	logrus.Infof("%s: MQTT position change topic subscribed", b.shutter.Name())

	return nil
}

func (b *Bridge) Unsubscribe() error {
	topics := []string{b.CommandTopic}
	if _, ok := b.shutter.(shutter.PositionedShutter); ok {
		topics = append(topics, b.PositionChangeTopic)
	}

	if token := b.mqtt.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT topics unsubscribe failed", b.shutter.Name())
	}

	return nil
}

// Close stops publishing shutter changes.
func (b *Bridge) Close() {
	for _, unregister := range b.unregister {
		unregister()
	}
	b.unregister = nil
}

func (b *Bridge) publishState(state shutter.State) {
	payload, ok := StatePayload(state)
	if !ok {
		logrus.Debugf("%s: MQTT state %s not published", b.shutter.Name(), state)
		return
	}

	b.publish(b.StateTopic, payload)
}

func (b *Bridge) publishPosition(position int) {
	b.publish(b.PositionTopic, strconv.Itoa(position))
}

// publish does not wait for the broker since it is called from shutter
// listeners.
func (b *Bridge) publish(topic string, payload string) {
	token := b.mqtt.Publish(topic, 0, true, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT %s publish failed: %s", b.shutter.Name(), topic, token.Error())
		}
	}()
}

func (b *Bridge) onCommandHandler(ctx context.Context) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		cmd := strings.TrimSpace(string(msg.Payload()))
		logrus.Debugf("%s: MQTT command %q received", b.shutter.Name(), cmd)

		var err error
		switch cmd {
		case mqttOpenCmd:
			err = b.shutter.Open(ctx)
		case mqttCloseCmd:
			err = b.shutter.Close(ctx)
		case mqttStopCmd:
			err = b.shutter.Stop(ctx)
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.shutter.Name(), cmd)
			return
		}
		if err != nil {
			logrus.Errorf("%s: %s command failed: %s", b.shutter.Name(), cmd, err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler(ctx context.Context) paho.MessageHandler {
	positioned := b.shutter.(shutter.PositionedShutter)

	return func(_ paho.Client, msg paho.Message) {
		pos, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
		if err != nil {
			logrus.Errorf("%s: MQTT invalid position %q received", b.shutter.Name(), msg.Payload())
			return
		}
		if err := positioned.SetPosition(ctx, pos); err != nil {
			logrus.Error(err)
		}
	}
}
