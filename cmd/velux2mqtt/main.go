package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/velux2mqtt/internal/monitor"
	"github.com/jkaflik/velux2mqtt/internal/mqtt"
	"github.com/jkaflik/velux2mqtt/internal/persistence"
	"github.com/jkaflik/velux2mqtt/internal/shutter"
	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/velux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	if err := configLoader.Load(); err != nil {
		logrus.Fatal(err)
	}
	loadConfigFromYamlFile(*configPath)

	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	topics, err := mqtt.NewTopics(Cfg.MQTT.TopicPrefix, Cfg.MQTT.Namespace)
	if err != nil {
		logrus.Fatal(err)
	}
	if err := validateShuttersConfig(Cfg.Shutters); err != nil {
		logrus.Fatal(err)
	}
	if err := validateRelayPool(Cfg.Drivers.Relay.Pool, Cfg.Shutters); err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := persistence.OpenFile(Cfg.StateFile, Cfg.StateWriteDebounce)
	hw := newHardware()

	shutters := make([]shutter.Shutter, 0, len(Cfg.Shutters))
	for _, cfg := range Cfg.Shutters {
		shutters = append(shutters, shutterFromConfig(ctx, hw, store, cfg))
	}

	b := &bridges{topics: topics}
	opts := mqtt.SetWill(pahoOptsFromConfig(), topics)
	opts.OnConnect = func(c paho.Client) {
		logrus.Info("MQTT broker connected")
		b.announce(ctx, c)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	client := paho.NewClient(opts)
	if err := connect(client, uint64(Cfg.MQTT.ConnectRetries)); err != nil {
		logrus.Fatal(err)
	}

	for i, s := range shutters {
		bridge, err := mqtt.NewBridge(client, topics, s)
		if err != nil {
			logrus.Fatal(err)
		}
		if metadata := Cfg.Shutters[i].MQTTBridge.Metadata; len(metadata) > 0 {
			if err := bridge.SetMetadata(metadata); err != nil {
				logrus.Error(err)
			}
		}
		b.add(bridge)
	}
	b.announce(ctx, client)

	if Cfg.HTTP.Listen != "" {
		go func() {
			if err := monitor.Serve(ctx, Cfg.HTTP.Listen, client, shutters); err != nil {
				logrus.Errorf("monitor: %s", err)
			}
		}()
	}

	<-ctx.Done()
	logrus.Info("shutting down")

	b.close()
	if err := mqtt.PublishAvailability(client, topics, false); err != nil {
		logrus.Error(err)
	}
	client.Disconnect(250)

	for _, s := range shutters {
		if v, ok := s.(*velux.Shutter); ok {
			v.Destroy()
		}
	}

	// let canceled pulses release their lines
	time.Sleep(Cfg.PulseDuration)

	if err := store.Close(); err != nil {
		logrus.Error(err)
	}
	hw.Close()
}

func connect(client paho.Client, retries uint64) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute

	err := backoff.Retry(func() error {
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logrus.Warnf("MQTT broker connect failed: %s", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithMaxRetries(bo, retries))
	if err != nil {
		return errors.Wrap(err, "could not establish MQTT connection after retries")
	}

	return nil
}

// bridges announces every bridge on each (re)connect.
type bridges struct {
	topics mqtt.Topics

	mu   sync.Mutex
	list []*mqtt.Bridge
}

func (b *bridges) add(bridge *mqtt.Bridge) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.list = append(b.list, bridge)
}

func (b *bridges) announce(ctx context.Context, client paho.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.list) == 0 {
		return
	}

	for _, bridge := range b.list {
		if Cfg.HASS.Enabled {
			if err := mqtt.PublishHAAutoDiscovery(client, Cfg.HASS.TopicPrefix, bridge); err != nil {
				logrus.Error(err)
			}
		}

		if err := bridge.Subscribe(ctx); err != nil {
			logrus.Error(err)
		}
	}

	if err := mqtt.PublishAvailability(client, b.topics, true); err != nil {
		logrus.Error(err)
	}
}

func (b *bridges) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bridge := range b.list {
		if err := bridge.Unsubscribe(); err != nil {
			logrus.Error(err)
		}
		bridge.Close()
	}
}
