// Package button drives shutters operated by three momentary buttons. Such
// shutters report nothing back, so there is no state or position to track.
package button

import (
	"context"
	"time"

	"github.com/jkaflik/velux2mqtt/internal/shutter/driver/relay"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Shutter struct {
	name          string
	open          relay.Relay
	stop          relay.Relay
	close         relay.Relay
	pulseDuration time.Duration
}

// New creates a shutter whose buttons are never pressed at the same time.
func New(name string, open, stop, close relay.Relay, pulseDuration time.Duration) *Shutter {
	if pulseDuration <= 0 {
		pulseDuration = relay.DefaultPulseDuration
	}

	buttons := relay.NewInterlock(open, stop, close)

	return &Shutter{
		name:          name,
		open:          buttons[0],
		stop:          buttons[1],
		close:         buttons[2],
		pulseDuration: pulseDuration,
	}
}

func (s *Shutter) Name() string {
	return s.name
}

func (s *Shutter) Open(ctx context.Context) error {
	logrus.Infof("%s: open", s.name)
	s.press(ctx, "open", s.open)
	return nil
}

func (s *Shutter) Close(ctx context.Context) error {
	logrus.Infof("%s: close", s.name)
	s.press(ctx, "close", s.close)
	return nil
}

func (s *Shutter) Stop(ctx context.Context) error {
	logrus.Infof("%s: stop", s.name)
	s.press(ctx, "stop", s.stop)
	return nil
}

func (s *Shutter) press(ctx context.Context, button string, r relay.Relay) {
	go func() {
		err := relay.Pulse(ctx, s.pulseDuration, r)
		switch {
		case err == nil:
			logrus.Debugf("%s: %s button released", s.name, button)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			logrus.Debugf("%s: %s button press canceled", s.name, button)
		default:
			logrus.Errorf("%s: %s button press failed: %s", s.name, button, err)
		}
	}()
}
