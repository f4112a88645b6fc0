// Package sense watches the digital input a shutter controller uses to
// signal that the motor stopped.
package sense

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is short enough to catch a controller done pulse.
const DefaultPollInterval = 10 * time.Millisecond

type Level uint8

const (
	Low Level = iota
	High
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// Handler receives every level transition. On a read failure err is set and
// level must be ignored.
type Handler func(level Level, err error)

// Line is an input that reports transitions until ctx is done.
type Line interface {
	Watch(ctx context.Context, h Handler)
}

// Reader samples the current input level.
type Reader interface {
	Read() (Level, error)
}

// Poller turns a Reader into a Line by sampling it at a fixed interval.
type Poller struct {
	Name     string
	Reader   Reader
	Interval time.Duration
}

func NewPoller(name string, r Reader, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &Poller{Name: name, Reader: r, Interval: interval}
}

// Watch samples the input in a goroutine. The idle level is expected to be
// high; anything else is logged but still used as the starting level.
func (p *Poller) Watch(ctx context.Context, h Handler) {
	last, err := p.Reader.Read()
	if err != nil {
		logrus.Errorf("%s: input initial read failed: %s", p.Name, err)
		last = High
	} else if last != High {
		logrus.Warnf("%s: input expected to idle high, but it is low", p.Name)
	}

	go p.poll(ctx, last, h)
}

func (p *Poller) poll(ctx context.Context, last Level, h Handler) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			logrus.Debugf("%s: input watch stopped", p.Name)
			return
		case <-ticker.C:
		}

		level, err := p.Reader.Read()
		if err != nil {
			if !failing {
				h(last, err)
			}
			failing = true
			continue
		}
		if failing {
			logrus.Infof("%s: input readable again", p.Name)
			failing = false
		}

		if level == last {
			continue
		}
		last = level

		logrus.Tracef("%s: input went %s", p.Name, level)
		h(level, nil)
	}
}
