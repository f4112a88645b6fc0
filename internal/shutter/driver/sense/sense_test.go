package sense

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type scriptedReader struct {
	mu     sync.Mutex
	levels []Level
	errs   []error
	last   Level
}

func (r *scriptedReader) Read() (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.levels) == 0 {
		return r.last, nil
	}

	level, err := r.levels[0], r.errs[0]
	r.levels, r.errs = r.levels[1:], r.errs[1:]
	if err == nil {
		r.last = level
	}
	return level, err
}

type event struct {
	level Level
	err   bool
}

type collector struct {
	mu     sync.Mutex
	events []event
}

func (c *collector) handle(level Level, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{level: level, err: err != nil})
}

func (c *collector) get() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

func TestPollerWatch(t *testing.T) {
	t.Run("reports every transition once", func(t *testing.T) {
		r := &scriptedReader{
			levels: []Level{High, High, Low, Low, High, Low},
			errs:   make([]error, 6),
		}
		c := &collector{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		NewPoller("Velux_A", r, time.Millisecond).Watch(ctx, c.handle)

		assert.Eventually(t, func() bool { return len(c.get()) == 3 }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, []event{{level: Low}, {level: High}, {level: Low}}, c.get())
	})

	t.Run("read errors are reported once per failure streak", func(t *testing.T) {
		boom := errors.New("bus timeout")
		r := &scriptedReader{
			levels: []Level{High, 0, 0, High, Low},
			errs:   []error{nil, boom, boom, nil, nil},
		}
		c := &collector{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		NewPoller("Velux_A", r, time.Millisecond).Watch(ctx, c.handle)

		assert.Eventually(t, func() bool { return len(c.get()) == 2 }, time.Second, time.Millisecond)
		assert.Equal(t, []event{{level: High, err: true}, {level: Low}}, c.get())
	})

	t.Run("default interval", func(t *testing.T) {
		assert.Equal(t, DefaultPollInterval, NewPoller("x", &scriptedReader{}, 0).Interval)
	})
}
