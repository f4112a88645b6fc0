package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPulseDuration is how long a momentary output is held.
const DefaultPulseDuration = 200 * time.Millisecond

type Relay interface {
	EnableFor(ctx context.Context, duration time.Duration) error
	IsEnabled() bool
}

// Pulse enables all relays at the same time for duration and waits until
// every one of them has been released. The first error is returned.
func Pulse(ctx context.Context, duration time.Duration, relays ...Relay) error {
	if len(relays) == 1 {
		return relays[0].EnableFor(ctx, duration)
	}

	var (
		wg   sync.WaitGroup
		once sync.Once
		err  error
	)
	for _, r := range relays {
		wg.Add(1)
		go func(r Relay) {
			defer wg.Done()
			if e := r.EnableFor(ctx, duration); e != nil {
				once.Do(func() { err = e })
			}
		}(r)
	}
	wg.Wait()

	return err
}

// PoolProxy limits how many relays sharing pool are enabled at once.
type PoolProxy struct {
	r Relay
	c chan struct{}
}

func NewPoolProxy(r Relay, pool chan struct{}) *PoolProxy {
	return &PoolProxy{r: r, c: pool}
}

func (p *PoolProxy) EnableFor(ctx context.Context, duration time.Duration) error {
	select {
	case p.c <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		<-p.c
	}()

	return p.r.EnableFor(ctx, duration)
}

func (p *PoolProxy) IsEnabled() bool {
	return p.r.IsEnabled()
}

// Dumb is a relay without hardware, useful for dry runs.
type Dumb struct {
	Name string

	isEnabled atomic.Bool
}

func (r *Dumb) EnableFor(ctx context.Context, duration time.Duration) error {
	r.isEnabled.Store(true)
	defer r.isEnabled.Store(false)

	t := time.NewTimer(duration)
	defer t.Stop()

	logrus.Debugf("%s: dumb relay enabled for %s", r.Name, duration.String())

	select {
	case <-t.C:
		logrus.Debugf("%s: dumb relay released", r.Name)
		return nil
	case <-ctx.Done():
		logrus.Debugf("%s: dumb relay canceled", r.Name)
		return ctx.Err()
	}
}

func (r *Dumb) IsEnabled() bool {
	return r.isEnabled.Load()
}
