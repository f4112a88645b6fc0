package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SetPin is a digital output line.
type SetPin interface {
	High() error
	Low() error
}

// DefaultReleaseTimeout bounds how long a failing release is retried.
const DefaultReleaseTimeout = 5 * time.Second

// Wired drives a relay through an output pin. Enabled means High unless
// ActiveLow is set.
type Wired struct {
	Name      string
	Pin       SetPin
	ActiveLow bool

	// ReleaseTimeout defaults to DefaultReleaseTimeout.
	ReleaseTimeout time.Duration

	isEnabled atomic.Bool
}

func (p *Wired) EnableFor(ctx context.Context, duration time.Duration) error {
	after := time.NewTimer(duration)
	defer after.Stop()

	if err := p.enable(); err != nil {
		return errors.Wrapf(err, "%s: relay enable failed", p.Name)
	}
	p.isEnabled.Store(true)
	defer func() {
		if err := p.release(ctx); err != nil {
			logrus.Errorf("%s: relay disable failed: %s", p.Name, err)
			return
		}
		p.isEnabled.Store(false)
	}()

	select {
	case <-after.C:
		return nil
	case <-ctx.Done():
		logrus.Debugf("%s: wired relay released early", p.Name)
		return nil
	}
}

func (p *Wired) IsEnabled() bool {
	return p.isEnabled.Load()
}

// Release drives the pin to its disabled level.
func (p *Wired) Release() error {
	return p.disable()
}

// release retries the disable write until it succeeds or ReleaseTimeout
// passes. Canceling ctx is what ends a pulse early, so it only carries
// values here.
func (p *Wired) release(ctx context.Context) error {
	timeout := p.ReleaseTimeout
	if timeout <= 0 {
		timeout = DefaultReleaseTimeout
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := p.disable()
		if err != nil {
			logrus.Warnf("%s: relay disable failed, retrying: %s", p.Name, err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func (p *Wired) enable() error {
	if p.ActiveLow {
		return p.Pin.Low()
	}

	return p.Pin.High()
}

func (p *Wired) disable() error {
	if p.ActiveLow {
		return p.Pin.High()
	}

	return p.Pin.Low()
}
