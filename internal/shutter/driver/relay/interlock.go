package relay

import (
	"context"
	"sync"
	"time"
)

// NewInterlock wraps relays so that at most one of them is enabled at a
// time. Each returned relay corresponds to the input at the same index.
func NewInterlock(relays ...Relay) []*Interlocked {
	l := &sync.Mutex{}

	out := make([]*Interlocked, len(relays))
	for i, r := range relays {
		out[i] = &Interlocked{l: l, r: r}
	}

	return out
}

type Interlocked struct {
	l *sync.Mutex
	r Relay
}

func (r *Interlocked) EnableFor(ctx context.Context, duration time.Duration) error {
	r.l.Lock()
	defer r.l.Unlock()

	return r.r.EnableFor(ctx, duration)
}

func (r *Interlocked) IsEnabled() bool {
	return r.r.IsEnabled()
}
