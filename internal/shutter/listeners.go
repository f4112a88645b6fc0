package shutter

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Listeners is an unordered set of callbacks. A panicking callback is logged
// and does not prevent the others from being called.
type Listeners[T any] struct {
	name string
	kind string

	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
}

func NewListeners[T any](name, kind string) *Listeners[T] {
	return &Listeners[T]{name: name, kind: kind, fns: map[uint64]func(T){}}
}

// Add registers fn. The returned func removes it and may be called any
// number of times.
func (l *Listeners[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.fns[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

func (l *Listeners[T]) Notify(value T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		l.call(fn, value)
	}
}

func (l *Listeners[T]) call(fn func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("%s: %s listener failed: %v", l.name, l.kind, r)
		}
	}()
	fn(value)
}
