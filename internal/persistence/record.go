package persistence

import (
	"encoding/json"
	"sync"

	"github.com/jkaflik/velux2mqtt/internal/shutter"
	"github.com/jkaflik/velux2mqtt/internal/shutter/duration"
)

// Record is the persisted snapshot of one shutter. Nil fields are unset and
// leave the stored value untouched on Set.
type Record struct {
	Position *int           `json:"position,omitempty"`
	State    *shutter.State `json:"state,omitempty"`

	SignalRoundTrip   duration.Series `json:"signalRoundTrip,omitempty"`
	FullOpenDuration  duration.Series `json:"fullOpenDuration,omitempty"`
	FullCloseDuration duration.Series `json:"fullCloseDuration,omitempty"`
}

// UnmarshalJSON also accepts the lastFullOpenDurations and
// lastFullCloseDurations keys written by older releases.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		LastFullOpenDurations  duration.Series `json:"lastFullOpenDurations"`
		LastFullCloseDurations duration.Series `json:"lastFullCloseDurations"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*r = Record(aux.plain)
	if r.FullOpenDuration == nil {
		r.FullOpenDuration = aux.LastFullOpenDurations
	}
	if r.FullCloseDuration == nil {
		r.FullCloseDuration = aux.LastFullCloseDurations
	}

	return nil
}

// Merge returns r with every field set in partial replaced.
func (r Record) Merge(partial Record) Record {
	if partial.Position != nil {
		p := *partial.Position
		r.Position = &p
	}
	if partial.State != nil {
		s := *partial.State
		r.State = &s
	}
	if partial.SignalRoundTrip != nil {
		r.SignalRoundTrip = partial.SignalRoundTrip
	}
	if partial.FullOpenDuration != nil {
		r.FullOpenDuration = partial.FullOpenDuration
	}
	if partial.FullCloseDuration != nil {
		r.FullCloseDuration = partial.FullCloseDuration
	}

	return r
}

// Store is the get/set contract a shutter persists through. Set may be
// buffered but keeps last-write-wins semantics per field.
type Store interface {
	Get() Record
	Set(partial Record)
}

// Memory is a Store without durability.
type Memory struct {
	mu     sync.Mutex
	record Record
}

func NewMemory(initial Record) *Memory {
	return &Memory{record: initial}
}

func (m *Memory) Get() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

func (m *Memory) Set(partial Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = m.record.Merge(partial)
}

// DurationBackend exposes the duration series of store to a duration.Store.
func DurationBackend(store Store) duration.Backend {
	return seriesBackend{store}
}

type seriesBackend struct {
	store Store
}

func (b seriesBackend) Series(kind duration.Kind) duration.Series {
	r := b.store.Get()
	switch kind {
	case duration.SignalRoundTrip:
		return r.SignalRoundTrip
	case duration.FullOpen:
		return r.FullOpenDuration
	case duration.FullClose:
		return r.FullCloseDuration
	}
	return nil
}

func (b seriesBackend) SetSeries(kind duration.Kind, series duration.Series) {
	if series == nil {
		series = duration.Series{}
	}

	switch kind {
	case duration.SignalRoundTrip:
		b.store.Set(Record{SignalRoundTrip: series})
	case duration.FullOpen:
		b.store.Set(Record{FullOpenDuration: series})
	case duration.FullClose:
		b.store.Set(Record{FullCloseDuration: series})
	}
}
