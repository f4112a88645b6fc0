// Package duration keeps the timing history a shutter uses to estimate its
// position: how long a full open and a full close take, and how long the
// controller needs to confirm a stop.
package duration

import (
	"math"
	"sort"
	"time"

	"github.com/jkaflik/velux2mqtt/internal/shutter"
)

// Kind names one of the sample series.
type Kind string

const (
	// SignalRoundTrip is the time between a stop command and the sense line
	// confirming the motor stopped. The smallest samples are kept.
	SignalRoundTrip Kind = "signalRoundTrip"
	// FullOpen and FullClose are confirmed end to end traverses. The largest
	// samples are kept since interrupted runs only underestimate.
	FullOpen  Kind = "fullOpenDuration"
	FullClose Kind = "fullCloseDuration"
)

// SeriesCapacity is the number of samples kept per series.
const SeriesCapacity = 20

// Series holds samples in milliseconds.
type Series []int64

// Average returns the arithmetic mean, or 0 when empty.
func (s Series) Average() time.Duration {
	if len(s) == 0 {
		return 0
	}

	var sum int64
	for _, v := range s {
		sum += v
	}

	return time.Duration(float64(sum) / float64(len(s)) * float64(time.Millisecond))
}

func (s Series) insert(kind Kind, sample int64) Series {
	all := make(Series, 0, len(s)+1)
	all = append(all, s...)
	all = append(all, sample)

	if kind == SignalRoundTrip {
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	} else {
		sort.Slice(all, func(i, j int) bool { return all[i] > all[j] })
	}

	if len(all) > SeriesCapacity {
		all = all[:SeriesCapacity]
	}

	return all
}

// Backend is where the series live between restarts.
type Backend interface {
	Series(kind Kind) Series
	SetSeries(kind Kind, series Series)
}

type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Record adds a sample to the series of kind. Non-positive samples carry no
// information and are dropped.
func (s *Store) Record(kind Kind, d time.Duration) {
	ms := d.Milliseconds()
	if ms <= 0 {
		return
	}

	s.backend.SetSeries(kind, s.backend.Series(kind).insert(kind, ms))
}

func (s *Store) Series(kind Kind) Series {
	return s.backend.Series(kind)
}

func (s *Store) Average(kind Kind) time.Duration {
	return s.backend.Series(kind).Average()
}

// EstimatedActionDuration is how long a full traverse in the direction of
// action takes once the controller latency is removed. Zero means there is
// no usable estimate.
func (s *Store) EstimatedActionDuration(action shutter.State) time.Duration {
	var full time.Duration
	switch action {
	case shutter.StateOpening:
		full = s.Average(FullOpen)
	case shutter.StateClosing:
		full = s.Average(FullClose)
	default:
		return 0
	}

	estimate := full - s.Average(SignalRoundTrip)
	if estimate < 0 {
		return 0
	}

	return estimate
}

// PositionDelta converts time spent moving in the direction of action into a
// position change in [0, 100].
func (s *Store) PositionDelta(action shutter.State, elapsed time.Duration) int {
	if action != shutter.StateOpening && action != shutter.StateClosing {
		return 0
	}
	if elapsed <= 0 {
		return 0
	}

	estimate := s.EstimatedActionDuration(action)
	if estimate <= 0 {
		return 0
	}

	return shutter.ClampPosition(int(math.Round(float64(elapsed) / float64(estimate) * 100)))
}
