package velux

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jkaflik/velux2mqtt/internal/shutter"
	"github.com/jkaflik/velux2mqtt/internal/shutter/duration"
)

type shutterMetrics struct {
	name string

	position *metrics.Gauge
}

func newShutterMetrics(name string) *shutterMetrics {
	return &shutterMetrics{
		name:     name,
		position: metrics.GetOrCreateGauge(fmt.Sprintf(`velux_shutter_position{shutter="%s"}`, name), nil),
	}
}

func (m *shutterMetrics) transition(state shutter.State) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`velux_shutter_transitions_total{shutter="%s",state="%s"}`, m.name, state)).Inc()
}

func (m *shutterMetrics) setPosition(position int) {
	m.position.Set(float64(position))
}

func (m *shutterMetrics) sample(kind duration.Kind, d time.Duration) {
	metrics.GetOrCreateHistogram(fmt.Sprintf(`velux_shutter_duration_seconds{shutter="%s",kind="%s"}`, m.name, kind)).Update(d.Seconds())
}
