// Package monitor serves metrics and health probes over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jkaflik/velux2mqtt/internal/shutter"
	"github.com/sirupsen/logrus"
)

// Connection is satisfied by the MQTT client.
type Connection interface {
	IsConnectionOpen() bool
}

type shutterStatus struct {
	State    string `json:"state,omitempty"`
	Position *int   `json:"position,omitempty"`
}

type healthHandler struct {
	conn     Connection
	shutters []shutter.Shutter
}

// NewHealthHandler reports liveness together with the known shutter states.
// It answers 200 as long as the process serves requests.
func NewHealthHandler(conn Connection, shutters []shutter.Shutter) http.Handler {
	return &healthHandler{conn: conn, shutters: shutters}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Status        string                   `json:"status"`
		MQTTConnected bool                     `json:"mqtt_connected"`
		Shutters      map[string]shutterStatus `json:"shutters"`
	}

	st := status{
		Status:        "ok",
		MQTTConnected: h.conn != nil && h.conn.IsConnectionOpen(),
		Shutters:      make(map[string]shutterStatus, len(h.shutters)),
	}
	if !st.MQTTConnected {
		st.Status = "degraded"
	}

	for _, s := range h.shutters {
		var ss shutterStatus
		if stateful, ok := s.(shutter.StatefulShutter); ok {
			ss.State = stateful.State().String()
		}
		if positioned, ok := s.(shutter.PositionedShutter); ok {
			p := positioned.Position()
			ss.Position = &p
		}
		st.Shutters[s.Name()] = ss
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

type readyHandler struct {
	conn Connection
}

// NewReadyHandler answers 200 only while the MQTT connection is open.
func NewReadyHandler(conn Connection) http.Handler {
	return &readyHandler{conn: conn}
}

func (h *readyHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ready := h.conn != nil && h.conn.IsConnectionOpen()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	type resp struct {
		Ready bool `json:"ready"`
	}
	_ = json.NewEncoder(w).Encode(resp{Ready: ready})
}

func metricsHandler(w http.ResponseWriter, _ *http.Request) {
	metrics.WritePrometheus(w, true)
}

func NewMux(conn Connection, shutters []shutter.Shutter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metricsHandler)
	mux.Handle("/healthz", NewHealthHandler(conn, shutters))
	mux.Handle("/readyz", NewReadyHandler(conn))

	return mux
}

// Serve runs the monitoring server on listen until ctx is done.
func Serve(ctx context.Context, listen string, conn Connection, shutters []shutter.Shutter) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           NewMux(conn, shutters),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("monitor: shutdown failed: %s", err)
		}
	}()

	logrus.Infof("monitor: listening on %s", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
