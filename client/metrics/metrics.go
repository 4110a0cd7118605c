// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is nil-safe: every recorder is a no-op on a nil receiver so
// components can be built without a registry in tests.
type Metrics struct {
	liveConnections   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	decryptFailures   prometheus.Counter
	sendPath          *prometheus.CounterVec
	mirrorFailures    prometheus.Counter
	evictions         prometheus.Counter
	feedBatches       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		liveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "garden_live_connections",
			Help: "Channel connections currently held by the registry.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garden_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts after unclean transport close.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garden_frames_received_total",
			Help: "Inbound live-transport frames by type.",
		}, []string{"type"}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garden_decrypt_failures_total",
			Help: "Messages skipped because they could not be decrypted.",
		}),
		sendPath: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garden_sends_total",
			Help: "Sends by delivery path (ws, http, alternate, failed).",
		}, []string{"path"}),
		mirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garden_mirror_failures_total",
			Help: "Local inserts that could not be mirrored to the authority.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garden_idle_evictions_total",
			Help: "Connections evicted for idleness.",
		}),
		feedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garden_feed_batches_total",
			Help: "Change-feed batches processed.",
		}),
	}

	reg.MustRegister(
		m.liveConnections,
		m.reconnectAttempts,
		m.framesReceived,
		m.decryptFailures,
		m.sendPath,
		m.mirrorFailures,
		m.evictions,
		m.feedBatches,
	)
	return m
}

func (m *Metrics) SetLiveConnections(n int) {
	if m == nil {
		return
	}
	m.liveConnections.Set(float64(n))
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) RecordFrame(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordDecryptFailure() {
	if m == nil {
		return
	}
	m.decryptFailures.Inc()
}

func (m *Metrics) RecordSend(path string) {
	if m == nil {
		return
	}
	m.sendPath.WithLabelValues(path).Inc()
}

func (m *Metrics) RecordMirrorFailure() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) RecordFeedBatch() {
	if m == nil {
		return
	}
	m.feedBatches.Inc()
}
