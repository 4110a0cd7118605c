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

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.SetLiveConnections(3)
	m.RecordReconnect()
	m.RecordFrame("new_message")
	m.RecordDecryptFailure()
	m.RecordSend("ws")
	m.RecordMirrorFailure()
	m.RecordEviction()
	m.RecordFeedBatch()
}

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetLiveConnections(2)
	m.RecordSend("http")
	m.RecordSend("http")
	m.RecordFrame("key_rotated")
	m.RecordEviction()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.liveConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sendPath.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("key_rotated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
}
