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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationLatency records messaging API call durations by operation.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "efmsg",
		Name:      "operation_duration_seconds",
		Help:      "Duration of messaging core operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "efmsg",
		Name:      "operation_errors_total",
		Help:      "Failed messaging core operations by error kind.",
	}, []string{"op", "kind"})

	DeliveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "efmsg",
		Name:      "delivery_outcomes_total",
		Help:      "Live delivery attempts by outcome.",
	}, []string{"outcome"})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "efmsg",
		Name:      "live_sessions",
		Help:      "Currently registered live sessions on this node.",
	})

	RelayedEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "efmsg",
		Name:      "relay_envelopes_total",
		Help:      "Envelopes exchanged with other nodes through the relay.",
	}, []string{"direction"})
)

func Observe(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
