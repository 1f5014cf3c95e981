// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests processed by the gateway, by action and outcome",
		},
		[]string{"action", "status"},
	)
	promBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_blocked_total",
			Help: "Requests rejected before dispatch, by pipeline stage",
		},
		[]string{"reason"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end gateway request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 25},
		},
		[]string{"action"},
	)
)

// registerMetrics registers the gateway collectors exactly once, so
// tests constructing multiple gateways do not panic on re-registration.
func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(promRequestsTotal)
		prometheus.MustRegister(promBlockedTotal)
		prometheus.MustRegister(promRequestDuration)
	})
}
