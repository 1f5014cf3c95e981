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

package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	promLLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_llm_calls_total",
			Help: "LLM calls by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	promLLMDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_llm_duration_seconds",
			Help:    "LLM call latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	promWorkflowRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_workflow_runs_total",
			Help: "Workflow runs by final status.",
		},
		[]string{"status"},
	)

	promStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_step_duration_seconds",
			Help:    "Workflow step latency by step type.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	promFanout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_fanout_total",
			Help: "Multi-agent orchestration runs by strategy and status.",
		},
		[]string{"strategy", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		promLLMCalls,
		promLLMDuration,
		promWorkflowRuns,
		promStepDuration,
		promFanout,
	)
}
