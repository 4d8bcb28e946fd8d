// Copyright 2025 The Loom Authors
//
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

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_executions_started_total",
			Help: "Executions enqueued, by workflow",
		},
		[]string{"workflow"},
	)

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_executions_finished_total",
			Help: "Executions reaching a terminal state, by workflow and state",
		},
		[]string{"workflow", "state"},
	)

	checkpointsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_checkpoints_saved_total",
		Help: "Context checkpoints persisted",
	})

	workersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_workers_connected",
		Help: "Workers with a live event stream connection",
	})

	claimsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_claims_total",
			Help: "Claim requests, by outcome",
		},
		[]string{"outcome"},
	)
)
