// Copyright 2024 The Meshgate OTA authors. All Rights Reserved.
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

package update

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	doOnce           sync.Once
	counterRuns      *prometheus.CounterVec
	counterTargets   *prometheus.CounterVec
	counterReboots   prometheus.Counter
	counterRetrans   prometheus.Counter
	counterRecovered *prometheus.CounterVec
)

func initMetrics() {
	doOnce.Do(func() {
		counterRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_update_runs_total",
			Help: "Number of update controller runs, by status.",
		}, []string{"status"})
		counterTargets = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_update_targets_total",
			Help: "Number of target updates attempted, by target and result.",
		}, []string{"target", "result"})
		counterReboots = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ota_update_reboots_total",
			Help: "Number of reboots requested after a firmware image was committed.",
		})
		counterRetrans = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ota_coap_retransmissions_total",
			Help: "Number of confirmable requests retransmitted after a timeout.",
		})
		counterRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ota_orchestrator_recoveries_total",
			Help: "Number of recovery actions taken by the request orchestrator, by action.",
		}, []string{"action"})
		prometheus.MustRegister(counterRuns, counterTargets, counterReboots, counterRetrans, counterRecovered)
	})
}

// RetransmitCounter returns the counter to be passed to the request driver.
func RetransmitCounter() prometheus.Counter {
	initMetrics()
	return counterRetrans
}

// RecoveryCounter returns the counter to be passed to the request
// orchestrator.
func RecoveryCounter() *prometheus.CounterVec {
	initMetrics()
	return counterRecovered
}
