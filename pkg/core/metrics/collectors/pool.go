/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	compbasemetrics "k8s.io/component-base/metrics"

	"github.com/DryHumorInDC/passenger/pkg/core/pool"
	metricsutil "github.com/DryHumorInDC/passenger/pkg/core/util/metrics"
)

var (
	descProcessSessions = prometheus.NewDesc(
		"passenger_pool_process_sessions",
		metricsutil.HelpMsgWithStability("The number of sessions currently checked out from each application process.", compbasemetrics.ALPHA),
		[]string{"app_group", "process"}, nil,
	)
	descProcessCapacity = prometheus.NewDesc(
		"passenger_pool_process_capacity",
		metricsutil.HelpMsgWithStability("The number of concurrent sessions each application process accepts.", compbasemetrics.ALPHA),
		[]string{"app_group", "process"}, nil,
	)
	descProcessDisabled = prometheus.NewDesc(
		"passenger_pool_process_disabled",
		metricsutil.HelpMsgWithStability("Whether the application process is temporarily skipped after a failed connection attempt.", compbasemetrics.ALPHA),
		[]string{"app_group", "process"}, nil,
	)
)

// Snapshotter reports the state of the processes in a pool.
type Snapshotter interface {
	Snapshot() []pool.ProcessSnapshot
}

type poolMetricsCollector struct {
	pool Snapshotter
}

var _ prometheus.Collector = &poolMetricsCollector{}

// NewPoolMetricsCollector implements the prometheus.Collector interface and
// exposes per-process metrics of the pool.
func NewPoolMetricsCollector(p Snapshotter) prometheus.Collector {
	return &poolMetricsCollector{pool: p}
}

func (c *poolMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descProcessSessions
	ch <- descProcessCapacity
	ch <- descProcessDisabled
}

func (c *poolMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pool.Snapshot() {
		ch <- prometheus.MustNewConstMetric(descProcessSessions, prometheus.GaugeValue, float64(p.Busy), p.Group, p.Process)
		ch <- prometheus.MustNewConstMetric(descProcessCapacity, prometheus.GaugeValue, float64(p.Capacity), p.Group, p.Process)
		disabled := 0.0
		if p.Disabled {
			disabled = 1
		}
		ch <- prometheus.MustNewConstMetric(descProcessDisabled, prometheus.GaugeValue, disabled, p.Group, p.Process)
	}
}
