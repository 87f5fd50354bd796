/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a Counters set as prometheus metrics. Register one
// per engine instance, distinguished by the direction label.
type Collector struct {
	counters *Counters
	descs    map[string]*prometheus.Desc
}

// NewCollector wraps counters for prometheus scraping. direction is
// typically "compress" or "decompress".
func NewCollector(counters *Counters, direction string) *Collector {
	c := &Collector{counters: counters, descs: map[string]*prometheus.Desc{}}
	for name := range counters.Snapshot() {
		c.descs[name] = prometheus.NewDesc(
			"rohc_"+name+"_total",
			"ROHC engine counter "+name,
			nil,
			prometheus.Labels{"direction": direction},
		)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.counters.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
}
