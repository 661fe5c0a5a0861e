// Copyright 2025 The sectorfs Authors. All Rights Reserved.
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

// Package metrics exports the handful of Prometheus gauges/counters this
// filesystem core surfaces: buffer-cache traffic and free-space
// pressure. There is no RPC path here to trace, so this stays a plain
// client_golang registry with no exporter pipeline wired behind it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sectorfs",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Buffer cache lookups served without a disk read.",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sectorfs",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Buffer cache lookups that required a disk read.",
	})
	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sectorfs",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Cache entries evicted by the clock hand.",
	})
	CacheWritebacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sectorfs",
		Subsystem: "cache",
		Name:      "writebacks_total",
		Help:      "Dirty sectors written back to the device.",
	})
	FreeSectors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sectorfs",
		Subsystem: "freemap",
		Name:      "free_sectors",
		Help:      "Sectors currently unallocated.",
	})
	OpenInodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sectorfs",
		Subsystem: "inode",
		Name:      "open_inodes",
		Help:      "Distinct open inode entries in the open-inode table.",
	})
)

// Registry returns a fresh registry with all of this package's collectors
// registered, for embedding in a /metrics HTTP handler.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(CacheHits, CacheMisses, CacheEvictions, CacheWritebacks, FreeSectors, OpenInodes)
	return r
}
