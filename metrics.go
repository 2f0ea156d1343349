// Copyright 2026 The Tessera Authors
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

package dispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dispatchMetrics contains Prometheus metrics for the match caches.
// Metrics are observability-only and carry no behavioral contract.
type dispatchMetrics struct {
	treeCacheHits          prometheus.Counter
	treeCacheMisses        prometheus.Counter
	treeCacheInvalidations prometheus.Counter
	treeCacheSize          prometheus.Gauge
	layerCacheHits         prometheus.Counter
	layerCacheMisses       prometheus.Counter
	layerCacheClears       prometheus.Counter
}

var (
	dispatchMetricsInstance *dispatchMetrics
	dispatchMetricsOnce     sync.Once
)

// getDispatchMetrics returns the singleton metrics instance. The instance is
// registered with the default registry on first use; all routers and trees
// with metrics enabled share it.
func getDispatchMetrics() *dispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchMetricsInstance = &dispatchMetrics{
			treeCacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "tree",
				Name:      "cache_hits_total",
				Help:      "Total number of radix tree match cache hits",
			}),
			treeCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "tree",
				Name:      "cache_misses_total",
				Help:      "Total number of radix tree match cache misses",
			}),
			treeCacheInvalidations: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "tree",
				Name:      "cache_invalidations_total",
				Help:      "Total number of full match cache invalidations",
			}),
			treeCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "dispatch",
				Subsystem: "tree",
				Name:      "cache_size",
				Help:      "Current number of entries in the match cache",
			}),
			layerCacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "layer",
				Name:      "cache_hits_total",
				Help:      "Total number of layer cache hits",
			}),
			layerCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "layer",
				Name:      "cache_misses_total",
				Help:      "Total number of layer cache misses",
			}),
			layerCacheClears: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "dispatch",
				Subsystem: "layer",
				Name:      "cache_clears_total",
				Help:      "Total number of layer cache overflow clears",
			}),
		}
	})
	return dispatchMetricsInstance
}
