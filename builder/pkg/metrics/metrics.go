package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "statvault_cube_build_info",
			Help: "Build information of the cube builder",
		},
		[]string{"version", "commit", "date"},
	)

	CubeBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statvault_cube_builds_total",
			Help: "Total number of cube builds",
		},
		[]string{"status"},
	)

	CubeBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statvault_cube_build_duration_seconds",
			Help:    "Duration of synchronous cube builds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	MaterializationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statvault_cube_materializations_total",
			Help: "Total number of materialized-view promotions",
		},
		[]string{"status"},
	)

	MaterializationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statvault_cube_materialization_duration_seconds",
			Help:    "Duration of materialized-view promotions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statvault_cube_queries_total",
			Help: "Total number of cube view queries",
		},
		[]string{"status"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "statvault_cube_query_duration_seconds",
			Help:    "Duration of cube view queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)
)
