// Package metrics holds the Prometheus collectors for the reface pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished reface jobs by result (ok, engine_failure).
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refacer_jobs_total",
		Help: "Total number of reface jobs by result",
	}, []string{"result"})

	// JobDuration tracks wall time of a job from dispatch to result.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refacer_job_duration_seconds",
		Help:    "Duration of reface jobs from dispatch to result",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
	})

	// DirectivesPerJob tracks how many swap directives each job carried.
	DirectivesPerJob = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refacer_directives_per_job",
		Help:    "Number of swap directives per reface job",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})

	// NormalizeTotal counts normalization outcomes (normalized, skipped, cached, fallback).
	NormalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refacer_normalize_total",
		Help: "Total number of video normalization attempts by outcome",
	}, []string{"outcome"})

	// EngineCalls counts calls into the inference engine by result.
	EngineCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refacer_engine_calls_total",
		Help: "Total number of inference engine calls by result",
	}, []string{"result"})

	// EngineRestarts counts engine subprocess (re)starts.
	EngineRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refacer_engine_starts_total",
		Help: "Total number of inference engine process starts",
	})

	// WorkersBusy reports how many pool workers are currently running a job.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "refacer_workers_busy",
		Help: "Number of pool workers currently running a job",
	})

	// IngressUp is 1 while the public tunnel is connected.
	IngressUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "refacer_ingress_up",
		Help: "Whether the public ingress tunnel is connected",
	})
)
