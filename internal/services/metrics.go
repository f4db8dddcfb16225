package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricUnlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoverylm_vault_unlocks_total",
		Help: "Successful vault unlock operations (including creation)",
	})

	metricExtractionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoverylm_memory_extraction_runs_total",
		Help: "Completed memory extraction runs",
	})

	metricExtractionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoverylm_memory_extraction_failures_total",
		Help: "Memory extraction runs that failed and left no checkpoint",
	})

	metricContextBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoverylm_context_builds_total",
		Help: "Assembled context windows",
	})

	metricChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recoverylm_chat_messages_total",
		Help: "Chat messages appended, by role",
	}, []string{"role"})

	metricCrisisDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recoverylm_crisis_detections_total",
		Help: "Crisis classifier detections, by level",
	}, []string{"level"})
)
