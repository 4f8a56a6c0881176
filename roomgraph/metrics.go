package roomgraph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_events_ingested_total",
		Help: "Number of events processed by the graph manager, by outcome",
	}, []string{"outcome"})
	parkedEventsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hearth_parked_events",
		Help: "Events currently parked waiting for missing ancestors",
	})
	backfillRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_backfill_requests_total",
		Help: "Backfill requests issued to the federation gateway",
	})
)
