package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_events_processed_total",
		Help: "Inbound host events fully processed, by inbound event type.",
	}, []string{"type"})

	eventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_events_skipped_total",
		Help: "Inbound host events skipped by the eligibility filter, by reason.",
	}, []string{"reason"})

	eventsUnrecoverable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_events_unrecoverable_total",
		Help: "Inbound host events dropped because they can never be processed.",
	})

	outboxAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_outbox_appended_total",
		Help: "Outgoing events appended to the outbox.",
	})

	outboxFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_outbox_flushed_total",
		Help: "Outbox rows removed after a confirmed publish.",
	})

	outboxPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_outbox_publish_failures_total",
		Help: "Failed outbox publish attempts; the batch rolls back and retries.",
	})
)
