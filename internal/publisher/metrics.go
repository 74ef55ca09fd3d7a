package publisher

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "publisher",
		Name:      "events_published_total",
		Help:      "Events persisted and delivered to the broker.",
	}, []string{"topic", "event_type"})

	publishFailedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "publisher",
		Name:      "publish_failures_total",
		Help:      "Events that reached the store but not the broker.",
	}, []string{"topic"})

	storeFailedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "publisher",
		Name:      "store_failures_total",
		Help:      "Events rejected before the broker by the event store.",
	}, []string{"topic"})

	throttledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "publisher",
		Name:      "events_throttled_total",
		Help:      "Publishes denied by the per-tenant rate limiter.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(publishedCounter, publishFailedCounter, storeFailedCounter, throttledCounter)
}

func recordPublished(topic, eventType string) {
	publishedCounter.WithLabelValues(topic, eventType).Inc()
}

func recordPublishFailure(topic string) {
	publishFailedCounter.WithLabelValues(topic).Inc()
}

func recordStoreFailure(topic string) {
	storeFailedCounter.WithLabelValues(topic).Inc()
}

func recordThrottled(topic string) {
	throttledCounter.WithLabelValues(topic).Inc()
}
