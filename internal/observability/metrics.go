package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dmagent_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dmagent_webhook_requests_total", Help: "Webhook requests by outcome"},
		[]string{"method", "result"},
	)
	IngestedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dmagent_ingested_events_total", Help: "Extracted webhook events by kind and dedup result"},
		[]string{"kind", "result"},
	)
	Triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dmagent_processing_triggers_total", Help: "SQS processing trigger publish results"},
		[]string{"result"},
	)
	ProcessorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dmagent_processor_runs_total", Help: "Pending-event processor runs by outcome"},
		[]string{"result"},
	)
	ProcessedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dmagent_processed_events_total", Help: "Events handled by the processor"},
		[]string{"kind", "outcome"},
	)
	DeliverySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dmagent_delivery_send_total", Help: "Direct message send outcomes"},
		[]string{"result", "http_status"},
	)
	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dmagent_delivery_send_latency_seconds", Help: "Direct message send latency"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, WebhookRequests, IngestedEvents, Triggers, ProcessorRuns, ProcessedEvents, DeliverySend, DeliveryLatency)
}
