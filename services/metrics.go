package services

import "github.com/prometheus/client_golang/prometheus"

var (
	documentsCounter           *prometheus.CounterVec
	finalizedCounter           prometheus.Counter
	translationRequestsCounter prometheus.Counter
	failuresCounter            *prometheus.CounterVec
)

func init() {
	documentsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialsync_documents_total",
			Help: "Fetched registry documents by resolution outcome.",
		},
		[]string{"outcome"},
	)
	finalizedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trialsync_studies_finalized_total",
			Help: "Total number of studies moved to FINALIZED.",
		},
	)
	translationRequestsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trialsync_translation_requests_total",
			Help: "Total number of texts sent to the translation provider.",
		},
	)
	failuresCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialsync_record_failures_total",
			Help: "Per-record failures recorded on studies, by stage.",
		},
		[]string{"stage"},
	)
	prometheus.MustRegister(documentsCounter, finalizedCounter, translationRequestsCounter, failuresCounter)
}
