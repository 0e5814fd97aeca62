package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	failuresDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndr_failures_detected_total",
			Help: "Total delivery failures opened, by classified category.",
		},
		[]string{"category"},
	)
	duplicateEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ndr_duplicate_events_total",
			Help: "Tracking events discarded as duplicates of an open failure.",
		},
	)
	classifierFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ndr_classifier_fallbacks_total",
			Help: "Classifications that fell back to keyword rules.",
		},
	)
	classifierLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ndr_classifier_latency_seconds",
			Help:    "Classifier provider latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	actionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndr_actions_executed_total",
			Help: "Resolution actions executed, by action type and result.",
		},
		[]string{"action_type", "result"},
	)
	sweeperEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ndr_sweeper_escalations_total",
			Help: "Failures escalated by the deadline sweeper.",
		},
	)
	rtoBookings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rto_bookings_total",
			Help: "Reverse pickup booking attempts, by outcome.",
		},
		[]string{"outcome"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag,
		failuresDetected, duplicateEvents,
		classifierFallbacks, classifierLatency,
		actionsExecuted, sweeperEscalations, rtoBookings,
		asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncFailureDetected(category string) {
	failuresDetected.WithLabelValues(category).Inc()
}

func IncDuplicateEvent() {
	duplicateEvents.Inc()
}

func IncClassifierFallback() {
	classifierFallbacks.Inc()
}

func ObserveClassifierLatency(d time.Duration) {
	classifierLatency.Observe(d.Seconds())
}

func IncActionExecuted(actionType string, result string) {
	actionsExecuted.WithLabelValues(actionType, result).Inc()
}

func IncSweeperEscalation() {
	sweeperEscalations.Inc()
}

func IncRTOBooking(outcome string) {
	rtoBookings.WithLabelValues(outcome).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
