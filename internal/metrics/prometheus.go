package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct {
	attempts *prometheus.HistogramVec
	retries  prometheus.Counter
	refresh  *prometheus.CounterVec
}

var (
	attemptHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apigate_client_attempt_duration_seconds",
		Help:    "Duration of outbound API attempts by outcome class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})
	retryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apigate_client_retries_total",
		Help: "Total number of backoff retries issued by the API client",
	})
	refreshCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apigate_client_refresh_total",
		Help: "Token refresh calls by result",
	}, []string{"result"})
)

func NewPrometheusObserver() ClientObserver {
	return &prometheusObserver{
		attempts: attemptHistogram,
		retries:  retryCounter,
		refresh:  refreshCounter,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) ObserveAttempt(class string, duration float64) {
	p.attempts.WithLabelValues(class).Observe(duration)
}

func (p *prometheusObserver) RecordRetry() {
	p.retries.Inc()
}

func (p *prometheusObserver) RecordRefresh(result string) {
	p.refresh.WithLabelValues(result).Inc()
}
