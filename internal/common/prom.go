package common

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors exports decode activity to Prometheus.
type Collectors struct {
	framesTotal      *prometheus.CounterVec
	frameErrorsTotal *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	requestDuration  *prometheus.HistogramVec
}

// NewCollectors registers the collectors with reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		framesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcgate_frames_total",
				Help: "Frames decoded, by message identifier and verdict",
			},
			[]string{"message", "verdict"},
		),
		frameErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcgate_frame_errors_total",
				Help: "Frames that could not be decoded, by error kind",
			},
			[]string{"kind"},
		),
		sessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbcgate_sessions_active",
				Help: "Validator sessions currently held by the server",
			},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbcgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

func (c *Collectors) ObserveFrame(id uint32, size int, verdict string) {
	c.framesTotal.WithLabelValues(strconv.FormatUint(uint64(id), 10), verdict).Inc()
}

func (c *Collectors) ObserveError(id uint32, kind string) {
	c.frameErrorsTotal.WithLabelValues(kind).Inc()
}

func (c *Collectors) SetSessions(n int) {
	c.sessionsActive.Set(float64(n))
}

func (c *Collectors) ObserveRequest(method, route string, status int, d time.Duration) {
	c.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
