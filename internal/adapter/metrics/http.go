package metrics

import (
	"errors"
	"strconv"
	"time"

	apperrors "github.com/cmcscbl/chef-td-relay/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics covers the relay's short-lived HTTP routes. The upgrade route
// is accounted for by WebSocketMetrics instead.
type HTTPMetrics struct {
	Requests    *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	RateLimited *prometheus.CounterVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served on the relay's HTTP routes, by route and status code.",
		}, []string{"route", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving the relay's HTTP routes.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5},
		}, []string{"route"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the per-IP HTTP rate limiter, by route.",
		}, []string{"route"}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.RateLimited)
	return m
}

// Observe returns a route middleware recording requests to route. Only
// routes that opt in are tracked.
func (m *HTTPMetrics) Observe(route string) echo.MiddlewareFunc {
	requests := m.Requests.MustCurryWith(prometheus.Labels{"route": route})
	latency := m.Latency.WithLabelValues(route)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			latency.Observe(time.Since(start).Seconds())
			requests.WithLabelValues(strconv.Itoa(statusOf(c, err))).Inc()
			return err
		}
	}
}

// statusOf predicts the status of a response that the error handler has not
// written yet.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return apperrors.AsStructuredError(err).HTTPStatus()
}
