package metrics

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cmcscbl/chef-td-relay/internal/platform/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "relay"

	maxScrapesInFlight = 4
)

// NewRegistry returns a registry holding the Go runtime and process
// collectors plus relay_build_info, a constant 1 labelled with info.
func NewRegistry(info version.Info) *prometheus.Registry {
	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build of the running relay. Always 1.",
		ConstLabels: prometheus.Labels{
			"version":    info.Version,
			"commit":     info.Commit,
			"go_version": info.GoVersion,
		},
	})
	buildInfo.Set(1)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
	)
	return reg
}

// Handler serves reg. A failing collector is logged and the rest of the
// scrape still goes out.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:            reg,
		ErrorHandling:       promhttp.ContinueOnError,
		ErrorLog:            scrapeErrorLog{},
		MaxRequestsInFlight: maxScrapesInFlight,
	})
}

type scrapeErrorLog struct{}

func (scrapeErrorLog) Println(v ...any) {
	slog.Warn("Metrics scrape error", "error", fmt.Sprint(v...))
}
