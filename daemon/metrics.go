/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics holds the daemon-wide gauges exported at MetricsAddr.
type Metrics struct {
	registry *prometheus.Registry

	Synchronised  prometheus.Gauge
	Sources       prometheus.Gauge
	FrequencyPPM  prometheus.Gauge
	SkewPPM       prometheus.Gauge
	RootDelaySec  prometheus.Gauge
	RootDispSec   prometheus.Gauge
	LastOffsetSec prometheus.Gauge
}

// NewMetrics builds and registers the daemon's gauge set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Synchronised: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_synchronised", Help: "1 if the daemon currently has a selected reference, else 0.",
		}),
		Sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_sources", Help: "Number of configured sources.",
		}),
		FrequencyPPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_frequency_ppm", Help: "Current local-clock frequency correction in ppm.",
		}),
		SkewPPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_skew_ppm", Help: "Confidence-interval half-width of the selected source's frequency estimate.",
		}),
		RootDelaySec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_root_delay_seconds", Help: "Root delay of the current selection.",
		}),
		RootDispSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_root_dispersion_seconds", Help: "Root dispersion of the current selection.",
		}),
		LastOffsetSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_last_offset_seconds", Help: "Last correction applied to the local clock.",
		}),
	}
	reg.MustRegister(m.Synchronised, m.Sources, m.FrequencyPPM, m.SkewPPM, m.RootDelaySec, m.RootDispSec, m.LastOffsetSec)
	return m
}

// Serve starts the metrics HTTP endpoint; callers typically run this in
// its own goroutine since it blocks until the listener fails.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("daemon: metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.WithError(err).Error(fmt.Sprintf("daemon: metrics server on %s failed", addr))
	}
}
