// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrument returns a handler that passes requests through to next
// and tracks request durations, and serves the registry's metrics
// at GET /metrics to clients presenting the given bearer token.
//
// If registry is nil, a new registry is created. If token is empty,
// /metrics is passed through to next like any other path.
func Instrument(registry *prometheus.Registry, logger logrus.FieldLogger, token string, next http.Handler) http.Handler {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "gpufleet",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	registry.MustRegister(reqDuration)
	instrumented := promhttp.InstrumentHandlerDuration(reqDuration, next)
	exportProm := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: logger,
	})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if token == "" || req.URL.Path != "/metrics" || (req.Method != "GET" && req.Method != "HEAD") {
			instrumented.ServeHTTP(w, req)
			return
		}
		if req.Header.Get("Authorization") != "Bearer "+token {
			Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		exportProm.ServeHTTP(w, req)
	})
}
