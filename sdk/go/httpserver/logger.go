// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const HeaderRequestID = "X-Request-Id"

// LogRequests wraps an http.Handler, assigning a request ID (unless
// the client sent one) and logging each request and response via
// logger. Handlers can get the request-scoped logger from the
// request context with ctxlog.FromContext.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		reqID := req.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = "req-" + uuid.NewString()
			req.Header.Set(HeaderRequestID, reqID)
		}
		wrapped.Header().Set(HeaderRequestID, reqID)
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":  reqID,
			"remoteAddr": req.RemoteAddr,
			"reqMethod":  req.Method,
			"reqPath":    req.URL.Path,
			"reqQuery":   req.URL.RawQuery,
			"reqBytes":   req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		t0 := time.Now()
		lgr.Debug("request")
		defer func() {
			tDone := time.Now()
			code := w.WroteStatus()
			if code == 0 {
				code = http.StatusOK
			}
			fields := logrus.Fields{
				"respStatusCode": code,
				"respStatus":     http.StatusText(code),
				"respBytes":      w.WroteBodyBytes(),
				"timeTotal":      tDone.Sub(t0).Seconds(),
			}
			if !w.writeTime.IsZero() {
				fields["timeToStatus"] = w.writeTime.Sub(t0).Seconds()
			}
			lgr.WithFields(fields).Info("response")
		}()
		h.ServeHTTP(w, req)
	})
}
