// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Func is a health check: it returns nil when healthy.
type Func func(context.Context) error

// Routes maps check names to health-check funcs.
type Routes map[string]Func

// Handler serves authenticated health-check requests with JSON
// responses like {"health":"OK"} or {"health":"ERROR","error":"..."}.
//
// Fields should not be changed after the Handler is first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Bearer token required by clients. If empty, every request
	// gets 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Routes["foo"] is invoked by a request to "{Prefix}foo". A
	// "ping" route that always succeeds is added unless Routes
	// already has one.
	Routes Routes

	// Each check is cancelled after Timeout. Zero means 10s.
	Timeout time.Duration

	// If non-nil, Log is called after each request with nil (if
	// the request was authorized and served, even if the check
	// failed) or the error sent to the client.
	Log func(*http.Request, error)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for name, fn := range h.Routes {
		h.mux.Handle(prefix+name, h.check(fn))
	}
	if _, ok := h.Routes["ping"]; !ok {
		h.mux.Handle(prefix+"ping", h.check(func(context.Context) error { return nil }))
	}
}

var (
	healthyBody     = []byte(`{"health":"OK"}` + "\n")
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) check(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		switch ah := r.Header.Get("Authorization"); {
		case h.Token == "":
			http.Error(w, "disabled", http.StatusNotFound)
			err = errNotFound
			return
		case ah == "":
			http.Error(w, "authorization required", http.StatusUnauthorized)
			err = errUnauthorized
			return
		case ah != "Bearer "+h.Token:
			http.Error(w, "authorization error", http.StatusForbidden)
			err = errForbidden
			return
		}
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if checkErr := fn(ctx); checkErr != nil {
			err = json.NewEncoder(w).Encode(map[string]string{
				"health": "ERROR",
				"error":  checkErr.Error(),
			})
			return
		}
		w.Write(healthyBody)
	})
}
