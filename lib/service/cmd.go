// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.gpufleet.org/gpufleet.git/lib/cmd"
	"git.gpufleet.org/gpufleet.git/lib/config"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"git.gpufleet.org/gpufleet.git/sdk/go/health"
	"git.gpufleet.org/gpufleet.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// A Reloader is a Handler that can apply a changed config without
// restarting. The service calls ReloadConfig each time the config
// file changes.
type Reloader interface {
	ReloadConfig(*fleet.Cluster)
}

type NewHandlerFunc func(_ context.Context, _ *fleet.Cluster, token string, registry *prometheus.Registry) Handler

// Service names accepted by Command.
const (
	ServiceNameDispatchGPU = "dispatch-gpu"
	ServiceNameWorkerAgent = "worker-agent"
)

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the current cluster config, and brings up an http
// server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-Id
// headers, logging requests/responses, serving /metrics and
// /_health/ping to management clients).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	ctx, cancel := context.WithCancel(ctxlog.Context(c.ctx, logger))
	defer cancel()

	listen, err := getListenAddr(cluster, c.svcName)
	if err != nil {
		return 1
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		err = fmt.Errorf("cannot start %s service on %s: %w", c.svcName, listen, err)
		return 1
	}

	reg := prometheus.NewRegistry()

	// gpufleet_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cluster, cluster.ManagementToken, reg)
	if err = handler.CheckHealth(); err != nil {
		ln.Close()
		return 1
	}
	if r, ok := handler.(Reloader); ok && loader.Path != "-" {
		go config.Watch(ctx, logger, loader.Path, cfg, func(cfg *fleet.Config) {
			cc, err := cfg.GetCluster(cluster.ClusterID)
			if err != nil {
				logger.WithError(err).Warn("reloaded config does not define this cluster; ignoring")
				return
			}
			r.ReloadConfig(cc)
		})
	}

	srv := &http.Server{
		Handler: httpserver.Instrument(reg, log, cluster.ManagementToken,
			httpserver.LogRequests(logger,
				interceptHealthReqs(cluster.ManagementToken, handler.CheckHealth, handler))),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ln)
	}()
	logger.WithFields(logrus.Fields{
		"Listen":  ln.Addr().String(),
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = <-served
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err == nil && ctx.Err() == nil {
		// handler shut itself down
		if err = handler.CheckHealth(); err == nil {
			err = fmt.Errorf("%s handler stopped", c.svcName)
		}
	}
	if err != nil {
		return 1
	}
	return 0
}

func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": func(context.Context) error { return checkHealth() }},
	})
	mux.NotFound = next
	return mux
}

// getListenAddr returns the configured listen address for the named
// service. A GPUFLEET_SERVICE_LISTEN environment variable takes
// precedence over the config file.
func getListenAddr(cluster *fleet.Cluster, svcName string) (string, error) {
	if want := os.Getenv("GPUFLEET_SERVICE_LISTEN"); want != "" {
		return want, nil
	}
	var svc fleet.Service
	switch svcName {
	case ServiceNameDispatchGPU:
		svc = cluster.Services.DispatchGPU
	case ServiceNameWorkerAgent:
		svc = cluster.Services.WorkerAgent
	default:
		return "", fmt.Errorf("unknown service name %q", svcName)
	}
	if svc.Listen == "" {
		return "", fmt.Errorf("configuration does not enable the %q service (Listen address is empty)", svcName)
	}
	return svc.Listen, nil
}
