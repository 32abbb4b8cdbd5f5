// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package supervisor

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// A prober polls a backend's health check endpoint until it returns
// 200 OK.
type prober struct {
	client   *retryablehttp.Client
	interval time.Duration
}

func newProber(logger logrus.FieldLogger, interval time.Duration) *prober {
	client := retryablehttp.NewClient()
	client.Logger = leveledLogger{logger: logger}
	client.HTTPClient.Timeout = 5 * time.Second
	// The caller's context decides when to give up.
	client.RetryMax = math.MaxInt32
	client.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return interval
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil || resp.StatusCode != http.StatusOK, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &prober{client: client, interval: interval}
}

// probe returns nil when url responds 200 OK, or an error when ctx
// is done first.
func (p *prober) probe(ctx context.Context, url string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}

// waitListening returns nil when addr accepts a TCP connection, or an
// error when ctx is done first.
func (p *prober) waitListening(ctx context.Context, addr string) error {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
}

// leveledLogger sends retryablehttp's per-request logs to debug
// level; failed probes are normal while a backend loads its model.
type leveledLogger struct {
	logger logrus.FieldLogger
}

func (l leveledLogger) log(msg string, kv []interface{}) {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	l.logger.WithFields(fields).Debug(msg)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log(msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log(msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log(msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log(msg, kv) }
