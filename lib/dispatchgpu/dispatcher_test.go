// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchgpu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DispatcherSuite{})

const testToken = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type DispatcherSuite struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cluster *fleet.Cluster
	store   *store.MemoryStore
	disp    *dispatcher
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ctx = ctxlog.Context(s.ctx, ctxlog.TestLogger(c))
	s.store = store.NewMemoryStore()
	s.cluster = &fleet.Cluster{
		ClusterID:       "zzzzz",
		ManagementToken: testToken,
		Scheduler: fleet.SchedulerConfig{
			PollInterval:           fleet.Duration(time.Second),
			WorkerHeartbeatTimeout: fleet.Duration(time.Minute),
			RestartDelay:           fleet.Duration(time.Second),
			MaxRestartDelay:        fleet.Duration(time.Minute),
			PartialOffload:         fleet.PartialOffloadPolicy{Enable: true, Step: 1, MinLayers: 1},
		},
		Estimator: fleet.EstimatorConfig{
			RuntimeOverhead: fleet.GiB,
			HostRAMOverhead: 512 * fleet.MiB,
			SnapshotTimeout: fleet.Duration(time.Second),
		},
		Backends: map[string]fleet.InferenceBackend{
			"sglang": {
				DefaultRunCommand: "sglang-server --model-path {{model_path}} --port {{port}}",
				Platforms:         []fleet.Platform{{OS: "linux", Arch: "amd64"}},
			},
		},
		Models: map[string]fleet.Model{
			"m1": {
				Name:         "qwen2.5-7b-instruct",
				ParamSize:    7,
				Quantization: "Q4_K_M",
				Backend:      fleet.BackendLlamaBox,
				Replicas:     1,
			},
		},
	}
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	if s.disp != nil {
		s.disp.Close()
		s.disp = nil
	}
	s.cancel()
}

func (s *DispatcherSuite) start(c *check.C) {
	s.disp = &dispatcher{
		Cluster:  s.cluster,
		Context:  s.ctx,
		Registry: prometheus.NewRegistry(),
		Store:    s.store,
	}
	s.disp.Start()
	c.Assert(s.disp.CheckHealth(), check.IsNil)
}

func (s *DispatcherSuite) putWorker(c *check.C, id string, ram int64, vram ...int64) {
	w := fleet.Worker{
		ID:          id,
		Name:        id,
		Labels:      map[string]string{fleet.LabelOS: "linux", fleet.LabelArch: "amd64"},
		RAM:         fleet.ByteSize(ram) * fleet.GiB,
		State:       fleet.WorkerStateReady,
		HeartbeatAt: time.Now(),
	}
	for i, v := range vram {
		w.GPUs = append(w.GPUs, fleet.GPUDevice{Index: i, Name: "NVIDIA GeForce RTX 4090", VRAM: fleet.ByteSize(v) * fleet.GiB})
	}
	c.Assert(s.store.PutWorker(s.ctx, w), check.IsNil)
}

// waitInstance waits for the only instance of the model to satisfy
// fn, and returns it.
func (s *DispatcherSuite) waitInstance(c *check.C, modelID string, fn func(fleet.ModelInstance) bool) fleet.ModelInstance {
	deadline := time.Now().Add(5 * time.Second)
	for ; ; time.Sleep(10 * time.Millisecond) {
		list, err := s.store.Instances(s.ctx, store.InstanceFilter{ModelID: modelID})
		c.Assert(err, check.IsNil)
		if len(list) == 1 && fn(list[0]) {
			return list[0]
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for instance of %s, have %+v", modelID, list)
		}
	}
}

func inState(state fleet.InstanceState) func(fleet.ModelInstance) bool {
	return func(mi fleet.ModelInstance) bool { return mi.State == state }
}

func (s *DispatcherSuite) do(c *check.C, method, path string, form url.Values, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if method == "POST" {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path+"?"+form.Encode(), nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) getJSON(c *check.C, path string, form url.Values, dst interface{}) {
	resp := s.do(c, "GET", path, form, testToken)
	c.Assert(resp.Code, check.Equals, http.StatusOK, check.Commentf("%s", resp.Body.String()))
	c.Assert(json.NewDecoder(resp.Body).Decode(dst), check.IsNil)
}

func (s *DispatcherSuite) TestDisabledManagementAPI(c *check.C) {
	s.cluster.ManagementToken = ""
	s.start(c)
	resp := s.do(c, "GET", "/gpufleet/v1/dispatch/instances", nil, "")
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	c.Check(resp.Body.String(), check.Matches, `Management API authentication is not configured\n`)
}

func (s *DispatcherSuite) TestAuthorization(c *check.C) {
	s.start(c)
	for _, trial := range []struct {
		token string
		code  int
	}{
		{"", http.StatusUnauthorized},
		{"bogus", http.StatusForbidden},
		{testToken, http.StatusOK},
	} {
		resp := s.do(c, "GET", "/gpufleet/v1/dispatch/workers", nil, trial.token)
		c.Check(resp.Code, check.Equals, trial.code, check.Commentf("token %q", trial.token))
	}
	resp := s.do(c, "GET", "/gpufleet/v1/dispatch/nonexistent", nil, testToken)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestConfigStateLoaded(c *check.C) {
	s.start(c)
	m, err := s.store.Model(s.ctx, "m1")
	c.Assert(err, check.IsNil)
	c.Check(m.Name, check.Equals, "qwen2.5-7b-instruct")
	c.Check(m.Replicas, check.Equals, 1)

	stored, err := s.store.Backends(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(stored, check.HasLen, 1)
	c.Check(stored[0].Name, check.Equals, fleet.BackendName("sglang"))

	var backends struct {
		Items []fleet.InferenceBackend
	}
	s.getJSON(c, "/gpufleet/v1/dispatch/backends", nil, &backends)
	var names []fleet.BackendName
	for _, b := range backends.Items {
		names = append(names, b.Name)
		if b.Name == "sglang" {
			c.Check(b.BuiltIn, check.Equals, false)
		}
	}
	c.Check(names, check.DeepEquals, []fleet.BackendName{fleet.BackendLlamaBox, "sglang", fleet.BackendVLLM})

	// Reloading with a different model list replaces the stored
	// models.
	s.disp.ReloadConfig(&fleet.Cluster{
		Models: map[string]fleet.Model{
			"m2": {ParamSize: 1, Quantization: "Q8_0", Backend: fleet.BackendLlamaBox},
		},
	})
	_, err = s.store.Model(s.ctx, "m1")
	c.Check(err, check.ErrorMatches, `.*not found`)
	m, err = s.store.Model(s.ctx, "m2")
	c.Assert(err, check.IsNil)
	c.Check(m.Name, check.Equals, "m2")
	_, ok := s.disp.backends.Lookup("sglang")
	c.Check(ok, check.Equals, false)
}

func (s *DispatcherSuite) TestScheduleAndReport(c *check.C) {
	s.putWorker(c, "w1", 64, 24)
	s.start(c)
	mi := s.waitInstance(c, "m1", inState(fleet.InstanceStateScheduled))
	c.Check(mi.WorkerID, check.Equals, "w1")
	c.Check(mi.GPUIndexes, check.DeepEquals, []int{0})
	c.Assert(mi.ComputedResourceClaim, check.NotNil)

	var instances struct {
		Items []fleet.ModelInstance
	}
	s.getJSON(c, "/gpufleet/v1/dispatch/instances", url.Values{"worker_id": {"w1"}}, &instances)
	c.Assert(instances.Items, check.HasLen, 1)
	c.Check(instances.Items[0].ID, check.Equals, mi.ID)
	c.Check(instances.Items[0].State, check.Equals, fleet.InstanceStateScheduled)

	s.getJSON(c, "/gpufleet/v1/dispatch/instances", url.Values{"state": {"running"}}, &instances)
	c.Check(instances.Items, check.HasLen, 0)

	var workers struct {
		Items []WorkerView
	}
	s.getJSON(c, "/gpufleet/v1/dispatch/workers", nil, &workers)
	c.Assert(workers.Items, check.HasLen, 1)
	wv := workers.Items[0]
	c.Check(wv.ID, check.Equals, "w1")
	c.Check(wv.Live, check.Equals, true)
	c.Check(wv.Instances, check.Equals, 1)
	c.Check(wv.Allocatable.RAM, check.Equals, int64(64*fleet.GiB)-mi.ComputedResourceClaim.RAM)
	c.Check(wv.Allocatable.VRAM[0], check.Equals, int64(24*fleet.GiB)-mi.ComputedResourceClaim.VRAM[0])

	var claims struct {
		Items []store.ModelClaims
	}
	s.getJSON(c, "/gpufleet/v1/dispatch/claims", nil, &claims)
	c.Assert(claims.Items, check.HasLen, 1)
	c.Check(claims.Items[0].ModelID, check.Equals, "m1")
	c.Check(claims.Items[0].Instances, check.Equals, 1)
	c.Check(claims.Items[0].VRAM, check.Equals, mi.ComputedResourceClaim.TotalVRAM())
}

func (s *DispatcherSuite) TestStopAndReschedule(c *check.C) {
	s.start(c)
	// no workers, so the instance stays pending
	mi := s.waitInstance(c, "m1", inState(fleet.InstanceStatePending))

	resp := s.do(c, "POST", "/gpufleet/v1/dispatch/instances/stop", url.Values{}, testToken)
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
	c.Check(resp.Body.String(), check.Equals, `{"errors":["instance_id parameter not provided"]}`+"\n")

	resp = s.do(c, "POST", "/gpufleet/v1/dispatch/instances/stop", url.Values{"instance_id": {"bogus"}}, testToken)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)

	resp = s.do(c, "POST", "/gpufleet/v1/dispatch/instances/stop", url.Values{"instance_id": {mi.ID}}, testToken)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var got fleet.ModelInstance
	c.Assert(json.NewDecoder(resp.Body).Decode(&got), check.IsNil)
	c.Check(got.ID, check.Equals, mi.ID)
	c.Check(got.StopRequested, check.Equals, true)

	// the planner carries out the stop
	mi = s.waitInstance(c, "m1", inState(fleet.InstanceStateStopped))
	c.Check(mi.StateMessage, check.Equals, "Stopped by request.")

	// stopping a stopped instance changes nothing
	resp = s.do(c, "POST", "/gpufleet/v1/dispatch/instances/stop", url.Values{"instance_id": {mi.ID}}, testToken)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Assert(json.NewDecoder(resp.Body).Decode(&got), check.IsNil)
	c.Check(got.State, check.Equals, fleet.InstanceStateStopped)
	c.Check(got.StopRequested, check.Equals, false)

	s.putWorker(c, "w1", 64, 24)
	resp = s.do(c, "POST", "/gpufleet/v1/dispatch/instances/reschedule", url.Values{"instance_id": {mi.ID}}, testToken)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	mi = s.waitInstance(c, "m1", inState(fleet.InstanceStateScheduled))
	c.Check(mi.WorkerID, check.Equals, "w1")
	c.Check(mi.RescheduleRequested, check.Equals, false)
}

func (s *DispatcherSuite) TestCompatibility(c *check.C) {
	s.cluster.Models["m2"] = fleet.Model{
		Name:         "qwen2.5-7b-instruct-awq",
		ParamSize:    7,
		Quantization: "AWQ",
		Backend:      fleet.BackendVLLM,
		Replicas:     0,
	}
	s.start(c)

	var compat struct {
		Items []struct {
			Model      string `json:"model"`
			Known      bool   `json:"known"`
			Compatible bool   `json:"compatible"`
			Message    string `json:"compatibility_message"`
		}
	}
	s.getJSON(c, "/gpufleet/v1/dispatch/compatibility", url.Values{"model_id": {"m2"}}, &compat)
	c.Assert(compat.Items, check.HasLen, 1)
	c.Check(compat.Items[0].Model, check.Equals, "qwen2.5-7b-instruct-awq")
	c.Check(compat.Items[0].Known, check.Equals, true)
	c.Check(compat.Items[0].Compatible, check.Equals, false)
	c.Check(compat.Items[0].Message, check.Equals, "vLLM backend requires an amd64 Linux worker, but none is available.")

	s.putWorker(c, "w1", 64, 24)
	s.getJSON(c, "/gpufleet/v1/dispatch/compatibility", nil, &compat)
	c.Assert(compat.Items, check.HasLen, 2)
	for _, item := range compat.Items {
		c.Check(item.Compatible, check.Equals, true, check.Commentf("%+v", item))
	}

	resp := s.do(c, "GET", "/gpufleet/v1/dispatch/compatibility", url.Values{"model_id": {"bogus"}}, testToken)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestInProcessAgent(c *check.C) {
	s.cluster.Models = nil
	s.cluster.Supervisor = fleet.SupervisorConfig{
		WorkerID:          "local",
		InProcess:         true,
		RAM:               32 * fleet.GiB,
		GPUs:              []fleet.GPUDevice{{Index: 0, Name: "NVIDIA GeForce RTX 3090", VRAM: 24 * fleet.GiB}},
		SyncInterval:      fleet.Duration(50 * time.Millisecond),
		HeartbeatInterval: fleet.Duration(50 * time.Millisecond),
	}
	s.start(c)
	var w fleet.Worker
	var err error
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		w, err = s.store.Worker(s.ctx, "local")
		if err == nil {
			break
		}
	}
	c.Assert(err, check.IsNil)
	c.Check(w.State, check.Equals, fleet.WorkerStateReady)
	c.Check(w.RAM, check.Equals, 32*fleet.GiB)
	c.Check(w.GPUs, check.HasLen, 1)

	s.disp.Close()
	s.disp = nil
	w, err = s.store.Worker(s.ctx, "local")
	c.Assert(err, check.IsNil)
	c.Check(w.State, check.Equals, fleet.WorkerStateNotReady)
}

// A worker agent on another host learns about backends from the
// dispatcher's config through the store.
func (s *DispatcherSuite) TestAgentUsesStoredBackends(c *check.C) {
	s.cluster.Models = nil
	s.start(c)

	agentCluster := *s.cluster
	agentCluster.Backends = nil
	agentCluster.Supervisor = fleet.SupervisorConfig{
		WorkerID:          "remote",
		RAM:               32 * fleet.GiB,
		SyncInterval:      fleet.Duration(50 * time.Millisecond),
		HeartbeatInterval: fleet.Duration(50 * time.Millisecond),
	}
	ctx, cancel := context.WithCancel(s.ctx)
	h, err := startAgent(ctx, &agentCluster, s.store, prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	defer func() {
		cancel()
		<-h.Done()
	}()

	var b fleet.InferenceBackend
	var ok bool
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline) && !ok; time.Sleep(10 * time.Millisecond) {
		b, ok = h.backends.Lookup("sglang")
	}
	c.Assert(ok, check.Equals, true)
	c.Check(b.DefaultRunCommand, check.Equals, "sglang-server --model-path {{model_path}} --port {{port}}")
	_, strategy, err := h.backends.Resolve(fleet.Model{Name: "m", Backend: "sglang"})
	c.Check(err, check.IsNil)
	c.Check(strategy, check.NotNil)
}
