// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/ledger"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	check "gopkg.in/check.v1"
)

const GiB = int64(fleet.GiB)

var _ = check.Suite(&SupervisorSuite{})

// stubProcess is a backend process that runs until its test (or a
// signal) finishes it.
type stubProcess struct {
	ignoreTERM bool
	exit       chan error
	once       sync.Once
	terminated int32
	killed     int32
}

func newStubProcess() *stubProcess {
	return &stubProcess{exit: make(chan error, 1)}
}

func (p *stubProcess) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *stubProcess) Wait() error { return <-p.exit }

func (p *stubProcess) Terminate() error {
	atomic.StoreInt32(&p.terminated, 1)
	if !p.ignoreTERM {
		p.finish(errors.New("signal: terminated"))
	}
	return nil
}

func (p *stubProcess) Kill() error {
	atomic.StoreInt32(&p.killed, 1)
	p.finish(errors.New("signal: killed"))
	return nil
}

type stubLauncher struct {
	mtx      sync.Mutex
	launched []LaunchOptions
	procs    []*stubProcess
	// called with each new process before Launch returns
	setup func(LaunchOptions, *stubProcess)
}

func (sl *stubLauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	sl.mtx.Lock()
	defer sl.mtx.Unlock()
	p := newStubProcess()
	if sl.setup != nil {
		sl.setup(opts, p)
	}
	sl.launched = append(sl.launched, opts)
	sl.procs = append(sl.procs, p)
	return p, nil
}

func (sl *stubLauncher) proc(c *check.C, i int) (*stubProcess, LaunchOptions) {
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(time.Millisecond) {
		sl.mtx.Lock()
		if len(sl.procs) > i {
			defer sl.mtx.Unlock()
			return sl.procs[i], sl.launched[i]
		}
		sl.mtx.Unlock()
	}
	c.Fatalf("timed out waiting for process %d to launch", i)
	return nil, LaunchOptions{}
}

type SupervisorSuite struct {
	ctx       context.Context
	cancel    context.CancelFunc
	store     *store.MemoryStore
	ledger    *ledger.Ledger
	registry  *backend.Registry
	launcher  *stubLauncher
	health    *httptest.Server
	healthy   int32
	modelFile string
	agent     *Agent
}

func (s *SupervisorSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), logger))
	s.store = store.NewMemoryStore()
	s.ledger = ledger.New(s.store, logger)
	s.registry = backend.NewRegistry()
	c.Assert(s.registry.Update([]fleet.InferenceBackend{{
		Name:              "stub",
		DefaultRunCommand: "stub-server --model {{model_path}} --port {{port}}",
		HealthCheckPath:   "/healthz",
	}}), check.IsNil)

	s.modelFile = filepath.Join(c.MkDir(), "model.gguf")
	c.Assert(os.WriteFile(s.modelFile, []byte("GGUF"), 0644), check.IsNil)

	atomic.StoreInt32(&s.healthy, 0)
	s.health = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" || atomic.LoadInt32(&s.healthy) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	var err error
	s.agent, err = New(s.ctx, s.store, s.registry, fleet.SupervisorConfig{
		WorkerID:            "w1",
		Labels:              map[string]string{fleet.LabelOS: "linux", fleet.LabelArch: "amd64"},
		RAM:                 fleet.ByteSize(64 * GiB),
		GPUs:                []fleet.GPUDevice{{Index: 0, Name: "test GPU", VRAM: fleet.ByteSize(24 * GiB)}},
		PortRangeStart:      41000,
		PortRangeEnd:        41009,
		HealthCheckTimeout:  fleet.Duration(5 * time.Second),
		HealthCheckInterval: fleet.Duration(10 * time.Millisecond),
		TimeoutTERM:         fleet.Duration(100 * time.Millisecond),
	}, prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	s.launcher = &stubLauncher{}
	s.agent.launcher = s.launcher
	s.agent.stderr = ctxlog.LogWriter(c.Log)
	s.agent.ports.available = func(int) bool { return true }
	s.agent.probeURL = func(port int, path string) string { return s.health.URL + path }
	s.agent.dialAddr = func(port int) string { return s.health.Listener.Addr().String() }
	c.Assert(s.agent.Register(s.ctx), check.IsNil)
}

func (s *SupervisorSuite) TearDownTest(c *check.C) {
	s.cancel()
	s.agent.wg.Wait()
	s.health.Close()
}

// schedule creates an instance of a model using the given backend and
// places it on GPU 0 of w1.
func (s *SupervisorSuite) schedule(c *check.C, b fleet.BackendName) fleet.ModelInstance {
	m := fleet.Model{
		ID:           "m1",
		Name:         "qwen2.5-7b-instruct",
		ParamSize:    7,
		Quantization: "Q4_K_M",
		Backend:      b,
		Source:       s.modelFile,
	}
	c.Assert(s.store.PutModel(s.ctx, m), check.IsNil)
	c.Assert(s.store.CreateInstance(s.ctx, fleet.ModelInstance{
		ID:        "i1",
		ModelID:   m.ID,
		ModelName: m.Name,
		State:     fleet.InstanceStatePending,
	}), check.IsNil)
	mi, err := s.ledger.Claim(s.ctx, ledger.ClaimRequest{
		InstanceID: "i1",
		WorkerID:   "w1",
		Claim: fleet.ResourceClaim{
			RAM:           2 * GiB,
			VRAM:          map[int]int64{0: 6 * GiB},
			OffloadLayers: 29,
			TotalLayers:   29,
		},
	})
	c.Assert(err, check.IsNil)
	return mi
}

// waitState waits for the instance to reach the given state, and
// returns it.
func (s *SupervisorSuite) waitState(c *check.C, id string, state fleet.InstanceState) fleet.ModelInstance {
	var mi fleet.ModelInstance
	var err error
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		mi, err = s.store.Instance(s.ctx, id)
		c.Assert(err, check.IsNil)
		if mi.State == state {
			return mi
		}
	}
	c.Fatalf("timed out waiting for instance %s to reach state %s (state %s, message %q)", id, state, mi.State, mi.StateMessage)
	return mi
}

func (s *SupervisorSuite) waitTasks(c *check.C, n int) {
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		s.agent.mtx.Lock()
		have := len(s.agent.tasks)
		s.agent.mtx.Unlock()
		if have == n {
			return
		}
	}
	c.Fatalf("timed out waiting for %d tasks", n)
}

func (s *SupervisorSuite) allocatable(c *check.C) fleet.Allocatable {
	w, err := s.store.Worker(s.ctx, "w1")
	c.Assert(err, check.IsNil)
	alloc, err := s.ledger.AllocatableResources(s.ctx, w)
	c.Assert(err, check.IsNil)
	return alloc
}

func counterValue(c *check.C, m prometheus.Metric) float64 {
	var pb dto.Metric
	c.Assert(m.Write(&pb), check.IsNil)
	if pb.Gauge != nil {
		return pb.GetGauge().GetValue()
	}
	return pb.GetCounter().GetValue()
}

func (s *SupervisorSuite) TestRegister(c *check.C) {
	w, err := s.store.Worker(s.ctx, "w1")
	c.Assert(err, check.IsNil)
	c.Check(w.State, check.Equals, fleet.WorkerStateReady)
	c.Check(w.Platform(), check.Equals, fleet.Platform{OS: "linux", Arch: "amd64"})
	c.Check(int64(w.RAM), check.Equals, 64*GiB)
	c.Check(w.GPUs, check.HasLen, 1)
	c.Check(w.Live(time.Now(), time.Minute), check.Equals, true)
}

// A backend that exits right after it starts puts the instance in
// the error state, with the cause, and its claim goes back to the
// worker's allocatable resources.
func (s *SupervisorSuite) TestLaunchFailureReleasesClaim(c *check.C) {
	s.launcher.setup = func(opts LaunchOptions, p *stubProcess) {
		fmt.Fprintln(opts.Stderr, "loading model")
		fmt.Fprintln(opts.Stderr, "error: CUDA out of memory")
		p.finish(errors.New("exit status 3"))
	}
	s.schedule(c, "stub")
	before := s.allocatable(c)
	c.Check(before.VRAM[0], check.Equals, 18*GiB)
	c.Check(before.RAM, check.Equals, 62*GiB)

	s.agent.sync(s.ctx)
	mi := s.waitState(c, "i1", fleet.InstanceStateError)
	c.Check(mi.Failure, check.Equals, fleet.FailureLaunch)
	c.Check(mi.StateMessage, check.Matches, `Backend process exited before becoming healthy: exit status 3: error: CUDA out of memory`)
	c.Check(mi.ComputedResourceClaim, check.IsNil)
	c.Check(mi.Port, check.Equals, 0)

	after := s.allocatable(c)
	c.Check(after.VRAM[0]-before.VRAM[0], check.Equals, 6*GiB)
	c.Check(after.RAM-before.RAM, check.Equals, 2*GiB)
	s.waitTasks(c, 0)
	c.Check(counterValue(c, s.agent.mLaunchFailures), check.Equals, 1.0)
}

func (s *SupervisorSuite) TestStartRunCrash(c *check.C) {
	s.schedule(c, "stub")
	s.agent.sync(s.ctx)

	proc, opts := s.launcher.proc(c, 0)
	mi := s.waitState(c, "i1", fleet.InstanceStateStarting)
	c.Check(mi.DownloadProgress, check.Equals, 1.0)
	c.Check(mi.ModelPath, check.Equals, s.modelFile)
	c.Check(mi.Port, check.Equals, 41000)
	c.Check(opts.Name, check.Equals, "gpufleet-i1")
	c.Check(opts.GPUIndexes, check.DeepEquals, []int{0})
	c.Check(opts.Spec.Path, check.Equals, "stub-server")
	c.Check(opts.Spec.Args, check.DeepEquals, []string{"--model", s.modelFile, "--port", "41000"})
	c.Check(opts.Spec.Env, check.DeepEquals, []string{"CUDA_VISIBLE_DEVICES=0"})

	atomic.StoreInt32(&s.healthy, 1)
	mi = s.waitState(c, "i1", fleet.InstanceStateRunning)
	c.Check(mi.ComputedResourceClaim, check.NotNil)
	c.Check(counterValue(c, s.agent.mProcessesRunning), check.Equals, 1.0)

	proc.finish(errors.New("exit status 1"))
	mi = s.waitState(c, "i1", fleet.InstanceStateError)
	c.Check(mi.Failure, check.Equals, fleet.FailureCrash)
	c.Check(mi.StateMessage, check.Equals, "Backend process exited unexpectedly: exit status 1")
	c.Check(mi.WorkerID, check.Equals, "w1")
	s.waitTasks(c, 0)
	c.Check(counterValue(c, s.agent.mCrashes), check.Equals, 1.0)
	c.Check(counterValue(c, s.agent.mProcessesRunning), check.Equals, 0.0)
}

func (s *SupervisorSuite) TestHealthCheckTimeout(c *check.C) {
	s.agent.config.HealthCheckTimeout = fleet.Duration(200 * time.Millisecond)
	s.schedule(c, "stub")
	s.agent.sync(s.ctx)
	proc, _ := s.launcher.proc(c, 0)
	mi := s.waitState(c, "i1", fleet.InstanceStateError)
	c.Check(mi.Failure, check.Equals, fleet.FailureLaunch)
	c.Check(mi.StateMessage, check.Equals, "Backend did not pass its health check within 200ms.")
	c.Check(atomic.LoadInt32(&proc.terminated), check.Equals, int32(1))
}

func (s *SupervisorSuite) TestStop(c *check.C) {
	s.schedule(c, "stub")
	atomic.StoreInt32(&s.healthy, 1)
	s.agent.sync(s.ctx)
	proc, _ := s.launcher.proc(c, 0)
	s.waitState(c, "i1", fleet.InstanceStateRunning)

	_, err := s.store.UpdateInstance(s.ctx, "i1", func(mi *fleet.ModelInstance) error {
		mi.StopRequested = true
		return nil
	})
	c.Assert(err, check.IsNil)
	s.agent.sync(s.ctx)
	mi := s.waitState(c, "i1", fleet.InstanceStateStopped)
	c.Check(mi.StateMessage, check.Equals, "Stopped by request.")
	c.Check(mi.StopRequested, check.Equals, false)
	c.Check(mi.ComputedResourceClaim, check.IsNil)
	c.Check(atomic.LoadInt32(&proc.terminated), check.Equals, int32(1))
	c.Check(atomic.LoadInt32(&proc.killed), check.Equals, int32(0))
}

func (s *SupervisorSuite) TestKillAfterTimeoutTERM(c *check.C) {
	s.launcher.setup = func(_ LaunchOptions, p *stubProcess) {
		p.ignoreTERM = true
	}
	s.schedule(c, "stub")
	atomic.StoreInt32(&s.healthy, 1)
	s.agent.sync(s.ctx)
	proc, _ := s.launcher.proc(c, 0)
	s.waitState(c, "i1", fleet.InstanceStateRunning)

	_, err := s.store.UpdateInstance(s.ctx, "i1", func(mi *fleet.ModelInstance) error {
		mi.StopRequested = true
		return nil
	})
	c.Assert(err, check.IsNil)
	t0 := time.Now()
	s.agent.sync(s.ctx)
	s.waitState(c, "i1", fleet.InstanceStateStopped)
	c.Check(time.Since(t0) >= 100*time.Millisecond, check.Equals, true)
	c.Check(atomic.LoadInt32(&proc.terminated), check.Equals, int32(1))
	c.Check(atomic.LoadInt32(&proc.killed), check.Equals, int32(1))
}

func (s *SupervisorSuite) TestReschedule(c *check.C) {
	s.schedule(c, "stub")
	s.agent.sync(s.ctx)
	s.launcher.proc(c, 0)
	s.waitState(c, "i1", fleet.InstanceStateStarting)

	_, err := s.store.UpdateInstance(s.ctx, "i1", func(mi *fleet.ModelInstance) error {
		mi.RescheduleRequested = true
		return nil
	})
	c.Assert(err, check.IsNil)
	s.agent.sync(s.ctx)
	mi := s.waitState(c, "i1", fleet.InstanceStatePending)
	c.Check(mi.StateMessage, check.Equals, "Rescheduled by request.")
	c.Check(mi.WorkerID, check.Equals, "")
	c.Check(mi.RescheduleRequested, check.Equals, false)
	c.Check(mi.DownloadProgress, check.Equals, 0.0)
}

// A stop requested before the task has launched anything is carried
// out without a launch.
func (s *SupervisorSuite) TestStopBeforeLaunch(c *check.C) {
	s.schedule(c, "stub")
	_, err := s.store.UpdateInstance(s.ctx, "i1", func(mi *fleet.ModelInstance) error {
		mi.StopRequested = true
		return nil
	})
	c.Assert(err, check.IsNil)
	s.agent.sync(s.ctx)
	s.waitState(c, "i1", fleet.InstanceStateStopped)
	s.waitTasks(c, 0)
	c.Check(s.launcher.launched, check.HasLen, 0)
}

func (s *SupervisorSuite) TestUnsupportedPlatform(c *check.C) {
	s.agent.platform = fleet.Platform{OS: "darwin", Arch: "arm64"}
	s.schedule(c, fleet.BackendVLLM)
	s.agent.sync(s.ctx)
	mi := s.waitState(c, "i1", fleet.InstanceStateError)
	c.Check(mi.Failure, check.Equals, fleet.FailureLaunch)
	c.Check(mi.StateMessage, check.Equals, "Cannot launch backend: backend vllm is not supported on platform darwin/arm64.")
	c.Check(s.launcher.launched, check.HasLen, 0)
}

func (s *SupervisorSuite) TestMissingModelFile(c *check.C) {
	c.Assert(os.Remove(s.modelFile), check.IsNil)
	s.schedule(c, "stub")
	s.agent.sync(s.ctx)
	mi := s.waitState(c, "i1", fleet.InstanceStateError)
	c.Check(mi.StateMessage, check.Matches, `Cannot fetch model files: model file: .*no such file or directory`)
	c.Check(mi.DownloadProgress, check.Equals, 0.0)
}

// When an instance is deleted (or moved to another worker) the task
// kills its process and leaves the record alone.
func (s *SupervisorSuite) TestStaleTaskKilled(c *check.C) {
	s.schedule(c, "stub")
	atomic.StoreInt32(&s.healthy, 1)
	s.agent.sync(s.ctx)
	proc, _ := s.launcher.proc(c, 0)
	s.waitState(c, "i1", fleet.InstanceStateRunning)

	c.Assert(s.store.DeleteInstance(s.ctx, "i1"), check.IsNil)
	s.agent.sync(s.ctx)
	s.waitTasks(c, 0)
	c.Check(atomic.LoadInt32(&proc.terminated), check.Equals, int32(1))
}

func (s *SupervisorSuite) TestOrphanFailed(c *check.C) {
	s.schedule(c, "stub")
	_, err := s.store.UpdateInstance(s.ctx, "i1", func(mi *fleet.ModelInstance) error {
		mi.DownloadProgress = 1
		if err := mi.Transition(fleet.InstanceStateStarting, ""); err != nil {
			return err
		}
		return mi.Transition(fleet.InstanceStateRunning, "")
	})
	c.Assert(err, check.IsNil)
	s.agent.sync(s.ctx)
	mi := s.waitState(c, "i1", fleet.InstanceStateError)
	c.Check(mi.Failure, check.Equals, fleet.FailureCrash)
	c.Check(mi.StateMessage, check.Equals, "Backend process was lost when the worker agent restarted.")
	c.Check(s.launcher.launched, check.HasLen, 0)
}

func (s *SupervisorSuite) TestRunShutdown(c *check.C) {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error)
	go func() { done <- s.agent.Run(ctx) }()

	s.schedule(c, "stub")
	atomic.StoreInt32(&s.healthy, 1)
	proc, _ := s.launcher.proc(c, 0)
	s.waitState(c, "i1", fleet.InstanceStateRunning)

	cancel()
	select {
	case err := <-done:
		c.Check(err, check.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for Run to return")
	}
	c.Check(atomic.LoadInt32(&proc.terminated), check.Equals, int32(1))
	w, err := s.store.Worker(s.ctx, "w1")
	c.Assert(err, check.IsNil)
	c.Check(w.State, check.Equals, fleet.WorkerStateNotReady)
}

// Backends stored by the dispatcher can be launched by an agent whose
// own config doesn't mention them.
func (s *SupervisorSuite) TestBackendFromStore(c *check.C) {
	c.Assert(s.store.PutBackend(s.ctx, fleet.InferenceBackend{
		Name:              "sglang",
		DefaultRunCommand: "sglang-server --model-path {{model_path}} --port {{port}}",
		HealthCheckPath:   "/healthz",
	}), check.IsNil)
	s.schedule(c, "sglang")

	// without SyncBackends, only the agent's own entries are known
	s.agent.sync(s.ctx)
	mi := s.waitState(c, "i1", fleet.InstanceStateError)
	c.Check(mi.StateMessage, check.Matches, `.*unknown backend "sglang".*`)
	s.waitTasks(c, 0)

	c.Assert(s.store.DeleteModel(s.ctx, "m1"), check.IsNil)
	s.agent.SyncBackends(nil)
	s.schedule(c, "sglang")
	s.agent.sync(s.ctx)
	_, opts := s.launcher.proc(c, 0)
	c.Check(opts.Spec.Path, check.Equals, "sglang-server")
	c.Check(opts.Spec.Args, check.DeepEquals, []string{"--model-path", s.modelFile, "--port", "41000"})
	atomic.StoreInt32(&s.healthy, 1)
	s.waitState(c, "i1", fleet.InstanceStateRunning)
}

// A backend without a health check path is running once its port
// accepts connections.
func (s *SupervisorSuite) TestNoHealthCheckPath(c *check.C) {
	c.Assert(s.registry.Update([]fleet.InferenceBackend{{
		Name:              "plain",
		DefaultRunCommand: "plain-server --port {{port}}",
	}}), check.IsNil)
	s.schedule(c, "plain")
	s.agent.sync(s.ctx)
	_, opts := s.launcher.proc(c, 0)
	c.Check(opts.Spec.HealthPath, check.Equals, "")
	// the HTTP health endpoint is failing, but isn't consulted
	c.Check(atomic.LoadInt32(&s.healthy), check.Equals, int32(0))
	s.waitState(c, "i1", fleet.InstanceStateRunning)
}
