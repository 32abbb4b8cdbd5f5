// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
)

const DefaultConfigFile = "/etc/gpufleet/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	if cc, ok := sc.Clusters[clusterID]; !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	} else {
		cc.ClusterID = clusterID
		return &cc, nil
	}
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	SystemLogs      struct {
		Format   string
		LogLevel string
	}
	Services struct {
		DispatchGPU Service
		WorkerAgent Service
	}
	Database   DatabaseConfig
	Scheduler  SchedulerConfig
	Estimator  EstimatorConfig
	Supervisor SupervisorConfig
	Backends   map[string]InferenceBackend
	Models     map[string]Model
}

type Service struct {
	Listen string
}

type DatabaseConfig struct {
	// "memory", "sqlite" or "postgres"
	Driver string
	DSN    string
	// Interval between polls for changes made by other processes.
	PollInterval Duration
}

type SchedulerConfig struct {
	PollInterval           Duration
	WorkerHeartbeatTimeout Duration
	// Backoff before a crashed instance is rescheduled. Doubles
	// with each restart, up to MaxRestartDelay.
	RestartDelay    Duration
	MaxRestartDelay Duration
	PartialOffload  PartialOffloadPolicy
}

// PartialOffloadPolicy controls how far the planner may reduce the
// number of GPU layers to fit a model on a GPU with too little VRAM.
type PartialOffloadPolicy struct {
	Enable bool
	// Number of layers removed per step when searching for a fit.
	Step int
	// Smallest acceptable number of offloaded layers. Zero allows
	// CPU-only placement.
	MinLayers int
}

type EstimatorConfig struct {
	// Added to the weight size for runtime/context buffers.
	RuntimeOverhead ByteSize
	// Host RAM needed by the server process itself.
	HostRAMOverhead ByteSize
	// Bits per parameter, keyed by quantization identifier. Merged
	// over the built-in table.
	Quantizations map[string]float64
	// Timeout for the cluster snapshot used by compatibility checks.
	SnapshotTimeout Duration
}

type SupervisorConfig struct {
	// Worker ID this agent registers and supervises. Defaults to
	// the hostname.
	WorkerID string
	// Run the worker agent inside the dispatch-gpu process.
	InProcess bool

	Labels         map[string]string
	RAM            ByteSize
	GPUs           []GPUDevice
	DetectGPUs     bool
	BackendBinDir  string
	LogDir         string
	BindAddress    string
	PortRangeStart int
	PortRangeEnd   int

	HealthCheckTimeout  Duration
	HealthCheckInterval Duration
	TimeoutTERM         Duration
	SyncInterval        Duration
	HeartbeatInterval   Duration
	DockerHost          string
}
