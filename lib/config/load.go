// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var ErrNoClustersDefined = errors.New("config does not define any clusters")

type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger
	// Config file path, or "-" for stdin.
	Path string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	// Calling SetupFlags on a throwaway FlagSet has the side
	// effect of assigning default values to the configurable
	// fields.
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's config file location.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/gpufleet/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", fleet.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting a GPUFLEET_CONFIG environment variable)")
	if path := os.Getenv("GPUFLEET_CONFIG"); path != "" {
		ldr.Path = path
	}
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	return os.ReadFile(path)
}

// Load reads and parses the config file, with the built-in defaults
// filled in for every cluster it defines, and checks the result.
func (ldr *Loader) Load() (*fleet.Config, error) {
	if ldr.Logger == nil {
		ldr.Logger = logrus.StandardLogger()
	}
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*fleet.Config, error) {
	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, ErrNoClustersDefined
	}

	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	var merged map[string]interface{}
	for id := range dummy.Clusters {
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte(" xxxxx:"), []byte(" "+id+":"), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		mergeConfig(&merged, src)
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	ldr.logExtraKeys(merged, src, "")
	mergeConfig(&merged, src)

	var cfg fleet.Config
	mergedJSON, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("re-encoding merged config: %s", err)
	}
	err = yaml.Unmarshal(mergedJSON, &cfg)
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}

	for id, cc := range cfg.Clusters {
		for _, err := range []error{
			checkClusterID(fmt.Sprintf("Clusters.%s", id), id),
			checkToken(fmt.Sprintf("Clusters.%s.ManagementToken", id), cc.ManagementToken),
			checkScheduler(fmt.Sprintf("Clusters.%s.Scheduler", id), cc.Scheduler),
			checkSupervisor(fmt.Sprintf("Clusters.%s.Supervisor", id), cc.Supervisor),
			checkDatabase(fmt.Sprintf("Clusters.%s.Database", id), cc.Database),
		} {
			if err != nil {
				return nil, err
			}
		}
		if cc.ManagementToken == "" {
			ldr.Logger.Warnf("Clusters.%s.ManagementToken: secret token is not set (management API, metrics and health checks are disabled)", id)
		}
		applyNames(&cc)
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

// applyNames fills in backend names and model IDs/names from their
// map keys.
func applyNames(cc *fleet.Cluster) {
	for name, b := range cc.Backends {
		b.Name = fleet.BackendName(name)
		cc.Backends[name] = b
	}
	for id, m := range cc.Models {
		m.ID = id
		if m.Name == "" {
			m.Name = id
		}
		cc.Models[id] = m
	}
}

// BackendEntries returns the cluster's backend registry entries,
// sorted by name.
func BackendEntries(cc *fleet.Cluster) []fleet.InferenceBackend {
	var list []fleet.InferenceBackend
	for name, b := range cc.Backends {
		b.Name = fleet.BackendName(name)
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

var acceptableClusterIDRe = regexp.MustCompile(`^[a-z0-9]{5}$`)

func checkClusterID(label, clusterID string) error {
	if !acceptableClusterIDRe.MatchString(clusterID) {
		return fmt.Errorf("%s: cluster ID should be 5 lowercase alphanumeric characters", label)
	}
	return nil
}

var acceptableTokenRe = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
var acceptableTokenLength = 32

func checkToken(label, token string) error {
	if token == "" {
		return nil
	}
	if !acceptableTokenRe.MatchString(token) {
		return fmt.Errorf("%s: unacceptable characters in token (only a-z, A-Z, 0-9 are acceptable)", label)
	}
	if len(token) < acceptableTokenLength {
		return fmt.Errorf("%s: token is too short (should be at least %d characters)", label, acceptableTokenLength)
	}
	return nil
}

func checkScheduler(label string, sc fleet.SchedulerConfig) error {
	po := sc.PartialOffload
	if po.Enable && po.Step < 1 {
		return fmt.Errorf("%s.PartialOffload.Step: must be at least 1 when partial offload is enabled", label)
	}
	if po.MinLayers < 0 {
		return fmt.Errorf("%s.PartialOffload.MinLayers: must not be negative", label)
	}
	if sc.MaxRestartDelay > 0 && sc.MaxRestartDelay < sc.RestartDelay {
		return fmt.Errorf("%s.MaxRestartDelay: must not be less than RestartDelay (%s)", label, sc.RestartDelay)
	}
	return nil
}

func checkSupervisor(label string, sc fleet.SupervisorConfig) error {
	if sc.PortRangeStart < 0 || sc.PortRangeEnd > 65535 || sc.PortRangeEnd < sc.PortRangeStart {
		return fmt.Errorf("%s: invalid port range %d-%d", label, sc.PortRangeStart, sc.PortRangeEnd)
	}
	if sc.RAM < 0 {
		return fmt.Errorf("%s.RAM: must not be negative", label)
	}
	seen := map[int]bool{}
	for _, gpu := range sc.GPUs {
		if seen[gpu.Index] {
			return fmt.Errorf("%s.GPUs: duplicate index %d", label, gpu.Index)
		}
		seen[gpu.Index] = true
	}
	return nil
}

func checkDatabase(label string, dc fleet.DatabaseConfig) error {
	switch dc.Driver {
	case "memory":
	case "sqlite", "postgres":
		if dc.DSN == "" {
			return fmt.Errorf("%s.DSN: must be set for driver %q", label, dc.Driver)
		}
	default:
		return fmt.Errorf("%s.Driver: unknown driver %q (should be memory, sqlite, or postgres)", label, dc.Driver)
	}
	return nil
}

func mergeConfig(dst *map[string]interface{}, src map[string]interface{}) {
	if *dst == nil {
		*dst = map[string]interface{}{}
	}
	for k, srcv := range src {
		srcmap, srcIsMap := srcv.(map[string]interface{})
		dstmap, dstIsMap := (*dst)[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeConfig(&dstmap, srcmap)
			(*dst)[k] = dstmap
		} else if srcv != nil {
			(*dst)[k] = srcv
		}
	}
}

// logExtraKeys warns about keys in the supplied config that are not
// in the defaults, except below Backends and Models, whose entries
// are free-form.
func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	allowed := map[string]interface{}{}
	for k, v := range expected {
		allowed[strings.ToLower(k)] = v
	}
	for k, vsupp := range supplied {
		if prefix == "" && k == "Clusters" {
			// Compare each cluster to the "xxxxx" template,
			// which has been replaced with every cluster ID
			// in expected.
			vsupp, _ := vsupp.(map[string]interface{})
			vexp, _ := expected[k].(map[string]interface{})
			for id, vcluster := range vsupp {
				vclusterexp, _ := vexp[id].(map[string]interface{})
				vcluster, _ := vcluster.(map[string]interface{})
				ldr.logExtraKeys(vclusterexp, vcluster, "Clusters."+id+".")
			}
			continue
		}
		vexp, ok := expected[k]
		if !ok {
			vexp, ok = allowed[strings.ToLower(k)]
			if ok {
				ldr.Logger.Warnf("deprecated or unknown config entry: %s%s (expected %s%s)", prefix, k, prefix, caseMatch(expected, k))
			} else {
				ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			}
			continue
		}
		if k == "Backends" || k == "Models" || k == "Labels" || k == "Quantizations" {
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			// if vsupp is a map but vexp isn't map, this
			// will be caught elsewhere; see TestBadType.
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); ok {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

func caseMatch(m map[string]interface{}, k string) string {
	for mk := range m {
		if strings.EqualFold(mk, k) {
			return mk
		}
	}
	return k
}
