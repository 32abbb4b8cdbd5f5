// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchgpu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/estimate"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CheckCompatSuite{})

type CheckCompatSuite struct {
	configFile string
}

// SetUpTest writes a config file using a sqlite database with one
// Apple silicon worker.
func (s *CheckCompatSuite) SetUpTest(c *check.C) {
	dir := c.MkDir()
	dbfile := filepath.Join(dir, "gpufleet.db")
	st, err := store.OpenSQL(context.Background(), ctxlog.TestLogger(c), "sqlite", dbfile, 0)
	c.Assert(err, check.IsNil)
	err = st.PutWorker(context.Background(), fleet.Worker{
		ID:          "mac1",
		Labels:      map[string]string{fleet.LabelOS: "darwin", fleet.LabelArch: "arm64"},
		RAM:         64 * fleet.GiB,
		State:       fleet.WorkerStateReady,
		HeartbeatAt: time.Now(),
	})
	c.Assert(err, check.IsNil)
	c.Assert(st.Close(), check.IsNil)

	s.configFile = filepath.Join(dir, "config.yml")
	err = os.WriteFile(s.configFile, []byte(fmt.Sprintf(`
Clusters:
 zzzzz:
  Database: {Driver: sqlite, DSN: %q}
  Models:
   small:
    param_size: 7
    quantization: Q4_K_M
    backend: llama-box
   awq:
    name: qwen2.5-7b-instruct-awq
    param_size: 7
    quantization: AWQ
    backend: vllm
`, dbfile)), 0644)
	c.Assert(err, check.IsNil)
}

func (s *CheckCompatSuite) run(c *check.C, stdin string, args ...string) (int, []estimate.Annotation, string) {
	var stdout, stderr bytes.Buffer
	code := CheckCompatCommand.RunCommand("check-compat", append([]string{"-config", s.configFile}, args...), bytes.NewBufferString(stdin), &stdout, &stderr)
	var annotations []estimate.Annotation
	if stdout.Len() > 0 {
		c.Check(json.Unmarshal(stdout.Bytes(), &annotations), check.IsNil)
	}
	return code, annotations, stderr.String()
}

func (s *CheckCompatSuite) TestConfiguredModels(c *check.C) {
	code, annotations, stderr := s.run(c, "")
	c.Log(stderr)
	c.Check(code, check.Equals, 1)
	c.Assert(annotations, check.HasLen, 2)
	c.Check(annotations[0].Model, check.Equals, "qwen2.5-7b-instruct-awq")
	c.Check(annotations[0].Known, check.Equals, true)
	c.Check(annotations[0].Compatible, check.Equals, false)
	c.Check(annotations[0].Message, check.Equals, "vLLM backend requires an amd64 Linux worker, but none is available.")
	c.Check(annotations[1].Model, check.Equals, "small")
	c.Check(annotations[1].Compatible, check.Equals, true)
}

func (s *CheckCompatSuite) TestSpecsFromStdin(c *check.C) {
	code, annotations, stderr := s.run(c, `[{"name": "tiny", "param_size": 1, "quantization": "Q8_0", "backend": "llama-box"}]`, "-")
	c.Log(stderr)
	c.Check(code, check.Equals, 0)
	c.Assert(annotations, check.HasLen, 1)
	c.Check(annotations[0].Model, check.Equals, "tiny")
	c.Check(annotations[0].Compatible, check.Equals, true)
}

func (s *CheckCompatSuite) TestTooLarge(c *check.C) {
	code, annotations, _ := s.run(c, `
huge:
  param_size: 405
  quantization: F16
  backend: llama-box
`, "-")
	c.Check(code, check.Equals, 1)
	c.Assert(annotations, check.HasLen, 1)
	c.Check(annotations[0].Model, check.Equals, "huge")
	c.Check(annotations[0].Message, check.Matches, `The model size is too large for the current setup\. Estimated size: .* GB \(roughly\)\. Allocatable RAM: 64\.0 GB, VRAM: 0\.0 GB\.`)
}

func (s *CheckCompatSuite) TestUsage(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCompatCommand.RunCommand("check-compat", []string{"-config", s.configFile, "a", "b"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Equals, "too many arguments (try -help)\n")
}
