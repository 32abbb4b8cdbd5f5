// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDump_BadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("gpufleet config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Equals, "error parsing command line arguments: flag provided but not defined: -badarg (try -help)\n")
}

func (s *CommandSuite) TestDump_EmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("gpufleet config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config does not define any clusters\n`)
}

func (s *CommandSuite) TestDump_UnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  UnknownKey: foobar
  ManagementToken: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
`
	code := DumpCommand.RunCommand("gpufleet config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Clusters.z1234.UnknownKey.*`)
	c.Check(stdout.String(), check.Matches, `(?ms)Clusters:\n  z1234:\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *ManagementToken: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n *RestartDelay: 10s\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
}

func (s *CommandSuite) TestCheck_NoWarnings(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  ManagementToken: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
  Backends:
   sglang:
    default_run_command: "sglang-server --model-path {{model_path}} --port {{port}}"
`
	code := CheckCommand.RunCommand("gpufleet config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestCheck_UnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  ManagementToken: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
  Scheduler:
   PollIntervall: 3s
   partialoffload: {Enable: false}
`
	code := CheckCommand.RunCommand("gpufleet config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Clusters.z1234.Scheduler.PollIntervall.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*Clusters.z1234.Scheduler.partialoffload \(expected Clusters.z1234.Scheduler.PartialOffload\).*`)

	stderr.Reset()
	code = CheckCommand.RunCommand("gpufleet config-check", []string{"-config", "-", "-strict=false"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("gpufleet config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}
