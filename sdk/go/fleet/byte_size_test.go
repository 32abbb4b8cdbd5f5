// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ByteSizeSuite{})

type ByteSizeSuite struct{}

func (s *ByteSizeSuite) TestUnmarshal(c *check.C) {
	for _, testcase := range []struct {
		in  string
		out int64
	}{
		{"0", 0},
		{"5", 5},
		{"5B", 5},
		{"5 B", 5},
		{" 4KiB ", 4096},
		{"0K", 0},
		{"0Ki", 0},
		{"0 KiB", 0},
		{"4K", 4000},
		{"4KB", 4000},
		{"4Ki", 4096},
		{"4KiB", 4096},
		{"4MB", 4000000},
		{"4MiB", 4194304},
		{"4GB", 4000000000},
		{"4 GiB", 4294967296},
		{"1.5GiB", 1610612736},
		{"4TB", 4000000000000},
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase.in+"\n"), &n)
		c.Check(err, check.IsNil)
		c.Check(int64(n), check.Equals, testcase.out, check.Commentf("%q => %d", testcase.in, testcase.out))
	}
	for _, testcase := range []string{
		"B", "K", "KB", "KiB", "4BK", "4iB", "4A", "b", "4b", "4mB", "4m", "4mib", "4KIB", "4K iB", "4Ki B", "BB", "4BB",
		"400000 EB", // overflow
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase+"\n"), &n)
		c.Check(err, check.NotNil, check.Commentf("%q", testcase))
	}
}

func (s *ByteSizeSuite) TestString(c *check.C) {
	c.Check(ByteSize(24*GiB).String(), check.Equals, "24 GiB")
	c.Check(ByteSize(24*GiB).GB(), check.Equals, 24.0)
}
