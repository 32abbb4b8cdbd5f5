// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package supervisor

import (
	"golang.org/x/sys/unix"
)

func detectRAM() (int64, error) {
	n, err := unix.SysctlUint64("hw.memsize")
	return int64(n), err
}
