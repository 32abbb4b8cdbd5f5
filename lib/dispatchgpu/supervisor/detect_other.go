// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

//go:build !linux && !darwin

package supervisor

import (
	"fmt"
	"runtime"
)

func detectRAM() (int64, error) {
	return 0, fmt.Errorf("cannot detect RAM size on %s, set Supervisor.RAM in config", runtime.GOOS)
}
