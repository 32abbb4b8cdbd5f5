// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package supervisor

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

const (
	defaultPortRangeStart = 40000
	defaultPortRangeEnd   = 40999
)

// portAllocator hands out listening ports for backend processes.
type portAllocator struct {
	start, end int
	// available reports whether nothing else on the host is
	// listening on the port
	available func(int) bool

	mtx   sync.Mutex
	owner map[int]string
}

func newPortAllocator(start, end int) *portAllocator {
	if start <= 0 {
		start = defaultPortRangeStart
	}
	if end < start {
		end = start + defaultPortRangeEnd - defaultPortRangeStart
	}
	return &portAllocator{
		start:     start,
		end:       end,
		available: listenable,
		owner:     map[int]string{},
	}
}

// Allocate returns the lowest free port in the range.
func (pa *portAllocator) Allocate(owner string) (int, error) {
	pa.mtx.Lock()
	defer pa.mtx.Unlock()
	for port := pa.start; port <= pa.end; port++ {
		if _, taken := pa.owner[port]; taken || !pa.available(port) {
			continue
		}
		pa.owner[port] = owner
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", pa.start, pa.end)
}

// Release frees all ports held by owner.
func (pa *portAllocator) Release(owner string) {
	pa.mtx.Lock()
	defer pa.mtx.Unlock()
	for port, o := range pa.owner {
		if o == owner {
			delete(pa.owner, port)
		}
	}
}

func listenable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
