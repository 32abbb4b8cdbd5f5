// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a number of bytes. In JSON and YAML it can be given
// either as a number or as a string with a unit suffix, like "24GiB"
// or "512M".
type ByteSize int64

var prefixValue = map[string]int64{
	"":   1,
	"K":  1000,
	"Ki": 1 << 10,
	"M":  1000000,
	"Mi": 1 << 20,
	"G":  1000000000,
	"Gi": 1 << 30,
	"T":  1000000000000,
	"Ti": 1 << 40,
}

const (
	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
)

// String implements fmt.Stringer, e.g., "24 GiB".
func (n ByteSize) String() string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// GB returns n in (binary) gigabyte units, as used in operator
// facing messages.
func (n ByteSize) GB() float64 {
	return float64(n) / float64(GiB)
}

func (n ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(n))
}

func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// ParseByteSize parses a size like "8GiB", "1.5 Gi", "100M" or
// "4096".
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	split := strings.LastIndexAny(s, "0123456789.") + 1
	if split == 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	var val json.Number
	dec := json.NewDecoder(strings.NewReader(s[:split]))
	dec.UseNumber()
	if err := dec.Decode(&val); err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(s[split:]), "B")
	pval, ok := prefixValue[prefix]
	if !ok {
		return 0, fmt.Errorf("invalid unit %q in byte size %q", strings.TrimSpace(s[split:]), s)
	}
	if i, err := val.Int64(); err == nil {
		if pval > 1 && (i*pval)/pval != i {
			return 0, fmt.Errorf("size %q overflows int64", s)
		}
		return ByteSize(i * pval), nil
	}
	f, err := val.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if f*float64(pval) > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows int64", s)
	}
	return ByteSize(int64(f * float64(pval))), nil
}
