// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// ParseFlags parses args into f, printing usage or error messages to
// stderr as needed.
//
// positional describes the accepted positional arguments for the
// usage message ("Usage: {prog} [options] {positional}"), one word
// per argument, e.g. "[spec-file|-]". With positional == "" no
// positional arguments are accepted.
//
// If ok is false the caller should exit with exitCode: 0 after
// -help, 2 after a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		f.SetOutput(stderr)
		if fs, isFlagSet := f.(*flag.FlagSet); isFlagSet && fs.Usage != nil {
			fs.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options] %s\n", prog, positional)
			f.PrintDefaults()
		}
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	}
	if max := len(strings.Fields(positional)); f.NArg() > max {
		if max == 0 {
			fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", f.Args())
		} else {
			fmt.Fprintf(stderr, "too many arguments (try -help)\n")
		}
		return false, 2
	}
	return true, 0
}
