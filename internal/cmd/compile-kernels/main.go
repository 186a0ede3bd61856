// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Command compile-kernels translates GLSL compute kernels to WGSL using
// the naga CLI, so the wgpu engine can load them at runtime. Output files
// are named after the kernel with a .wgsl extension.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func main() {
	var (
		in      string
		out     string
		naga    string
		verbose bool
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-v] -in <dir> -out <dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&in, "in", "", "Path to `directory` with .comp kernels")
	flag.StringVar(&out, "out", "./out", "Path to output `directory`")
	flag.StringVar(&naga, "naga", "naga", "Path to the naga `executable`")
	flag.BoolVar(&verbose, "v", false, "Be verbose")
	flag.Parse()

	if len(flag.Args()) != 0 {
		flag.Usage()
		os.Exit(2)
	}

	dief := func(f string, v ...any) {
		fmt.Fprintf(os.Stderr, f, v...)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}

	matches, err := filepath.Glob(filepath.Join(in, "*.comp"))
	if err != nil {
		panic(err)
	}
	if len(matches) == 0 {
		dief("No kernels found in %q", in)
	}

	if err := os.MkdirAll(out, 0777); err != nil {
		dief("Couldn't create output directory: %s", err)
	}

	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".comp")
		dst := filepath.Join(out, name+".wgsl")
		if verbose {
			fmt.Fprintf(os.Stderr, "translating %s -> %s\n", m, dst)
		}
		cmd := exec.Command(naga, m, dst)
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			dief("Couldn't translate %q: %s", m, err)
		}
	}
}
