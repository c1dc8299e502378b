// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile adds command-line flags for writing runtime
// profiles to files.
package profile

import (
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type StopFunc = func() error

type startFunc = func(io.Writer) (StopFunc, error)

func startCPU(w io.Writer) (StopFunc, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return nil
	}, nil
}

func startTrace(w io.Writer) (StopFunc, error) {
	if err := trace.Start(w); err != nil {
		return nil, err
	}
	return func() error {
		trace.Stop()
		return nil
	}, nil
}

// startNamed writes a named profile (see runtime/pprof.Lookup) when
// it is stopped.
func startNamed(name string) startFunc {
	return func(w io.Writer) (StopFunc, error) {
		return func() error {
			if prof := pprof.Lookup(name); prof != nil {
				return prof.WriteTo(w, 0)
			}
			return nil
		}, nil
	}
}

type flags struct {
	stops []StopFunc
}

func (fs *flags) stop() error {
	var errs derror.MultiError
	// Stop in reverse order of starting.
	for i := len(fs.stops) - 1; i >= 0; i-- {
		if err := fs.stops[i](); err != nil {
			errs = append(errs, err)
		}
	}
	fs.stops = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type flagValue struct {
	parent   *flags
	start    startFunc
	filename string
}

var _ pflag.Value = (*flagValue)(nil)

// String implements pflag.Value.
func (fv *flagValue) String() string { return fv.filename }

// Type implements pflag.Value.
func (*flagValue) Type() string { return "filename" }

// Set implements pflag.Value.
func (fv *flagValue) Set(filename string) error {
	if filename == "" {
		return nil
	}
	if fv.filename != "" {
		return fmt.Errorf("already writing to %q", fv.filename)
	}
	w, err := os.Create(filename)
	if err != nil {
		return err
	}
	stop, err := fv.start(w)
	if err != nil {
		_ = w.Close()
		return err
	}
	fv.filename = filename
	fv.parent.stops = append(fv.parent.stops, func() error {
		if err := stop(); err != nil {
			_ = w.Close()
			return fmt.Errorf("%s: %w", filename, err)
		}
		return w.Close()
	})
	return nil
}

// AddFlags adds a "<prefix>cpu" flag, a "<prefix>trace" flag, and a
// flag for each of the runtime's named profiles, and returns the
// function to call at shutdown to finish writing them.
func AddFlags(flagset *pflag.FlagSet, prefix string) StopFunc {
	root := new(flags)
	add := func(name string, start startFunc, desc string) {
		flagset.Var(&flagValue{parent: root, start: start}, prefix+name, desc)
		_ = cobra.MarkFlagFilename(flagset, prefix+name)
	}
	add("cpu", startCPU, "Write a CPU profile to the file `cpu.pprof`")
	add("trace", startTrace, "Write a runtime trace to the file `trace.out`")
	for _, prof := range pprof.Profiles() {
		name := prof.Name()
		add(name, startNamed(name), fmt.Sprintf("Write a %s profile to the file `%s.pprof`", name, name))
	}
	return root.stop
}
