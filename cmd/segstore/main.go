// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command segstore drives and inspects the extent placement layer.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.com/segstore-ng/lib/profile"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segconf"
	"git.lukeshu.com/segstore-ng/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(segconf.Config, *cobra.Command, []string) error
}

var subcommands []subcommand

// configFlags are command-line overrides for values from the config
// file; a flag only takes effect if it is given.
type configFlags struct {
	flags *pflag.FlagSet

	blockSize  int64
	capacity   int64
	maxSegs    int
	device     string
	segDir     string
	allocators int
	writers    int
	inlineMax  int64
	index      string
	indexDir   string
}

func addConfigFlags(flags *pflag.FlagSet) *configFlags {
	def := segconf.Default()
	cf := &configFlags{flags: flags}
	flags.Int64Var(&cf.blockSize, "block-size", int64(def.BlockSize), "device block size, in bytes")
	flags.Int64Var(&cf.capacity, "segment-capacity", int64(def.SegmentCapacity), "segment capacity, in bytes")
	flags.IntVar(&cf.maxSegs, "max-segments", def.MaxSegments, "maximum number of segments (<=0 for no limit)")
	flags.StringVar(&cf.device, "device", string(def.Device), "segment device kind (memory|file)")
	flags.StringVar(&cf.segDir, "segment-dir", def.SegmentDir, "directory of segment files for --device=file")
	if err := cobra.MarkFlagDirname(flags, "segment-dir"); err != nil {
		panic(err)
	}
	flags.IntVar(&cf.allocators, "allocators", def.Allocators, "number of segmented allocators")
	flags.IntVar(&cf.writers, "writers", def.WritersPerAllocator, "number of writers per allocator")
	flags.Int64Var(&cf.inlineMax, "inline-max", int64(def.InlineMaxBytes), "largest extent that is kept inline, in bytes")
	flags.StringVar(&cf.index, "index", string(def.Index), "logical index kind (memory|badger)")
	flags.StringVar(&cf.indexDir, "index-dir", def.IndexDir, "badger directory for --index=badger (empty for in-memory)")
	if err := cobra.MarkFlagDirname(flags, "index-dir"); err != nil {
		panic(err)
	}
	return cf
}

func (cf *configFlags) apply(cfg *segconf.Config) error {
	set := func(name string, fn func()) {
		if cf.flags.Changed(name) {
			fn()
		}
	}
	set("block-size", func() { cfg.BlockSize = segaddr.AddrDelta(cf.blockSize) })
	set("segment-capacity", func() { cfg.SegmentCapacity = segaddr.AddrDelta(cf.capacity) })
	set("max-segments", func() { cfg.MaxSegments = cf.maxSegs })
	set("device", func() { cfg.Device = segconf.DeviceKind(cf.device) })
	set("segment-dir", func() { cfg.SegmentDir = cf.segDir })
	set("allocators", func() { cfg.Allocators = cf.allocators })
	set("writers", func() { cfg.WritersPerAllocator = cf.writers })
	set("inline-max", func() { cfg.InlineMaxBytes = segaddr.AddrDelta(cf.inlineMax) })
	set("index", func() { cfg.Index = segconf.IndexKind(cf.index) })
	set("index-dir", func() { cfg.IndexDir = cf.indexDir })
	return cfg.Validate()
}

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var configFlag string

	argparser := &cobra.Command{
		Use:   "segstore {[flags]|SUBCOMMAND}",
		Short: "Drive and inspect a segmented extent store",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&configFlag, "config", "", "load configuration from the YAML file `segstore.yml`")
	if err := argparser.MarkPersistentFlagFilename("config", "yml", "yaml"); err != nil {
		panic(err)
	}
	cfgFlags := addConfigFlags(argparser.PersistentFlags())
	stopProfiling := profile.AddFlags(argparser.PersistentFlags(), "profile.")

	for _, child := range subcommands {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)
			dlog.SetFallbackLogger(logger.WithField("segstore.THIS_IS_A_BUG", true))

			defer func() {
				if _err := stopProfiling(); _err != nil && err == nil {
					err = _err
				}
			}()

			cfg := segconf.Default()
			if configFlag != "" {
				cfg, err = segconf.Load(configFlag)
				if err != nil {
					return err
				}
			}
			if err := cfgFlags.apply(&cfg); err != nil {
				return err
			}

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				cmd.SetContext(ctx)
				return runE(cfg, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
