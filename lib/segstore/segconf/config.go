// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package segconf is the configuration of a segment store.
package segconf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
	"git.lukeshu.com/segstore-ng/lib/textui"
)

type DeviceKind string

const (
	DeviceMemory = DeviceKind("memory")
	DeviceFile   = DeviceKind("file")
)

type IndexKind string

const (
	IndexMemory = IndexKind("memory")
	IndexBadger = IndexKind("badger")
)

type Config struct {
	BlockSize       segaddr.AddrDelta `yaml:"block_size"`
	SegmentCapacity segaddr.AddrDelta `yaml:"segment_capacity"`
	// MaxSegments <= 0 means unlimited.
	MaxSegments int        `yaml:"max_segments"`
	Device      DeviceKind `yaml:"device"`
	// SegmentDir is where segment files live when Device is
	// "file".
	SegmentDir string `yaml:"segment_dir"`

	Allocators          int               `yaml:"allocators"`
	WritersPerAllocator int               `yaml:"writers_per_allocator"`
	InlineMaxBytes      segaddr.AddrDelta `yaml:"inline_max_bytes"`

	Index IndexKind `yaml:"index"`
	// IndexDir is the badger directory; empty means an in-memory
	// badger.
	IndexDir       string `yaml:"index_dir"`
	IndexCacheSize int    `yaml:"index_cache_size"`
}

func Default() Config {
	return Config{
		BlockSize:       4096,
		SegmentCapacity: textui.Tunable(segaddr.AddrDelta(64 * 1024 * 1024)),
		Device:          DeviceMemory,

		Allocators:          textui.Tunable(1),
		WritersPerAllocator: textui.Tunable(4),
		InlineMaxBytes:      textui.Tunable(segaddr.AddrDelta(1024)),

		Index:          IndexMemory,
		IndexCacheSize: textui.Tunable(4096),
	}
}

func (cfg Config) Validate() error {
	if err := segdev.CheckGeometry(cfg.BlockSize, cfg.SegmentCapacity); err != nil {
		return err
	}
	if cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return fmt.Errorf("invalid block size: %v is not a power of 2", cfg.BlockSize)
	}
	switch cfg.Device {
	case DeviceMemory:
	case DeviceFile:
		if cfg.SegmentDir == "" {
			return errors.New("device \"file\" requires a segment_dir")
		}
	default:
		return fmt.Errorf("invalid device kind: %q", cfg.Device)
	}
	if cfg.Allocators < 1 {
		return fmt.Errorf("invalid allocator count: %d", cfg.Allocators)
	}
	if cfg.WritersPerAllocator < 1 {
		return fmt.Errorf("invalid writers per allocator: %d", cfg.WritersPerAllocator)
	}
	if cfg.InlineMaxBytes < 0 {
		return fmt.Errorf("invalid inline_max_bytes: %v", cfg.InlineMaxBytes)
	}
	switch cfg.Index {
	case IndexMemory, IndexBadger:
	default:
		return fmt.Errorf("invalid index kind: %q", cfg.Index)
	}
	if cfg.IndexCacheSize < 1 {
		return fmt.Errorf("invalid index_cache_size: %d", cfg.IndexCacheSize)
	}
	return nil
}

// Decode reads a YAML document on top of the defaults.  Unknown keys
// are an error.  An empty document yields the defaults.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(filename string) (Config, error) {
	dat, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Decode(bytes.NewReader(dat))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

// Encode writes the config as YAML.
func (cfg Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
