// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package segalloc implements an allocator that spreads out-of-line
// extents across a fixed pool of segment writers.
package segalloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/segstore/hintsel"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
	"git.lukeshu.com/segstore-ng/lib/segstore/segwriter"
)

type Config struct {
	Name    string
	Writers int
	// Selector picks a writer for each extent.  If nil, it is
	// hintsel.Pick with a salt of 0.
	Selector hintsel.Selector
}

type Allocator struct {
	name     string
	writers  []*segwriter.Writer
	selector hintsel.Selector
}

func New(cfg Config, deps segwriter.Deps) (*Allocator, error) {
	if cfg.Writers < 1 {
		return nil, fmt.Errorf("segalloc %q: invalid writer count %d", cfg.Name, cfg.Writers)
	}
	ret := &Allocator{
		name:     cfg.Name,
		selector: cfg.Selector,
	}
	if ret.selector == nil {
		ret.selector = hintsel.Salted(0)
	}
	for i := 0; i < cfg.Writers; i++ {
		ret.writers = append(ret.writers, segwriter.New(fmt.Sprintf("%s/w%d", cfg.Name, i), deps))
	}
	return ret, nil
}

func (a *Allocator) Name() string { return a.name }

// Writers returns the allocator's writers, in selector order.
func (a *Allocator) Writers() []*segwriter.Writer { return a.writers }

// AllocOOLExtentsPaddr writes the extents out-of-line.  Each extent
// goes to exactly one writer, chosen by its placement hint; writers
// run concurrently.  The call fails if any writer fails, but what the
// other writers wrote stays written.
func (a *Allocator) AllocOOLExtentsPaddr(ctx context.Context, txn *segcache.Transaction, extents []*segcache.Extent) error {
	ctx = dlog.WithField(ctx, "segstore.allocator", a.name)
	parts := make([][]*segcache.Extent, len(a.writers))
	for _, ext := range extents {
		i := a.selector(ext.Hint(), len(a.writers))
		if i < 0 || i >= len(a.writers) {
			panic(fmt.Errorf("should not happen: selector returned writer %d of %d", i, len(a.writers)))
		}
		parts[i] = append(parts[i], ext)
	}

	var (
		errMu    sync.Mutex
		firstErr error
	)
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for i := range parts {
		if len(parts[i]) == 0 {
			continue
		}
		w, part := a.writers[i], parts[i]
		dlog.Tracef(ctx, "writer %q: %d extents", w.Name(), len(part))
		grp.Go(w.Name(), func(ctx context.Context) error {
			if err := w.Write(ctx, txn, part); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("writer %q: %w", w.Name(), err)
				}
				errMu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	return firstErr
}

// Stop stops every writer.
func (a *Allocator) Stop(ctx context.Context) error {
	ctx = dlog.WithField(ctx, "segstore.allocator", a.name)
	var (
		errMu sync.Mutex
		errs  derror.MultiError
	)
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for _, w := range a.writers {
		w := w
		grp.Go(w.Name(), func(ctx context.Context) error {
			if err := w.Stop(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("writer %q: %w", w.Name(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (a *Allocator) Stats() segwriter.Stats {
	var ret segwriter.Stats
	for _, w := range a.writers {
		ret = ret.Add(w.Stats())
	}
	return ret
}
