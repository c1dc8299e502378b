// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segwriter

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
)

// openSegment is a reference-counted handle on an open segment.  The
// writer holds one reference for as long as the segment is current,
// and every in-flight append holds one more; whoever drops the last
// reference closes the segment.
type openSegment struct {
	seg     segdev.Segment
	nonce   segaddr.SegmentNonce
	onClose func(*openSegment, error)

	mu       sync.Mutex
	refs     int
	outdated bool
	// brokenErr is the first append failure; once it is set the
	// handle accepts no more appends.
	brokenErr error
	// tail is closed once the most recently reserved append has
	// finished (successfully or not).
	tail chan struct{}

	closed chan struct{}
}

func newOpenSegment(seg segdev.Segment, nonce segaddr.SegmentNonce, onClose func(*openSegment, error)) *openSegment {
	tail := make(chan struct{})
	close(tail)
	return &openSegment{
		seg:     seg,
		nonce:   nonce,
		onClose: onClose,
		refs:    1,
		tail:    tail,
		closed:  make(chan struct{}),
	}
}

func (h *openSegment) ID() segaddr.SegmentID { return h.seg.ID() }

func (h *openSegment) acquire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		panic(fmt.Errorf("should not happen: acquire on closed segment handle %v", h.seg.ID()))
	}
	h.refs++
}

func (h *openSegment) release(ctx context.Context) {
	h.mu.Lock()
	h.refs--
	refs := h.refs
	h.mu.Unlock()
	switch {
	case refs > 0:
		return
	case refs < 0:
		panic(fmt.Errorf("should not happen: segment handle %v released too many times", h.seg.ID()))
	}
	// Closing is not subject to the caller's cancellation.
	err := h.seg.Close(dcontext.WithoutCancel(ctx))
	if err != nil {
		dlog.Errorf(ctx, "segment %v: %v", h.seg.ID(), err)
	}
	h.onClose(h, err)
	close(h.closed)
}

func (h *openSegment) markOutdated() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outdated = true
}

func (h *openSegment) isOutdated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outdated
}

func (h *openSegment) isBroken() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.brokenErr != nil
}

// reserveTicket returns a channel to wait on before appending, and a
// channel to close once the append is done.
func (h *openSegment) reserveTicket() (prev <-chan struct{}, done chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev = h.tail
	done = make(chan struct{})
	h.tail = done
	return prev, done
}

func (h *openSegment) append(ctx context.Context, off segaddr.SegmentOff, dat []byte) error {
	h.mu.Lock()
	brokenErr := h.brokenErr
	h.mu.Unlock()
	if brokenErr != nil {
		return fmt.Errorf("segment %v: abandoned after an earlier failed write: %w", h.seg.ID(), brokenErr)
	}
	if err := h.seg.Write(ctx, off, dat); err != nil {
		h.mu.Lock()
		if h.brokenErr == nil {
			h.brokenErr = err
		}
		h.mu.Unlock()
		return err
	}
	return nil
}
