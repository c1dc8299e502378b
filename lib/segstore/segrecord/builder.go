// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segrecord

import (
	"fmt"

	"git.lukeshu.com/segstore-ng/lib/binstruct"
	"git.lukeshu.com/segstore-ng/lib/containers"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

// Extent is what the Builder needs to know about an extent.
type Extent interface {
	Type() segaddr.ExtentType
	LAddr() segaddr.LogicalAddr
	Payload() []byte
}

// Entry is an extent in a record, along with the out-of-line address
// that it was assigned by Finalize.
type Entry[E Extent] struct {
	Extent E
	Addr   segaddr.PhysicalAddr
}

// NoBase is the base offset of a record that has not been finalized.
const NoBase = segaddr.SegmentOff(-1)

// Builder accumulates extents into a single record.  It is not safe
// for concurrent use.
type Builder[E Extent] struct {
	blockSize segaddr.AddrDelta

	entries   []Entry[E]
	infos     []ExtentInfo
	dataLen   segaddr.AddrDelta
	base      segaddr.SegmentOff
	finalized bool
}

func NewBuilder[E Extent](blockSize segaddr.AddrDelta) *Builder[E] {
	if blockSize <= 0 {
		panic(fmt.Errorf("segrecord.NewBuilder: invalid block size %v", blockSize))
	}
	return &Builder[E]{
		blockSize: blockSize,
		base:      NoBase,
	}
}

func (b *Builder[E]) assertConsistent() {
	if len(b.entries) != len(b.infos) {
		panic(fmt.Errorf("should not happen: record has %d extents but %d descriptors",
			len(b.entries), len(b.infos)))
	}
}

// Add appends an extent to the record.
func (b *Builder[E]) Add(ext E) {
	if b.finalized {
		panic(fmt.Errorf("should not happen: Add on a finalized record (base=%v)", b.base))
	}
	payload := ext.Payload()
	b.entries = append(b.entries, Entry[E]{
		Extent: ext,
		Addr:   segaddr.NullPhysicalAddr,
	})
	b.infos = append(b.infos, ExtentInfo{
		Type:   ext.Type(),
		Length: uint32(len(payload)),
		LAddr:  ext.LAddr(),
	})
	b.dataLen += segaddr.AddrDelta(len(payload))
	b.assertConsistent()
}

// WouldBeSize returns the size the record would have if ext were
// added to it, without adding it.
func (b *Builder[E]) WouldBeSize(ext E) Size {
	return computeSize(len(b.infos)+1, b.dataLen+segaddr.AddrDelta(len(ext.Payload())), b.blockSize)
}

// EncodedSize returns the size of the record as it currently stands.
func (b *Builder[E]) EncodedSize() Size {
	return computeSize(len(b.infos), b.dataLen, b.blockSize)
}

func (b *Builder[E]) NumExtents() int              { return len(b.entries) }
func (b *Builder[E]) IsEmpty() bool                { return len(b.entries) == 0 }
func (b *Builder[E]) Base() segaddr.SegmentOff     { return b.base }
func (b *Builder[E]) BlockSize() segaddr.AddrDelta { return b.blockSize }
func (b *Builder[E]) Entries() []Entry[E]          { return b.entries }
func (b *Builder[E]) RawDataSize() segaddr.AddrDelta {
	b.assertConsistent()
	return b.dataLen
}

var bufPool containers.SlicePool[byte]

// Record is a finalized, serialized record, ready to be appended to
// its segment at Base.
type Record[E Extent] struct {
	Segment segaddr.SegmentID
	Base    segaddr.SegmentOff
	Size    Size
	Entries []Entry[E]

	buf []byte
}

// Bytes returns the serialized record; len(Bytes()) == Size.Total().
func (r *Record[E]) Bytes() []byte { return r.buf }

// Release returns the record's buffer to the pool.  Bytes must not be
// used after calling Release.
func (r *Record[E]) Release() {
	bufPool.Put(r.buf)
	r.buf = nil
}

// Finalize assigns every extent its out-of-line address and encodes
// the record.  The Builder must be Reset before it is reused.
func (b *Builder[E]) Finalize(base segaddr.SegmentOff, seg segaddr.SegmentID, nonce segaddr.SegmentNonce) *Record[E] {
	b.assertConsistent()
	if b.finalized {
		panic(fmt.Errorf("should not happen: record finalized twice (base=%v)", b.base))
	}
	if base < 0 || segaddr.AddrDelta(base)%b.blockSize != 0 {
		panic(fmt.Errorf("should not happen: misaligned record base %v", base))
	}
	size := b.EncodedSize()
	b.base = base
	b.finalized = true

	// addresses
	extentOff := base.Add(size.MDLength)
	for i := range b.entries {
		b.entries[i].Addr = segaddr.PhysicalAddr{Seg: seg, Off: extentOff}
		extentOff = extentOff.Add(segaddr.AddrDelta(b.infos[i].Length))
	}
	if extentOff != base.Add(size.MDLength+size.DataLength) {
		panic(fmt.Errorf("should not happen: extents end at %v but record data ends at %v",
			extentOff, base.Add(size.MDLength+size.DataLength)))
	}

	// encode
	buf := bufPool.Get(int(size.Total()))
	for i := range buf {
		buf[i] = 0
	}
	pos := headerSize
	for _, info := range b.infos {
		dat, err := binstruct.Marshal(info)
		if err != nil {
			panic(err)
		}
		copy(buf[pos:], dat)
		pos += extentInfoSize
	}
	dataPos := size.MDLength
	for _, ent := range b.entries {
		dataPos += segaddr.AddrDelta(copy(buf[dataPos:], ent.Extent.Payload()))
	}
	head := RecordHeader{
		Magic:        RecordMagic,
		DataChecksum: crc32c(buf[size.MDLength : size.MDLength+size.DataLength]),
		Segment:      seg,
		Nonce:        nonce,
		Base:         base,
		MDLength:     uint32(size.MDLength),
		DataLength:   uint32(size.DataLength),
		NumExtents:   uint32(len(b.infos)),
	}
	dat, err := binstruct.Marshal(head)
	if err != nil {
		panic(err)
	}
	copy(buf, dat)
	head.MDChecksum = crc32c(buf[mdChecksumStart:size.MDLength])
	dat, err = binstruct.Marshal(head)
	if err != nil {
		panic(err)
	}
	copy(buf, dat)

	return &Record[E]{
		Segment: seg,
		Base:    base,
		Size:    size,
		Entries: append([]Entry[E](nil), b.entries...),
		buf:     buf,
	}
}

// Reset clears the Builder so that it may be used for a new record.
func (b *Builder[E]) Reset() {
	var zero E
	for i := range b.entries {
		b.entries[i].Extent = zero
	}
	b.entries = b.entries[:0]
	b.infos = b.infos[:0]
	b.dataLen = 0
	b.base = NoBase
	b.finalized = false
}
