// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package segrecord implements the on-segment record format used for
// out-of-line extent writes.
//
// A record is laid out as
//
//	[RecordHeader][ExtentInfo × N][pad to block]
//	[payload 1][payload 2]…[payload N][pad to block]
//
// The metadata block carries enough information (type, logical
// address and length of every extent) that a forward scan of a
// segment can find every record boundary and every extent without
// consulting the logical index.
package segrecord

import (
	"fmt"
	"hash/crc32"

	"git.lukeshu.com/segstore-ng/lib/binstruct"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

// RecordMagic identifies the start of a record; its last bytes are
// the format version.
var RecordMagic = [8]byte{'S', 'G', 'R', 'E', 'C', 0, 1, 0}

type RecordHeader struct {
	Magic         [8]byte              `bin:"off=0x0,  siz=0x8"`
	MDChecksum    uint32               `bin:"off=0x8,  siz=0x4"` // crc32c of the metadata block after this field
	DataChecksum  uint32               `bin:"off=0xc,  siz=0x4"` // crc32c of the (unpadded) payloads
	Segment       segaddr.SegmentID    `bin:"off=0x10, siz=0x4"`
	Nonce         segaddr.SegmentNonce `bin:"off=0x14, siz=0x4"`
	Base          segaddr.SegmentOff   `bin:"off=0x18, siz=0x8"`
	MDLength      uint32               `bin:"off=0x20, siz=0x4"` // block-aligned
	DataLength    uint32               `bin:"off=0x24, siz=0x4"` // not block-aligned
	NumExtents    uint32               `bin:"off=0x28, siz=0x4"`
	Reserved      uint32               `bin:"off=0x2c, siz=0x4"`
	binstruct.End `bin:"off=0x30"`
}

type ExtentInfo struct {
	Type          segaddr.ExtentType  `bin:"off=0x0, siz=0x1"`
	Reserved      [3]uint8            `bin:"off=0x1, siz=0x3"`
	Length        uint32              `bin:"off=0x4, siz=0x4"`
	LAddr         segaddr.LogicalAddr `bin:"off=0x8, siz=0x8"`
	binstruct.End `bin:"off=0x10"`
}

var (
	headerSize     = segaddr.AddrDelta(binstruct.StaticSize(RecordHeader{}))
	extentInfoSize = segaddr.AddrDelta(binstruct.StaticSize(ExtentInfo{}))
	// mdChecksumStart is where the bytes covered by MDChecksum
	// begin.
	mdChecksumStart = 0xc
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32c(dat []byte) uint32 {
	return crc32.Checksum(dat, castagnoli)
}

func roundUp(n, blockSize segaddr.AddrDelta) segaddr.AddrDelta {
	return ((n + blockSize - 1) / blockSize) * blockSize
}

// Size is the encoded size of a record.
type Size struct {
	// MDLength is the length of the metadata block, already
	// rounded up to the block size.
	MDLength segaddr.AddrDelta
	// DataLength is the sum of the payload lengths, not rounded.
	DataLength segaddr.AddrDelta

	blockSize segaddr.AddrDelta
}

// Total is the number of bytes the record occupies on the segment;
// the data region is padded so the next record starts on a block
// boundary.
func (s Size) Total() segaddr.AddrDelta {
	return s.MDLength + roundUp(s.DataLength, s.blockSize)
}

func (s Size) String() string {
	return fmt.Sprintf("{md=%d data=%d total=%d}", s.MDLength, s.DataLength, s.Total())
}

func computeSize(numExtents int, dataLen, blockSize segaddr.AddrDelta) Size {
	rawMD := headerSize + segaddr.AddrDelta(numExtents)*extentInfoSize
	return Size{
		MDLength:   roundUp(rawMD, blockSize),
		DataLength: dataLen,
		blockSize:  blockSize,
	}
}

// MaxPayload returns the largest single-extent payload that fits in a
// record of at most capacity bytes.
func MaxPayload(capacity, blockSize segaddr.AddrDelta) segaddr.AddrDelta {
	md := computeSize(1, 0, blockSize).MDLength
	if capacity < md {
		return 0
	}
	return ((capacity - md) / blockSize) * blockSize
}
