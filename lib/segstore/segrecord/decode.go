// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segrecord

import (
	"errors"
	"fmt"

	"git.lukeshu.com/segstore-ng/lib/binstruct"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

var (
	// ErrNotARecord is returned when the bytes at an offset do not
	// begin with RecordMagic; on a segment this marks the end of
	// written data.
	ErrNotARecord = errors.New("not a record")
	ErrChecksum   = errors.New("checksum mismatch")
)

type DecodedExtent struct {
	Type    segaddr.ExtentType
	LAddr   segaddr.LogicalAddr
	Addr    segaddr.PhysicalAddr
	Payload []byte
}

type DecodedRecord struct {
	Head    RecordHeader
	Size    Size
	Extents []DecodedExtent
}

// DecodeHeader parses and sanity-checks the fixed part of a record
// header.  It does not verify checksums; that needs the whole record.
func DecodeHeader(dat []byte, blockSize segaddr.AddrDelta) (RecordHeader, Size, error) {
	var head RecordHeader
	if _, err := binstruct.Unmarshal(dat, &head); err != nil {
		return head, Size{}, err
	}
	if head.Magic != RecordMagic {
		return head, Size{}, ErrNotARecord
	}
	size := Size{
		MDLength:   segaddr.AddrDelta(head.MDLength),
		DataLength: segaddr.AddrDelta(head.DataLength),
		blockSize:  blockSize,
	}
	if size.MDLength%blockSize != 0 {
		return head, size, fmt.Errorf("metadata length %v is not a multiple of the block size %v",
			size.MDLength, blockSize)
	}
	if want := computeSize(int(head.NumExtents), size.DataLength, blockSize); want.MDLength != size.MDLength {
		return head, size, fmt.Errorf("metadata length %v does not match %d extents (want %v)",
			size.MDLength, head.NumExtents, want.MDLength)
	}
	return head, size, nil
}

// Decode parses a full record from dat, which must hold at least
// Size.Total() bytes.
func Decode(dat []byte, blockSize segaddr.AddrDelta) (*DecodedRecord, error) {
	head, size, err := DecodeHeader(dat, blockSize)
	if err != nil {
		return nil, err
	}
	if segaddr.AddrDelta(len(dat)) < size.Total() {
		return nil, fmt.Errorf("record needs %v bytes, only have %v", size.Total(), len(dat))
	}
	if sum := crc32c(dat[mdChecksumStart:size.MDLength]); sum != head.MDChecksum {
		return nil, fmt.Errorf("metadata: %w: stored=%#08x calculated=%#08x", ErrChecksum, head.MDChecksum, sum)
	}
	data := dat[size.MDLength : size.MDLength+size.DataLength]
	if sum := crc32c(data); sum != head.DataChecksum {
		return nil, fmt.Errorf("data: %w: stored=%#08x calculated=%#08x", ErrChecksum, head.DataChecksum, sum)
	}

	ret := &DecodedRecord{
		Head:    head,
		Size:    size,
		Extents: make([]DecodedExtent, 0, head.NumExtents),
	}
	pos := headerSize
	var dataPos segaddr.AddrDelta
	for i := uint32(0); i < head.NumExtents; i++ {
		var info ExtentInfo
		if _, err := binstruct.Unmarshal(dat[pos:], &info); err != nil {
			return nil, fmt.Errorf("extent %d: %w", i, err)
		}
		pos += extentInfoSize
		end := dataPos + segaddr.AddrDelta(info.Length)
		if end > size.DataLength {
			return nil, fmt.Errorf("extent %d: payload overruns record data (%v > %v)", i, end, size.DataLength)
		}
		ret.Extents = append(ret.Extents, DecodedExtent{
			Type:  info.Type,
			LAddr: info.LAddr,
			Addr: segaddr.PhysicalAddr{
				Seg: head.Segment,
				Off: head.Base.Add(size.MDLength + dataPos),
			},
			Payload: data[dataPos:end],
		})
		dataPos = end
	}
	if dataPos != size.DataLength {
		return nil, fmt.Errorf("extents cover %v bytes but record data is %v bytes", dataPos, size.DataLength)
	}
	return ret, nil
}
