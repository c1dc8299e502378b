// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package lbaindex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/dgraph-io/badger/v4"

	"git.lukeshu.com/segstore-ng/lib/binstruct"
	"git.lukeshu.com/segstore-ng/lib/containers"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
)

const keyPrefix = "laddr:"

type mappingValue struct {
	Seg           segaddr.SegmentID  `bin:"off=0x0, siz=0x4"`
	Reserved      uint32             `bin:"off=0x4, siz=0x4"`
	Off           segaddr.SegmentOff `bin:"off=0x8, siz=0x8"`
	binstruct.End `bin:"off=0x10"`
}

func mappingKey(laddr segaddr.LogicalAddr) []byte {
	// Big-endian so that keys sort in address order.
	return binary.BigEndian.AppendUint64([]byte(keyPrefix), uint64(laddr))
}

// BadgerIndex is an Index persisted in a badger database, with an LRU
// cache in front of it for lookups.
type BadgerIndex struct {
	db    *badger.DB
	cache *containers.LRUCache[segaddr.LogicalAddr, segaddr.PhysicalAddr]

	// mu is held for writing across an update and its cache Add,
	// and for reading across a Lookup's DB read and cache fill, so
	// that a fill can never land after a newer update.
	mu sync.RWMutex
}

var _ Index = (*BadgerIndex)(nil)

// OpenBadgerIndex opens (creating if necessary) an index in dir.  If
// dir is empty, the index is held in memory only.
func OpenBadgerIndex(ctx context.Context, dir string, cacheSize int) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{ctx: dlog.WithField(ctx, "segstore.lbaindex.db", "badger")})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	if cacheSize < 1 {
		cacheSize = 1
	}
	return &BadgerIndex{
		db:    db,
		cache: containers.NewLRUCache[segaddr.LogicalAddr, segaddr.PhysicalAddr](cacheSize),
	}, nil
}

func (idx *BadgerIndex) Close() error {
	return idx.db.Close()
}

func getMapping(txn *badger.Txn, laddr segaddr.LogicalAddr) (segaddr.PhysicalAddr, error) {
	item, err := txn.Get(mappingKey(laddr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return segaddr.NullPhysicalAddr, nil
	}
	if err != nil {
		return segaddr.NullPhysicalAddr, err
	}
	dat, err := item.ValueCopy(nil)
	if err != nil {
		return segaddr.NullPhysicalAddr, err
	}
	var val mappingValue
	if _, err := binstruct.Unmarshal(dat, &val); err != nil {
		return segaddr.NullPhysicalAddr, fmt.Errorf("laddr=%v: corrupt mapping: %w", laddr, err)
	}
	return segaddr.PhysicalAddr{Seg: val.Seg, Off: val.Off}, nil
}

func (idx *BadgerIndex) UpdateMapping(ctx context.Context, txn *segcache.Transaction, laddr segaddr.LogicalAddr, expectedOld, newAddr segaddr.PhysicalAddr) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	err := idx.db.Update(func(dbTxn *badger.Txn) error {
		cur, err := getMapping(dbTxn, laddr)
		if err != nil {
			return err
		}
		if cur != expectedOld {
			return &MismatchError{LAddr: laddr, Expected: expectedOld, Actual: cur}
		}
		dat, err := binstruct.Marshal(mappingValue{Seg: newAddr.Seg, Off: newAddr.Off})
		if err != nil {
			return err
		}
		return dbTxn.Set(mappingKey(laddr), dat)
	})
	if err != nil {
		var mismatch *MismatchError
		if errors.As(err, &mismatch) {
			return err
		}
		return fmt.Errorf("laddr=%v: update mapping: %w", laddr, err)
	}
	idx.cache.Add(laddr, newAddr)
	dlog.Tracef(ctx, "txn %v: laddr=%v: %v -> %v", txn.ID(), laddr, expectedOld, newAddr)
	return nil
}

func (idx *BadgerIndex) Lookup(_ context.Context, laddr segaddr.LogicalAddr) (segaddr.PhysicalAddr, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.cache.Load(laddr, idx.lookupDB)
}

// lookupDB must be called with mu held.
func (idx *BadgerIndex) lookupDB(laddr segaddr.LogicalAddr) (segaddr.PhysicalAddr, error) {
	var paddr segaddr.PhysicalAddr
	err := idx.db.View(func(dbTxn *badger.Txn) error {
		var err error
		paddr, err = getMapping(dbTxn, laddr)
		return err
	})
	if err != nil {
		return segaddr.NullPhysicalAddr, fmt.Errorf("laddr=%v: lookup: %w", laddr, err)
	}
	if paddr.IsNull() {
		return segaddr.NullPhysicalAddr, fmt.Errorf("laddr=%v: %w", laddr, ErrNotFound)
	}
	return paddr, nil
}

// MaxLogicalAddr returns the highest logical address that has a
// mapping, or false if the index is empty.
func (idx *BadgerIndex) MaxLogicalAddr() (segaddr.LogicalAddr, bool, error) {
	var (
		ret segaddr.LogicalAddr
		ok  bool
	)
	err := idx.db.View(func(dbTxn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := dbTxn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration starts at the last key <= the seek key.
		it.Seek(append([]byte(keyPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if !it.ValidForPrefix([]byte(keyPrefix)) {
			return nil
		}
		key := it.Item().Key()
		if len(key) != len(keyPrefix)+8 {
			return fmt.Errorf("malformed key %q", key)
		}
		ret = segaddr.LogicalAddr(binary.BigEndian.Uint64(key[len(keyPrefix):]))
		ok = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("max logical address: %w", err)
	}
	return ret, ok, nil
}

// badgerLogger routes badger's logging through dlog.
type badgerLogger struct {
	ctx context.Context
}

var _ badger.Logger = badgerLogger{}

func (l badgerLogger) Errorf(format string, args ...any)   { dlog.Errorf(l.ctx, format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { dlog.Warnf(l.ctx, format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { dlog.Debugf(l.ctx, format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { dlog.Tracef(l.ctx, format, args...) }
