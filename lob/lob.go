// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package lob implements the large-object subsystem: blob storage
// chunked into fixed-size blocks under a per-blob stream id (a blake2b
// content hash is recorded in the metadata), reference counted so a
// zero-copy Copy can share storage, with removal deferred until no
// MVCC snapshot can still observe it.
package lob

import (
	"sync/atomic"

	"github.com/kv-storeng/pagestore/codec"
	"github.com/kv-storeng/pagestore/errs"
	"github.com/kv-storeng/pagestore/mvcc"
	"golang.org/x/crypto/blake2b"
)

const (
	lobMapName     = "lob.meta"
	tempLobMapName = "lob.temp"
	refMapName     = "lob.ref"
	dataMapName    = "lob.data"
)

// Meta is the metadata record stored in lobMap for one lob id.
type Meta struct {
	StreamStoreID uint64
	TableID       uint32
	ByteCount     int64
	Hash          [32]byte
}

func encodeMeta(m Meta) []byte {
	b := &codec.Buffer{}
	b.PutUint64(m.StreamStoreID)
	b.PutUint32(m.TableID)
	b.PutUint64(uint64(m.ByteCount))
	b.Put(m.Hash[:])
	return b.Bytes()
}

func decodeMeta(data []byte) (Meta, error) {
	r := codec.NewReader(data)
	streamID, err := r.Uint64()
	if err != nil {
		return Meta{}, errs.Wrap(errs.FileCorrupt, "lob meta streamStoreId", err)
	}
	tableID, err := r.Uint32()
	if err != nil {
		return Meta{}, errs.Wrap(errs.FileCorrupt, "lob meta tableId", err)
	}
	byteCount, err := r.Uint64()
	if err != nil {
		return Meta{}, errs.Wrap(errs.FileCorrupt, "lob meta byteCount", err)
	}
	hashBytes, err := r.Bytes(32)
	if err != nil {
		return Meta{}, errs.Wrap(errs.FileCorrupt, "lob meta hash", err)
	}
	var m Meta
	m.StreamStoreID = streamID
	m.TableID = tableID
	m.ByteCount = int64(byteCount)
	copy(m.Hash[:], hashBytes)
	return m, nil
}

func encodeUint64(v uint64) []byte {
	b := &codec.Buffer{}
	b.PutUint64(v)
	return b.Bytes()
}

func decodeUint64(b []byte) uint64 {
	v, _ := codec.NewReader(b).Uint64()
	return v
}

// refKey packs (streamStoreId, lobId) so refMap's keys naturally sort
// by stream, letting Remove probe "does any reference to this stream
// remain" with a bounded range scan.
func refKey(streamID, lobID uint64) []byte {
	b := &codec.Buffer{}
	b.PutUint64(streamID)
	b.PutUint64(lobID)
	return b.Bytes()
}

func refPrefixEnd(streamID uint64) []byte {
	return refKey(streamID+1, 0)
}

// Store is the lob subsystem: it owns the four maps described in the
// module map (metadata, temp staging, references, and chunked data)
// and hands out monotonic lob/stream ids.
type Store struct {
	ts *mvcc.TransactionStore

	nextLobID    atomic.Uint64
	nextStreamID atomic.Uint64

	gc *gcWorker
}

// Open returns a Store layered over ts, starting its background
// removal sweep, which consults ts.OldestBeginVersion before
// reclaiming a dereferenced stream.
func Open(ts *mvcc.TransactionStore) *Store {
	s := &Store{ts: ts}
	s.gc = newGCWorker(s)
	return s
}

// Close stops the background GC sweep.
func (s *Store) Close() { s.gc.stop() }

func (s *Store) maps(tx *mvcc.Transaction) (lobMap, refMap, dataMap *mvcc.TransactionMap, err error) {
	lobMap, err = tx.OpenMap(lobMapName)
	if err != nil {
		return nil, nil, nil, err
	}
	refMap, err = tx.OpenMap(refMapName)
	if err != nil {
		return nil, nil, nil, err
	}
	dataMap, err = tx.OpenMap(dataMapName)
	if err != nil {
		return nil, nil, nil, err
	}
	return lobMap, refMap, dataMap, nil
}

func (s *Store) tempMap(tx *mvcc.Transaction) (*mvcc.TransactionMap, error) {
	return tx.OpenMap(tempLobMapName)
}

// CreateTemp stages content under a temporary id without publishing
// it to any table: it has a stream-store backing but no lobMap entry
// and no reference, so it is visible only to the transaction that
// created it until Finalize promotes it. A temp lob that is never
// finalized is cleaned up by Rollback like any other uncommitted
// write, since tempLobMap's own entry rolls back with the rest of the
// transaction's undo log.
func (s *Store) CreateTemp(tx *mvcc.Transaction, content []byte) (uint64, error) {
	tempMap, err := s.tempMap(tx)
	if err != nil {
		return 0, err
	}
	_, _, dataMap, err := s.maps(tx)
	if err != nil {
		return 0, err
	}
	streamID := s.nextStreamID.Add(1)
	if err := writeBlocks(dataMap, streamID, content); err != nil {
		return 0, err
	}
	tempID := s.nextLobID.Add(1)
	if err := tempMap.Put(encodeUint64(tempID), encodeUint64(streamID)); err != nil {
		return 0, err
	}
	return tempID, nil
}

// Finalize promotes a temp lob created by CreateTemp into a permanent
// lob owned by tableID, publishing it to lobMap and refMap and
// removing its tempLobMap entry.
func (s *Store) Finalize(tx *mvcc.Transaction, tempID uint64, tableID uint32) (uint64, error) {
	tempMap, err := s.tempMap(tx)
	if err != nil {
		return 0, err
	}
	lobMap, refMap, dataMap, err := s.maps(tx)
	if err != nil {
		return 0, err
	}
	raw, ok, err := tempMap.Get(encodeUint64(tempID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.New(errs.RowNotFound, "temp lob not found")
	}
	streamID := decodeUint64(raw)
	content, err := readBlocks(dataMap, streamID, 0)
	if err != nil {
		return 0, err
	}
	lobID := s.nextLobID.Add(1)
	meta := Meta{StreamStoreID: streamID, TableID: tableID, ByteCount: int64(len(content)), Hash: blake2b.Sum256(content)}
	if err := lobMap.Put(encodeUint64(lobID), encodeMeta(meta)); err != nil {
		return 0, err
	}
	if err := refMap.Put(refKey(streamID, lobID), nil); err != nil {
		return 0, err
	}
	return lobID, tempMap.Remove(encodeUint64(tempID))
}

// Create stores content as a new lob owned by tableID, returning its
// freshly allocated id.
func (s *Store) Create(tx *mvcc.Transaction, tableID uint32, content []byte) (uint64, error) {
	lobMap, refMap, dataMap, err := s.maps(tx)
	if err != nil {
		return 0, err
	}
	streamID := s.nextStreamID.Add(1)
	if err := writeBlocks(dataMap, streamID, content); err != nil {
		return 0, err
	}
	lobID := s.nextLobID.Add(1)
	meta := Meta{StreamStoreID: streamID, TableID: tableID, ByteCount: int64(len(content)), Hash: blake2b.Sum256(content)}
	if err := lobMap.Put(encodeUint64(lobID), encodeMeta(meta)); err != nil {
		return 0, err
	}
	if err := refMap.Put(refKey(streamID, lobID), nil); err != nil {
		return 0, err
	}
	return lobID, nil
}

// Copy clones the metadata of lobID into a new lob id backed by the
// same stream-store blocks -- no data is duplicated.
func (s *Store) Copy(tx *mvcc.Transaction, lobID uint64) (uint64, error) {
	lobMap, refMap, _, err := s.maps(tx)
	if err != nil {
		return 0, err
	}
	raw, ok, err := lobMap.Get(encodeUint64(lobID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errs.New(errs.RowNotFound, "lob not found")
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return 0, err
	}
	newID := s.nextLobID.Add(1)
	if err := lobMap.Put(encodeUint64(newID), encodeMeta(meta)); err != nil {
		return 0, err
	}
	if err := refMap.Put(refKey(meta.StreamStoreID, newID), nil); err != nil {
		return 0, err
	}
	return newID, nil
}

// Get returns the content stored for lobID.
func (s *Store) Get(tx *mvcc.Transaction, lobID uint64) ([]byte, error) {
	lobMap, _, dataMap, err := s.maps(tx)
	if err != nil {
		return nil, err
	}
	raw, ok, err := lobMap.Get(encodeUint64(lobID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.RowNotFound, "lob not found")
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return nil, err
	}
	return readBlocks(dataMap, meta.StreamStoreID, meta.ByteCount)
}

// Remove unlinks lobID's metadata and reference. If no other lob
// references the same stream-store blocks after this, those blocks
// are queued for asynchronous reclamation once no open snapshot can
// still observe them.
func (s *Store) Remove(tx *mvcc.Transaction, lobID uint64) error {
	lobMap, refMap, _, err := s.maps(tx)
	if err != nil {
		return err
	}
	raw, ok, err := lobMap.Get(encodeUint64(lobID))
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.RowNotFound, "lob not found")
	}
	meta, err := decodeMeta(raw)
	if err != nil {
		return err
	}
	if err := lobMap.Remove(encodeUint64(lobID)); err != nil {
		return err
	}
	if err := refMap.Remove(refKey(meta.StreamStoreID, lobID)); err != nil {
		return err
	}
	remaining, err := refMap.ScanRange(refKey(meta.StreamStoreID, 0), refPrefixEnd(meta.StreamStoreID))
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		// Every RowSnapshot in this range is, by construction, a
		// reference entry; an empty result means no lob still points
		// at this stream.
		s.gc.enqueue(meta.StreamStoreID, s.ts.OldestBeginVersion())
	}
	return nil
}
