package raftmeta

import (
	"encoding/binary"
	"io"

	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/zstd"

	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/storage"
)

// restoreBatchSize is how many records Restore applies per KV write batch.
const restoreBatchSize = 1000

// snapshotBuckets lists every bucket swept into a snapshot dump, in a
// fixed order so restore is deterministic.
var snapshotBuckets = [][]byte{bucketMetadata, bucketMqtt, bucketOffset}

// snapshotEntry is one [u32 klen][key][u32 vlen][value] record. The key
// is prefixed with its owning bucket name and a NUL separator so a single
// stream can carry all three state machines' keyspaces.
type snapshotBuilder struct {
	kv storage.KV
}

func newSnapshotBuilder(kv storage.KV) *snapshotBuilder {
	return &snapshotBuilder{kv: kv}
}

// Persist streams a zstd-compressed dump of every machine's keyspace to
// the sink. raft's FileSnapshotStore already writes through a `.tmp` file
// and atomically renames on Close, so Persist only needs to produce the
// compressed byte stream; per-machine snapshot retention (last five) is
// configured on the snapshot store itself at node startup.
func (b *snapshotBuilder) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		zw, err := zstd.NewWriter(sink)
		if err != nil {
			return errs.Wrap(errs.IO, "open zstd snapshot writer", err)
		}
		defer zw.Close()

		for _, bucket := range snapshotBuckets {
			name := append(append([]byte(nil), bucket...), 0)
			walkErr := b.kv.ForEach(bucket, func(k, v []byte) error {
				key := append(append([]byte(nil), name...), k...)
				return writeSnapshotRecord(zw, key, v)
			})
			if walkErr != nil {
				return errs.Wrap(errs.IO, "walk bucket for snapshot", walkErr)
			}
		}
		return zw.Flush()
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release releases snapshot resources; nothing to release here since the
// dump streams straight from the live KV store.
func (b *snapshotBuilder) Release() {}

func writeSnapshotRecord(w io.Writer, key, value []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

func readSnapshotRecord(r io.Reader) (key, value []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	klen := binary.BigEndian.Uint32(lenBuf[:])
	key = make([]byte, klen)
	if _, err = io.ReadFull(r, key); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	vlen := binary.BigEndian.Uint32(lenBuf[:])
	value = make([]byte, vlen)
	if _, err = io.ReadFull(r, value); err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

// restoreSnapshot replays a zstd-compressed dump into kv, applying
// restoreBatchSize records at a time, splitting each key back into its
// owning bucket and the real key at the first NUL byte.
func restoreSnapshot(kv storage.KV, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return errs.Wrap(errs.IO, "open zstd snapshot reader", err)
	}
	defer zr.Close()

	batch := make([]storage.BatchEntry, 0, restoreBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := kv.PutBatch(batch); err != nil {
			return errs.Wrap(errs.IO, "restore snapshot batch", err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		key, value, err := readSnapshotRecord(zr)
		if err == io.EOF {
			return flush()
		}
		if err != nil {
			return errs.Wrap(errs.IO, "read snapshot record", err)
		}

		bucket, realKey, ok := splitSnapshotKey(key)
		if !ok {
			return errs.New(errs.Protocol, "malformed snapshot key: missing bucket separator")
		}
		batch = append(batch, storage.BatchEntry{Bucket: bucket, Key: realKey, Value: value})

		if len(batch) >= restoreBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func splitSnapshotKey(key []byte) (bucket, realKey []byte, ok bool) {
	for i, b := range key {
		if b == 0 {
			return key[:i], key[i+1:], true
		}
	}
	return nil, nil, false
}
