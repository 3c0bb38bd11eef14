// Package journal implements the append-only segmented log that backs
// every MQTT shard: JournalSegment is one immutable-once-sealed file plus
// its dual offset/timestamp index, JournalShard keeps the active segment
// and a cache of open sealed segments.
package journal

import (
	"encoding/binary"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/types"
)

// offsetIndexInterval is the sparse offset-index cadence: one index entry
// is written roughly every this many offsets, matching
// SEGMENT_SCROLL_OFFSET_INTERVAL's default.
const offsetIndexInterval = 10000

var (
	bucketData         = []byte("data")
	bucketOffsetIndex  = []byte("offset_index")
	bucketTimeIndex    = []byte("time_index")
	bucketSegmentState = []byte("state")

	keyEndOffset    = []byte("end_offset")
	keyEndTimestamp = []byte("end_timestamp")
	keySealed       = []byte("sealed")
	keyStartOffset  = []byte("start_offset_override")
)

// Record is one entry appended to a segment: a (pkid, key, value, tag)
// tuple.
type Record struct {
	PKID  uint64
	Key   []byte
	Value []byte
	Tag   []byte
}

// Batch is the result of a read: contiguous records plus the offset each
// was assigned.
type Batch struct {
	Offsets []int64
	Records []Record
}

// Segment is one (shard, segment_seq) append-only file, backed by its own
// bbolt database so the data bucket and both indexes share one file per
// the `<data_fold>/<shard_name>/<segment_seq>.msg` layout.
type Segment struct {
	mu sync.Mutex

	meta types.Segment
	db   *bolt.DB

	startOffset int64
	endOffset   int64 // -1 means empty
	startTime   time.Time
	endTime     time.Time
	byteSize    int64
	sealed      bool

	sinceLastIndex int
}

// OpenSegment opens (creating if absent) the bbolt file at path and
// rebuilds in-memory accounting (end offset, size, sealed flag) from it.
// This is also the recovery path after a crash: the data bucket is the
// single source of truth and the indexes can always be rebuilt from it.
func OpenSegment(path string, meta types.Segment) (*Segment, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "open segment file", err)
	}
	s := &Segment{meta: meta, db: db, endOffset: -1}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketData, bucketOffsetIndex, bucketTimeIndex, bucketSegmentState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.IO, "initialize segment buckets", err)
	}

	if err := s.rebuildFromData(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// rebuildFromData recomputes end offset, byte size and sealed state by
// scanning the data bucket — used on every open so indexes that failed to
// flush after a crash never desync from the data of record.
func (s *Segment) rebuildFromData() error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData)
		c := data.Cursor()
		count := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			off := int64(binary.BigEndian.Uint64(k))
			if s.startOffset == 0 && s.endOffset == -1 {
				s.startOffset = off
			}
			s.endOffset = off
			s.byteSize += int64(len(k) + len(v))
			count++
		}
		s.sinceLastIndex = count % offsetIndexInterval

		state := tx.Bucket(bucketSegmentState)
		if v := state.Get(keySealed); v != nil && v[0] == 1 {
			s.sealed = true
		}
		if v := state.Get(keyEndTimestamp); v != nil {
			s.endTime = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		}
		if v := state.Get(keyStartOffset); v != nil {
			if override := int64(binary.BigEndian.Uint64(v)); override > s.startOffset {
				s.startOffset = override
			}
		}
		return nil
	})
}

// Size returns the current on-disk byte footprint of the data bucket.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byteSize
}

// EndOffset returns the last assigned offset, or -1 if the segment is empty.
func (s *Segment) EndOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endOffset
}

// Sealed reports whether the segment has been sealed and rejects further appends.
func (s *Segment) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// Append assigns contiguous offsets starting at end_offset+1 to each
// record in the batch, persists them, and sparsely updates both indexes.
// An IO failure here is fatal for the segment: it sets the segment's
// status to Error and every later Append is rejected.
func (s *Segment) Append(records []Record) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.Status == types.SegmentStatusError {
		return nil, errs.New(errs.IO, "segment is in error state")
	}
	if s.sealed {
		return nil, errs.New(errs.Conflict, "segment is sealed")
	}
	if len(records) == 0 {
		return nil, nil
	}

	offsets := make([]int64, len(records))
	next := s.endOffset + 1
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData)
		offIdx := tx.Bucket(bucketOffsetIndex)
		tIdx := tx.Bucket(bucketTimeIndex)
		state := tx.Bucket(bucketSegmentState)

		for i, rec := range records {
			off := next + int64(i)
			offsets[i] = off

			val := encodeRecord(rec)
			key := encodeOffsetKey(off)
			if err := data.Put(key, val); err != nil {
				return err
			}
			s.byteSize += int64(len(key) + len(val))

			s.sinceLastIndex++
			if s.sinceLastIndex >= offsetIndexInterval {
				s.sinceLastIndex = 0
				if err := offIdx.Put(key, key); err != nil {
					return err
				}
				tsKey := encodeTimeKey(now.UnixNano())
				if err := tIdx.Put(tsKey, key); err != nil {
					return err
				}
			}
		}

		var endBuf [8]byte
		binary.BigEndian.PutUint64(endBuf[:], uint64(offsets[len(offsets)-1]))
		if err := state.Put(keyEndOffset, endBuf[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(endBuf[:], uint64(now.UnixNano()))
		return state.Put(keyEndTimestamp, endBuf[:])
	})
	if err != nil {
		s.meta.Status = types.SegmentStatusError
		return nil, errs.Wrap(errs.IO, "append to segment", err)
	}

	if s.endOffset == -1 {
		s.startOffset = offsets[0]
	}
	s.endOffset = offsets[len(offsets)-1]
	s.endTime = now
	return offsets, nil
}

// ReadFromOffset seeks the data bucket to the first stored offset at or
// after the requested one and scans forward from there, returning up to
// max records (and never more than maxBytes). The sparse offset index is
// not consulted.
func (s *Segment) ReadFromOffset(offset int64, max int, maxBytes int64) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &Batch{}
	var bytesRead int64

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketData)
		c := data.Cursor()
		startKey := encodeOffsetKey(offset)

		for k, v := c.Seek(startKey); k != nil && len(batch.Records) < max; k, v = c.Next() {
			if int64(len(v)) > 0 && bytesRead+int64(len(v)) > maxBytes && maxBytes > 0 {
				break
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			batch.Offsets = append(batch.Offsets, int64(binary.BigEndian.Uint64(k)))
			batch.Records = append(batch.Records, rec)
			bytesRead += int64(len(v))
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IO, "read segment from offset", err)
	}
	return batch, nil
}

// StartOffset returns the earliest offset still retained in this segment.
func (s *Segment) StartOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startOffset
}

// UpdateStartOffset advances the segment's retained-start marker, used
// after an out-of-band retention trim. It never moves start backwards and
// does not itself delete any underlying data records.
func (s *Segment) UpdateStartOffset(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset <= s.startOffset {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(offset))
		return tx.Bucket(bucketSegmentState).Put(keyStartOffset, buf[:])
	})
	if err != nil {
		return errs.Wrap(errs.IO, "persist segment start offset override", err)
	}
	s.startOffset = offset
	return nil
}

// ReadFromTimestamp resolves the nearest indexed offset at or after ts via
// the timestamp index, then delegates to ReadFromOffset.
func (s *Segment) ReadFromTimestamp(ts int64, max int, maxBytes int64) (*Batch, error) {
	var resolved int64 = -1

	err := s.db.View(func(tx *bolt.Tx) error {
		tIdx := tx.Bucket(bucketTimeIndex)
		c := tIdx.Cursor()
		tsKey := encodeTimeKey(ts)
		k, v := c.Seek(tsKey)
		if k == nil {
			return nil
		}
		resolved = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IO, "read segment timestamp index", err)
	}
	if resolved == -1 {
		return &Batch{}, nil
	}
	return s.ReadFromOffset(resolved, max, maxBytes)
}

// Seal marks the segment immutable, writing a sealed flag to segment state
// so a restart never reopens it for writes. end_offset and end_timestamp
// are already in segment state, written by each Append.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSegmentState).Put(keySealed, []byte{1})
	})
	if err != nil {
		return errs.Wrap(errs.IO, "seal segment", err)
	}
	s.sealed = true
	return nil
}

// Close releases the segment's file handle.
func (s *Segment) Close() error {
	return s.db.Close()
}

func encodeOffsetKey(offset int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	return buf[:]
}

func encodeTimeKey(nanos int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nanos))
	return buf[:]
}

// encodeRecord serializes a Record as the (pkid, key_len, key, value_len,
// value, tag_len, tag) wire layout.
func encodeRecord(r Record) []byte {
	buf := make([]byte, 0, 8+4+len(r.Key)+4+len(r.Value)+4+len(r.Tag))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], r.PKID)
	buf = append(buf, u64[:]...)
	buf = appendLenPrefixed(buf, r.Key)
	buf = appendLenPrefixed(buf, r.Value)
	buf = appendLenPrefixed(buf, r.Tag)
	return buf
}

func appendLenPrefixed(buf, v []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, v...)
}

func decodeRecord(v []byte) (Record, error) {
	if len(v) < 8 {
		return Record{}, errs.New(errs.IO, "truncated record header")
	}
	pkid := binary.BigEndian.Uint64(v[:8])
	rest := v[8:]

	key, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Record{}, err
	}
	val, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Record{}, err
	}
	tag, _, err := readLenPrefixed(rest)
	if err != nil {
		return Record{}, err
	}
	return Record{PKID: pkid, Key: key, Value: val, Tag: tag}, nil
}

func readLenPrefixed(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errs.New(errs.IO, "truncated length prefix")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errs.New(errs.IO, "truncated field")
	}
	return buf[:n], buf[n:], nil
}
