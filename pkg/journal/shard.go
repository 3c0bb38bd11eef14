package journal

import (
	"container/list"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/metrics"
	"github.com/robustmq/robustmq/pkg/types"
)

// sealedCacheSize bounds how many sealed segments stay memory-resident;
// the rest are reopened from disk on demand.
const sealedCacheSize = 16

// scrollOffsetBuffer is SEGMENT_SCROLL_OFFSET_BUFFER: the ceiling declared
// to meta for the segment being sealed is end_offset + this buffer.
const scrollOffsetBuffer = 1000

// RollRequester asks the meta service to materialize the shard's next
// segment. It returns the new segment's metadata once meta has
// Raft-committed the creation.
type RollRequester interface {
	RequestNextSegment(shard *types.Shard, sealingSegmentSeq uint64, ceiling int64) (types.Segment, error)
}

// Shard keeps one shard's active segment plus an LRU of open sealed
// segments, serializing writes through a single lock.
type Shard struct {
	mu sync.Mutex

	dataDir string
	meta    types.Shard
	roller  RollRequester

	active *Segment

	sealedMu    sync.Mutex
	sealedOrder *list.List
	sealedByKey map[uint64]*list.Element
	sealedCache map[uint64]*Segment

	rolling bool // single-flight lock for "is_next_segment"
}

type sealedEntry struct {
	seq     uint64
	segment *Segment
}

// NewShard opens dataDir/<shard_name>/<active_segment_seq>.msg as the
// active segment.
func NewShard(dataDir string, meta types.Shard, roller RollRequester) (*Shard, error) {
	s := &Shard{
		dataDir:     dataDir,
		meta:        meta,
		roller:      roller,
		sealedOrder: list.New(),
		sealedByKey: make(map[uint64]*list.Element),
		sealedCache: make(map[uint64]*Segment),
	}

	if err := os.MkdirAll(filepath.Join(dataDir, meta.ShardName), 0755); err != nil {
		return nil, errs.Wrap(errs.IO, "create shard data dir", err)
	}

	active, err := OpenSegment(s.segmentPath(meta.ActiveSegmentSeq), types.Segment{
		ClusterName: meta.ClusterName,
		Namespace:   meta.Namespace,
		ShardName:   meta.ShardName,
		SegmentSeq:  meta.ActiveSegmentSeq,
		Status:      types.SegmentStatusWrite,
	})
	if err != nil {
		return nil, err
	}
	s.active = active
	return s, nil
}

func (s *Shard) segmentPath(seq uint64) string {
	return filepath.Join(s.dataDir, s.meta.ShardName, itoaSeq(seq)+".msg")
}

func itoaSeq(seq uint64) string {
	if seq == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for seq > 0 {
		i--
		buf[i] = byte('0' + seq%10)
		seq /= 10
	}
	return string(buf[i:])
}

// Append writes records to the active segment, serialized by the shard
// write lock so concurrent appends are ordered. It checks the roll
// trigger after a successful write.
func (s *Shard) Append(records []Record) ([]int64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SegmentAppendDuration)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Sealed() {
		return nil, errs.New(errs.Conflict, "active segment sealed mid-write, retry after roll completes")
	}

	offsets, err := s.active.Append(records)
	if err != nil {
		return nil, err
	}

	s.maybeTriggerRoll()
	return offsets, nil
}

// maybeTriggerRoll implements the rolling trigger: file size over 90% of
// max_segment_size AND the current offset a multiple of the scroll
// interval. It must be called with s.mu held.
func (s *Shard) maybeTriggerRoll() {
	if s.rolling {
		return
	}
	maxSize := s.meta.Config.MaxSegmentSize
	if maxSize <= 0 {
		return
	}
	if s.active.Size() <= (maxSize*9)/10 {
		return
	}
	end := s.active.EndOffset()
	if end < 0 || end%offsetIndexInterval != 0 {
		return
	}

	s.rolling = true
	go s.rollWithRetry(end)
}

// rollWithRetry requests the next segment from meta with exponential
// backoff (1s * 2^attempt, max 3 attempts) and activates it on success.
// Only one roll is ever in flight per shard, enforced by s.rolling.
func (s *Shard) rollWithRetry(sealingEndOffset int64) {
	logger := log.WithShard(s.meta.Namespace, s.meta.ShardName)
	sealingSeq := s.meta.ActiveSegmentSeq
	ceiling := sealingEndOffset + scrollOffsetBuffer

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.RandomizationFactor = 0
	policy := backoff.WithMaxRetries(eb, 2)

	var next types.Segment
	err := backoff.Retry(func() error {
		n, err := s.roller.RequestNextSegment(&s.meta, sealingSeq, ceiling)
		if err != nil {
			logger.Warn().Err(err).Msg("segment roll request failed, retrying")
			return err
		}
		next = n
		return nil
	}, policy)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.rolling = false }()

	if err != nil {
		logger.Error().Err(err).Msg("segment roll exhausted retries, active segment stays over threshold")
		return
	}

	if sealErr := s.active.Seal(); sealErr != nil {
		logger.Error().Err(sealErr).Msg("failed to seal segment after successful roll request")
		return
	}
	s.pushSealed(sealingSeq, s.active)

	activated, err := OpenSegment(s.segmentPath(next.SegmentSeq), next)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open newly rolled segment")
		return
	}
	s.active = activated
	s.meta.ActiveSegmentSeq = next.SegmentSeq
	s.meta.LastSegmentSeq = next.SegmentSeq
	metrics.SegmentRollsTotal.Inc()
}

// AdoptSegment activates next as the shard's active segment without
// requesting it from meta — the counterpart of rollWithRetry's tail for
// a replica that learns about a roll meta already committed elsewhere
// via an InnerCallFanout UpdateCache push, rather than driving the roll
// itself. A no-op if next isn't actually newer than the current active
// segment.
func (s *Shard) AdoptSegment(next types.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next.SegmentSeq <= s.meta.ActiveSegmentSeq {
		return nil
	}

	sealingSeq := s.meta.ActiveSegmentSeq
	if !s.active.Sealed() {
		if err := s.active.Seal(); err != nil {
			return errs.Wrap(errs.IO, "seal segment while adopting roll", err)
		}
	}
	s.pushSealed(sealingSeq, s.active)

	activated, err := OpenSegment(s.segmentPath(next.SegmentSeq), next)
	if err != nil {
		return errs.Wrap(errs.IO, "open adopted segment", err)
	}
	s.active = activated
	s.meta.ActiveSegmentSeq = next.SegmentSeq
	s.meta.LastSegmentSeq = next.SegmentSeq
	return nil
}

// pushSealed inserts a newly sealed segment into the LRU, evicting and
// closing the oldest entry if the cache is full.
func (s *Shard) pushSealed(seq uint64, seg *Segment) {
	s.sealedMu.Lock()
	defer s.sealedMu.Unlock()

	el := s.sealedOrder.PushFront(&sealedEntry{seq: seq, segment: seg})
	s.sealedByKey[seq] = el
	s.sealedCache[seq] = seg

	if s.sealedOrder.Len() > sealedCacheSize {
		oldest := s.sealedOrder.Back()
		if oldest != nil {
			entry := oldest.Value.(*sealedEntry)
			_ = entry.segment.Close()
			delete(s.sealedCache, entry.seq)
			delete(s.sealedByKey, entry.seq)
			s.sealedOrder.Remove(oldest)
		}
	}
}

// sealedSegment returns an open handle to a sealed segment, reopening it
// from disk and caching it if it isn't already resident.
func (s *Shard) sealedSegment(seq uint64) (*Segment, error) {
	s.sealedMu.Lock()
	if el, ok := s.sealedByKey[seq]; ok {
		s.sealedOrder.MoveToFront(el)
		seg := s.sealedCache[seq]
		s.sealedMu.Unlock()
		return seg, nil
	}
	s.sealedMu.Unlock()

	seg, err := OpenSegment(s.segmentPath(seq), types.Segment{
		ClusterName: s.meta.ClusterName,
		Namespace:   s.meta.Namespace,
		ShardName:   s.meta.ShardName,
		SegmentSeq:  seq,
		Status:      types.SegmentStatusSealUp,
	})
	if err != nil {
		return nil, err
	}
	s.pushSealed(seq, seg)
	return seg, nil
}

// ReadFromOffset reads from the segment named by segmentSeq: the active
// segment if segmentSeq is the active sequence, else that sealed segment,
// reopened from disk if it is not cached.
func (s *Shard) ReadFromOffset(segmentSeq uint64, offset int64, max int, maxBytes int64) (*Batch, error) {
	s.mu.Lock()
	activeSeq := s.meta.ActiveSegmentSeq
	active := s.active
	s.mu.Unlock()

	if segmentSeq == activeSeq {
		return active.ReadFromOffset(offset, max, maxBytes)
	}
	seg, err := s.sealedSegment(segmentSeq)
	if err != nil {
		return nil, err
	}
	return seg.ReadFromOffset(offset, max, maxBytes)
}

// ActiveSegmentSeq returns the shard's current active segment sequence.
func (s *Shard) ActiveSegmentSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.ActiveSegmentSeq
}

// Meta returns a snapshot of the shard's catalog metadata as last known
// to this node (ActiveSegmentSeq reflects the most recent local roll).
func (s *Shard) Meta() types.Shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// ReadFromTimestamp mirrors ReadFromOffset but resolves the read's
// starting position by nearest-timestamp instead of by offset.
func (s *Shard) ReadFromTimestamp(segmentSeq uint64, ts int64, max int, maxBytes int64) (*Batch, error) {
	s.mu.Lock()
	activeSeq := s.meta.ActiveSegmentSeq
	active := s.active
	s.mu.Unlock()

	if segmentSeq == activeSeq {
		return active.ReadFromTimestamp(ts, max, maxBytes)
	}
	seg, err := s.sealedSegment(segmentSeq)
	if err != nil {
		return nil, err
	}
	return seg.ReadFromTimestamp(ts, max, maxBytes)
}

// UpdateStartOffset advances the retained-start marker of one segment
// within this shard after an out-of-band retention trim, resolving it
// the same way ReadFromOffset does.
func (s *Shard) UpdateStartOffset(segmentSeq uint64, offset int64) error {
	s.mu.Lock()
	activeSeq := s.meta.ActiveSegmentSeq
	active := s.active
	s.mu.Unlock()

	if segmentSeq == activeSeq {
		return active.UpdateStartOffset(offset)
	}
	seg, err := s.sealedSegment(segmentSeq)
	if err != nil {
		return err
	}
	return seg.UpdateStartOffset(offset)
}

// Close closes the active segment and every cached sealed segment.
func (s *Shard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealedMu.Lock()
	defer s.sealedMu.Unlock()

	var first error
	if err := s.active.Close(); err != nil {
		first = err
	}
	for _, seg := range s.sealedCache {
		if err := seg.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
