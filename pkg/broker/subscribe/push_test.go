package subscribe

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/robustmq/robustmq/pkg/codec"
	"github.com/robustmq/robustmq/pkg/journal"
	"github.com/robustmq/robustmq/pkg/offset"
	"github.com/robustmq/robustmq/pkg/rpc"
	"github.com/robustmq/robustmq/pkg/storage"
	"github.com/robustmq/robustmq/pkg/types"
)

func noopLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

type fakeShard struct {
	records []journal.Record
	offsets []int64
	active  uint64
}

func (s *fakeShard) ReadFromOffset(segmentSeq uint64, off int64, max int, maxBytes int64) (*journal.Batch, error) {
	var recs []journal.Record
	var offs []int64
	for i, o := range s.offsets {
		if o >= off && len(recs) < max {
			recs = append(recs, s.records[i])
			offs = append(offs, o)
		}
	}
	return &journal.Batch{Offsets: offs, Records: recs}, nil
}

func (s *fakeShard) ActiveSegmentSeq() uint64 { return s.active }

type fakeShardSource struct {
	shards map[string]*fakeShard
}

func (s *fakeShardSource) ShardFor(topic string) (ShardReader, error) {
	return s.shards[topic], nil
}

type recordingSender struct {
	mu  sync.Mutex
	got []struct {
		clientID string
		payload  string
	}
}

func (s *recordingSender) Send(ctx context.Context, clientID string, pkt *codec.PublishPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, struct {
		clientID string
		payload  string
	}{clientID, string(pkt.Payload)})
	return nil
}

type fakeMetaOffset struct {
	mu     sync.Mutex
	stored map[string]uint64
}

func newFakeMetaOffset() *fakeMetaOffset { return &fakeMetaOffset{stored: make(map[string]uint64)} }

func (f *fakeMetaOffset) OffsetGet(ctx context.Context, group, shard string) (*rpc.OffsetGetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.stored[group+"/"+shard]
	return &rpc.OffsetGetResponse{Offset: v, Found: ok}, nil
}

func (f *fakeMetaOffset) OffsetSave(ctx context.Context, group, shard string, off uint64, seek bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[group+"/"+shard] = off
	return nil
}

func newTestOffsetCache(t *testing.T) *offset.Cache {
	t.Helper()
	kv, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "offset.db"))
	if err != nil {
		t.Fatalf("OpenBoltKV: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return offset.New(kv, newFakeMetaOffset(), 0)
}

func TestSharePushManagerDeliversAndAdvancesCursor(t *testing.T) {
	mgr := NewManager()
	_ = mgr.Subscribe(types.Subscription{ClientID: "c1", Path: "$share/g1/a/b", ShareGroup: "g1"})

	shard := &fakeShard{
		records: []journal.Record{{Value: []byte("m0")}, {Value: []byte("m1")}},
		offsets: []int64{0, 1},
		active:  0,
	}
	shards := &fakeShardSource{shards: map[string]*fakeShard{"a/b": shard}}
	sender := &recordingSender{}
	cache := newTestOffsetCache(t)

	p := NewSharePushManager(mgr, shards, sender, cache, "g1")
	delivered := p.sendMessages(context.Background(), noopLogger())

	if delivered != 2 {
		t.Fatalf("expected 2 delivered, got %d", delivered)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.got) != 2 || sender.got[0].clientID != "c1" || sender.got[0].payload != "m0" {
		t.Fatalf("unexpected deliveries: %+v", sender.got)
	}
	if p.cursors["a/b"].offset != 2 {
		t.Fatalf("expected cursor to advance to 2, got %d", p.cursors["a/b"].offset)
	}
}

func TestSharePushManagerSkipsUnavailableSubscriber(t *testing.T) {
	mgr := NewManager()
	_ = mgr.Subscribe(types.Subscription{ClientID: "c1", Path: "$share/g1/a/b", ShareGroup: "g1"})
	_ = mgr.Subscribe(types.Subscription{ClientID: "c2", Path: "$share/g1/a/b", ShareGroup: "g1"})
	mgr.MarkUnavailable("c1")

	shard := &fakeShard{records: []journal.Record{{Value: []byte("m0")}}, offsets: []int64{0}}
	shards := &fakeShardSource{shards: map[string]*fakeShard{"a/b": shard}}
	sender := &recordingSender{}

	p := NewSharePushManager(mgr, shards, sender, nil, "g1")
	p.sendMessages(context.Background(), noopLogger())

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.got) != 1 || sender.got[0].clientID != "c2" {
		t.Fatalf("expected delivery only to c2, got %+v", sender.got)
	}
}
