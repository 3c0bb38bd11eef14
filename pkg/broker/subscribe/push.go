package subscribe

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/robustmq/robustmq/pkg/codec"
	"github.com/robustmq/robustmq/pkg/journal"
	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/offset"
)

// Adaptive-sleep tuning for a shared-subscription group's pull loop: the
// loop backs off when a read turns up nothing, and tightens back up under
// load. Values match the upstream MQTT broker's share-push scheduler.
const (
	idleSleep     = 100 * time.Millisecond
	lowLoadSleep  = 50 * time.Millisecond
	highLoadSleep = 10 * time.Millisecond
	lowLoadThreshold = 10
	pushBatchSize    = 500
)

// Sender delivers one already-addressed publish to a connected client.
// The connection layer that owns the client's socket implements this;
// SharePushManager and the exclusive publish-time fan-out only need to
// know a message was handed off, not how.
type Sender interface {
	Send(ctx context.Context, clientID string, pkt *codec.PublishPacket) error
}

// ShardReader is the subset of journal.Shard the push loop needs to pull
// batches and track the active segment.
type ShardReader interface {
	ReadFromOffset(segmentSeq uint64, offset int64, max int, maxBytes int64) (*journal.Batch, error)
	ActiveSegmentSeq() uint64
}

// ShardSource resolves a topic to the journal shard backing it, so the
// push loop can pull records independently of how topics are mapped onto
// shards.
type ShardSource interface {
	ShardFor(topic string) (ShardReader, error)
}

// groupCursor is one shared-subscription group's read position within a
// single topic's shard.
type groupCursor struct {
	segmentSeq uint64
	offset     int64
}

// SharePushManager runs one independent pull loop per shared-subscription
// group: it reads batches from every topic feeding the group, hands each
// record to the next available subscriber via round-robin, and commits
// the read offset once delivery succeeds.
type SharePushManager struct {
	mgr     *Manager
	shards  ShardSource
	sender  Sender
	offsets *offset.Cache

	group   string
	version codec.ProtocolVersion

	cursors map[string]*groupCursor // topic -> cursor
}

// NewSharePushManager builds the pull loop for one shared-subscription
// group.
func NewSharePushManager(mgr *Manager, shards ShardSource, sender Sender, offsets *offset.Cache, group string) *SharePushManager {
	return &SharePushManager{
		mgr: mgr, shards: shards, sender: sender, offsets: offsets,
		group: group, version: codec.Version5, cursors: make(map[string]*groupCursor),
	}
}

// Run drives the group's pull loop until ctx is canceled.
func (p *SharePushManager) Run(ctx context.Context) {
	logger := log.WithComponent("share-push").With().Str("group", p.group).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivered := p.sendMessages(ctx, &logger)

		var sleep time.Duration
		switch {
		case delivered == 0:
			sleep = idleSleep
		case delivered < lowLoadThreshold:
			sleep = lowLoadSleep
		default:
			sleep = highLoadSleep
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// sendMessages reads up to pushBatchSize records from each topic feeding
// the group and dispatches each to the next round-robin subscriber,
// returning the number of records successfully handed off.
func (p *SharePushManager) sendMessages(ctx context.Context, logger *zerolog.Logger) int {
	delivered := 0
	for _, topic := range p.mgr.ShareGroupTopics(p.group) {
		shard, err := p.shards.ShardFor(topic)
		if err != nil {
			logger.Warn().Str("topic", topic).Err(err).Msg("resolve shard for shared topic failed")
			continue
		}

		cursor := p.cursorFor(topic, shard)

		batch, err := shard.ReadFromOffset(cursor.segmentSeq, cursor.offset, pushBatchSize, 0)
		if err != nil {
			logger.Warn().Str("topic", topic).Err(err).Msg("read shard batch failed")
			continue
		}
		if batch == nil || len(batch.Records) == 0 {
			continue
		}

		for i, rec := range batch.Records {
			sub, ok := p.mgr.NextShareSubscriber(p.group)
			if !ok {
				logger.Warn().Str("topic", topic).Msg("no available subscriber for shared group")
				break
			}

			pkt := &codec.PublishPacket{Topic: topic, Payload: rec.Value, QoS: sub.QoS}
			if err := p.sender.Send(ctx, sub.ClientID, pkt); err != nil {
				p.mgr.MarkUnavailable(sub.ClientID)
				logger.Warn().Str("client_id", sub.ClientID).Err(err).Msg("deliver shared message failed")
				continue
			}

			delivered++
			cursor.offset = batch.Offsets[i] + 1

			if p.offsets != nil {
				if err := p.offsets.Commit(p.group, topic, uint64(cursor.offset)); err != nil {
					logger.Warn().Str("topic", topic).Err(err).Msg("commit shared offset failed")
				}
			}
		}

		cursor.segmentSeq = shard.ActiveSegmentSeq()
	}
	return delivered
}

func (p *SharePushManager) cursorFor(topic string, shard ShardReader) *groupCursor {
	c, ok := p.cursors[topic]
	if ok {
		return c
	}
	c = &groupCursor{segmentSeq: shard.ActiveSegmentSeq(), offset: 0}
	if p.offsets != nil {
		if v, found, err := p.offsets.Get(p.group, topic); err == nil && found {
			c.offset = int64(v)
		}
	}
	p.cursors[topic] = c
	return c
}
