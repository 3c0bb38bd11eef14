package journal

import (
	"context"
	"time"

	"github.com/robustmq/robustmq/pkg/client"
	"github.com/robustmq/robustmq/pkg/types"
)

// MetaRoller implements RollRequester against the real meta service,
// asking it to Raft-commit the next segment's catalog entry before the
// local shard activates it.
type MetaRoller struct {
	Meta *client.MetaClient
}

// RequestNextSegment asks meta to create segment sealingSegmentSeq+1 for
// shard, with StartOffset set to the sealing segment's declared ceiling
// so the two segments' offset ranges never overlap.
func (r *MetaRoller) RequestNextSegment(shard *types.Shard, sealingSegmentSeq uint64, ceiling int64) (types.Segment, error) {
	next := types.Segment{
		ClusterName: shard.ClusterName,
		Namespace:   shard.Namespace,
		ShardName:   shard.ShardName,
		SegmentSeq:  sealingSegmentSeq + 1,
		Status:      types.SegmentStatusWrite,
		StartOffset: ceiling,
		EndOffset:   -1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	replicas, err := r.Meta.SegmentCreate(ctx, next)
	if err != nil {
		return types.Segment{}, err
	}
	next.Replicas = replicas
	return next, nil
}
