package raftmeta

import (
	"encoding/json"
	"strconv"

	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/storage"
	"github.com/robustmq/robustmq/pkg/types"
)

var (
	bucketMetadata = []byte(MachineMetadata)
	bucketMqtt     = []byte(MachineMqtt)
	bucketOffset   = []byte(MachineOffset)
)

// CacheInvalidation is one message enqueued to InnerCallFanout after a
// committed mutation, telling a broker/journal node's cache how to
// converge with the new meta state.
type CacheInvalidation struct {
	Action       string // "Set" or "Delete"
	ResourceType string
	ClusterName  string
	Key          string
	Data         []byte
}

// Notifier enqueues cache-invalidation messages. Route handlers never
// perform network IO directly — they only enqueue here, and
// InnerCallFanout's workers do the actual UpdateCache RPCs.
type Notifier interface {
	Enqueue(CacheInvalidation)
}

// entityEnvelope is the generic keyed-record wrapper most non-catalog
// mutations carry in StorageData.Value: Key identifies the record inside
// its resource-type sub-bucket, Record is the JSON-encoded domain struct
// (omitted for deletes).
type entityEnvelope struct {
	Key    string          `json:"key"`
	Record json.RawMessage `json:"record,omitempty"`
}

// MetaRouter dispatches each committed StorageData entry to one of four
// sub-routers (KV, Cluster, Journal, Mqtt) based on DataType, mutating
// the backing KV store and optionally enqueuing a cache-invalidation
// side effect.
type MetaRouter struct {
	kv       storage.KV
	notifier Notifier
}

// NewMetaRouter builds a router over the shared backing KV store.
func NewMetaRouter(kv storage.KV, notifier Notifier) *MetaRouter {
	return &MetaRouter{kv: kv, notifier: notifier}
}

// GetCluster returns the raw cluster record, or nil if absent.
func (r *MetaRouter) GetCluster(name string) ([]byte, error) {
	return r.kv.Get(bucketMetadata, []byte(clusterKey(name)))
}

// GetNode returns the raw node record, or nil if absent.
func (r *MetaRouter) GetNode(cluster, nodeID string) ([]byte, error) {
	return r.kv.Get(bucketMetadata, []byte(nodeKey(cluster, nodeID)))
}

// ListNodes returns every node record registered under cluster.
func (r *MetaRouter) ListNodes(cluster string) ([][]byte, error) {
	var out [][]byte
	err := r.kv.ForEachPrefix(bucketMetadata, []byte("node/"+cluster+"/"), func(_, v []byte) error {
		out = append(out, append([]byte(nil), v...))
		return nil
	})
	return out, err
}

// GetShard returns the raw shard record for key (cluster/namespace/shard).
func (r *MetaRouter) GetShard(key string) ([]byte, error) {
	return r.kv.Get(bucketMetadata, []byte(shardBucketKey(key)))
}

// GetSegment returns the raw segment record for key (shard key + "/" + seq).
func (r *MetaRouter) GetSegment(key string) ([]byte, error) {
	return r.kv.Get(bucketMetadata, []byte(segmentBucketKey(key)))
}

// GetMqttEntity returns the raw record for a resourceType/key pair in the
// MQTT machine's bucket (e.g. resourceType "user", key "alice").
func (r *MetaRouter) GetMqttEntity(resourceType, key string) ([]byte, error) {
	return r.kv.Get(bucketMqtt, []byte(resourceType+"/"+key))
}

// ListMqttEntities returns every record of one resource type, keyed by
// their entity key (the part after "resourceType/"). Used for a
// broker's startup bulk load and for session enumeration.
func (r *MetaRouter) ListMqttEntities(resourceType string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := resourceType + "/"
	err := r.kv.ForEachPrefix(bucketMqtt, []byte(prefix), func(k, v []byte) error {
		out[string(k[len(prefix):])] = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// GetOffset returns the committed offset for (group, shard), or (0, false)
// if the group has never committed against that shard.
func (r *MetaRouter) GetOffset(group, shard string) (uint64, bool, error) {
	v, err := r.kv.Get(bucketOffset, []byte(group+"/"+shard))
	if err != nil {
		return 0, false, err
	}
	if v == nil {
		return 0, false, nil
	}
	n, perr := strconv.ParseUint(string(v), 10, 64)
	if perr != nil {
		return 0, false, errs.Wrap(errs.IO, "parse stored offset", perr)
	}
	return n, true, nil
}

// Apply routes one committed entry, returning an optional response blob
// (e.g. a segment's replica list) for the caller to hand back to the
// client that issued the original RPC.
func (r *MetaRouter) Apply(d StorageData) (any, error) {
	switch d.DataType {
	case DataTypeClusterCreate, DataTypeNodeRegister, DataTypeNodeHeartbeat, DataTypeNodeUnregister:
		return r.applyCluster(d)
	case DataTypeShardCreate, DataTypeShardUpdateStatus, DataTypeShardDelete,
		DataTypeSegmentCreate, DataTypeSegmentUpdateStatus, DataTypeSegmentSeal, DataTypeSegmentDelete,
		DataTypeSegmentMetadataSet:
		return r.applyJournal(d)
	case DataTypeOffsetCommit, DataTypeOffsetSeek:
		return r.applyOffset(d)
	default:
		return r.applyMqtt(d)
	}
}

// --- Cluster sub-router: cluster/node catalog -----------------------------

func (r *MetaRouter) applyCluster(d StorageData) (any, error) {
	switch d.DataType {
	case DataTypeClusterCreate:
		var c types.Cluster
		if err := json.Unmarshal(d.Value, &c); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode cluster_create", err)
		}
		if existing, _ := r.kv.Get(bucketMetadata, []byte(clusterKey(c.ClusterName))); existing != nil {
			return nil, nil // idempotent: cluster already exists
		}
		return nil, r.putJSON(bucketMetadata, clusterKey(c.ClusterName), c)

	case DataTypeNodeRegister:
		var n types.Node
		if err := json.Unmarshal(d.Value, &n); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode node_register", err)
		}
		clusterRec, err := r.kv.Get(bucketMetadata, []byte(clusterKey(n.ClusterName)))
		if err != nil {
			return nil, errs.Wrap(errs.IO, "check cluster exists for node_register", err)
		}
		if clusterRec == nil {
			return nil, errs.New(errs.Conflict, "node registered against unknown cluster")
		}
		if err := r.putJSON(bucketMetadata, nodeKey(n.ClusterName, n.NodeID), n); err != nil {
			return nil, err
		}
		r.notify("Set", "node", n.ClusterName, n.NodeID, d.Value)
		return nil, nil

	case DataTypeNodeHeartbeat:
		var n types.Node
		if err := json.Unmarshal(d.Value, &n); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode node_heartbeat", err)
		}
		existing, err := r.kv.Get(bucketMetadata, []byte(nodeKey(n.ClusterName, n.NodeID)))
		if err != nil {
			return nil, errs.Wrap(errs.IO, "read node for heartbeat", err)
		}
		if existing == nil {
			return nil, errs.New(errs.NotFound, "heartbeat for unregistered node")
		}
		return nil, r.putJSON(bucketMetadata, nodeKey(n.ClusterName, n.NodeID), n)

	case DataTypeNodeUnregister:
		var env entityEnvelope
		if err := json.Unmarshal(d.Value, &env); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode node_unregister", err)
		}
		if err := r.kv.Delete(bucketMetadata, []byte(env.Key)); err != nil {
			return nil, errs.Wrap(errs.IO, "delete node", err)
		}
		r.notify("Delete", "node", "", env.Key, nil)
		return nil, nil
	}
	return nil, errs.New(errs.Protocol, "unhandled cluster data type")
}

// --- Journal sub-router: shard/segment catalog ----------------------------

func (r *MetaRouter) applyJournal(d StorageData) (any, error) {
	switch d.DataType {
	case DataTypeShardCreate:
		var s types.Shard
		if err := json.Unmarshal(d.Value, &s); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode shard_create", err)
		}
		if _, err := r.kv.Get(bucketMetadata, []byte(clusterKey(s.ClusterName))); err != nil {
			return nil, errs.Wrap(errs.IO, "check cluster exists for shard_create", err)
		}
		if err := r.putJSON(bucketMetadata, shardBucketKey(s.Key()), s); err != nil {
			return nil, err
		}
		r.notify("Set", "shard", s.ClusterName, s.Key(), d.Value)
		return nil, nil

	case DataTypeShardUpdateStatus, DataTypeShardDelete:
		var env entityEnvelope
		if err := json.Unmarshal(d.Value, &env); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode shard mutation", err)
		}
		if d.DataType == DataTypeShardDelete {
			return nil, r.cascadeDeleteShard(env.Key)
		}
		if err := r.kv.Put(bucketMetadata, []byte(shardBucketKey(env.Key)), env.Record); err != nil {
			return nil, errs.Wrap(errs.IO, "update shard", err)
		}
		r.notify("Set", "shard", "", env.Key, env.Record)
		return nil, nil

	case DataTypeSegmentCreate:
		var seg types.Segment
		if err := json.Unmarshal(d.Value, &seg); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode segment_create", err)
		}
		if err := r.putJSON(bucketMetadata, segmentBucketKey(seg.Key()), seg); err != nil {
			return nil, err
		}
		r.notify("Set", "segment", seg.ClusterName, seg.Key(), d.Value)
		return seg.Replicas, nil

	case DataTypeSegmentUpdateStatus, DataTypeSegmentSeal:
		var env entityEnvelope
		if err := json.Unmarshal(d.Value, &env); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode segment mutation", err)
		}
		if err := r.kv.Put(bucketMetadata, []byte(segmentBucketKey(env.Key)), env.Record); err != nil {
			return nil, errs.Wrap(errs.IO, "update segment", err)
		}
		r.notify("Set", "segment", "", env.Key, env.Record)
		return nil, nil

	case DataTypeSegmentDelete:
		var env entityEnvelope
		if err := json.Unmarshal(d.Value, &env); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode segment_delete", err)
		}
		if err := r.kv.Delete(bucketMetadata, []byte(segmentBucketKey(env.Key))); err != nil {
			return nil, errs.Wrap(errs.IO, "delete segment", err)
		}
		r.notify("Delete", "segment", "", env.Key, nil)
		return nil, nil

	case DataTypeSegmentMetadataSet:
		var sm types.SegmentMetadata
		if err := json.Unmarshal(d.Value, &sm); err != nil {
			return nil, errs.Wrap(errs.Protocol, "decode segment_metadata_set", err)
		}
		key := shardKeyFromMeta(sm.ClusterName, sm.Namespace, sm.ShardName) + "/" + strconv.FormatUint(sm.SegmentSeq, 10) + "/meta"
		return nil, r.putJSON(bucketMetadata, key, sm)
	}
	return nil, errs.New(errs.Protocol, "unhandled journal data type")
}

// cascadeDeleteShard removes the shard record and every segment whose key
// is prefixed by the shard's key, per the ownership rule that shards own
// their segments (cascade delete on PrepareDelete GC completion).
func (r *MetaRouter) cascadeDeleteShard(shardKey string) error {
	if err := r.kv.Delete(bucketMetadata, []byte(shardBucketKey(shardKey))); err != nil {
		return errs.Wrap(errs.IO, "delete shard", err)
	}
	var toDelete [][]byte
	err := r.kv.ForEachPrefix(bucketMetadata, []byte("segment/"+shardKey+"/"), func(k, _ []byte) error {
		toDelete = append(toDelete, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.IO, "scan segments for cascade delete", err)
	}
	for _, k := range toDelete {
		if err := r.kv.Delete(bucketMetadata, k); err != nil {
			return errs.Wrap(errs.IO, "cascade delete segment", err)
		}
	}
	r.notify("Delete", "shard", "", shardKey, nil)
	return nil
}

// --- MQTT sub-router: generic keyed records -------------------------------

// mqttResourceType maps a DataType to its sub-bucket-style key prefix
// inside the MQTT machine's keyspace.
func mqttResourceType(d DataType) (resourceType string, isDelete bool) {
	switch d {
	case DataTypeUserCreate:
		return "user", false
	case DataTypeUserDelete:
		return "user", true
	case DataTypeACLCreate:
		return "acl", false
	case DataTypeACLDelete:
		return "acl", true
	case DataTypeBlacklistCreate:
		return "blacklist", false
	case DataTypeBlacklistDelete:
		return "blacklist", true
	case DataTypeTopicCreate:
		return "topic", false
	case DataTypeTopicDelete:
		return "topic", true
	case DataTypeSubscriptionCreate:
		return "subscription", false
	case DataTypeSubscriptionDelete:
		return "subscription", true
	case DataTypeRetainedSet:
		return "retained", false
	case DataTypeRetainedDelete:
		return "retained", true
	case DataTypeWillSet:
		return "will", false
	case DataTypeWillDelete:
		return "will", true
	case DataTypeConnectorCreate, DataTypeConnectorUpdate:
		return "connector", false
	case DataTypeConnectorDelete:
		return "connector", true
	case DataTypeSchemaCreate, DataTypeSchemaUpdate:
		return "schema", false
	case DataTypeSchemaDelete:
		return "schema", true
	case DataTypeTopicRewriteCreate:
		return "topic_rewrite", false
	case DataTypeTopicRewriteDelete:
		return "topic_rewrite", true
	case DataTypeAutoSubscribeCreate:
		return "auto_subscribe", false
	case DataTypeAutoSubscribeDelete:
		return "auto_subscribe", true
	case DataTypeSessionCreate, DataTypeSessionUpdate:
		return "session", false
	case DataTypeSessionDelete:
		return "session", true
	case DataTypeConnectionCreate:
		return "connection", false
	case DataTypeConnectionDelete:
		return "connection", true
	default:
		return "", false
	}
}

func (r *MetaRouter) applyMqtt(d StorageData) (any, error) {
	resourceType, isDelete := mqttResourceType(d.DataType)
	if resourceType == "" {
		return nil, errs.New(errs.Protocol, "unhandled mqtt data type")
	}
	var env entityEnvelope
	if err := json.Unmarshal(d.Value, &env); err != nil {
		return nil, errs.Wrap(errs.Protocol, "decode mqtt entity envelope", err)
	}
	key := []byte(resourceType + "/" + env.Key)

	if isDelete {
		if err := r.kv.Delete(bucketMqtt, key); err != nil {
			return nil, errs.Wrap(errs.IO, "delete mqtt entity", err)
		}
		r.notify("Delete", resourceType, "", env.Key, nil)
		return nil, nil
	}
	if err := r.kv.Put(bucketMqtt, key, env.Record); err != nil {
		return nil, errs.Wrap(errs.IO, "put mqtt entity", err)
	}
	r.notify("Set", resourceType, "", env.Key, env.Record)
	return nil, nil
}

// --- Offset sub-router -----------------------------------------------------

type offsetMutation struct {
	Group  string `json:"group"`
	Shard  string `json:"shard"`
	Offset uint64 `json:"offset"`
}

func (r *MetaRouter) applyOffset(d StorageData) (any, error) {
	var m offsetMutation
	if err := json.Unmarshal(d.Value, &m); err != nil {
		return nil, errs.Wrap(errs.Protocol, "decode offset mutation", err)
	}
	key := []byte(m.Group + "/" + m.Shard)

	if d.DataType == DataTypeOffsetCommit {
		existing, err := r.kv.Get(bucketOffset, key)
		if err != nil {
			return nil, errs.Wrap(errs.IO, "read offset for commit", err)
		}
		if existing != nil {
			prev, perr := strconv.ParseUint(string(existing), 10, 64)
			if perr == nil && m.Offset < prev {
				return nil, errs.New(errs.Conflict, "offset commit would roll back; use seek")
			}
		}
	}
	return nil, r.kv.Put(bucketOffset, key, []byte(strconv.FormatUint(m.Offset, 10)))
}

// --- helpers ---------------------------------------------------------------

func (r *MetaRouter) putJSON(bucket []byte, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.Protocol, "encode record", err)
	}
	if err := r.kv.Put(bucket, []byte(key), b); err != nil {
		return errs.Wrap(errs.IO, "put record", err)
	}
	return nil
}

func (r *MetaRouter) notify(action, resourceType, clusterName, key string, data []byte) {
	if r.notifier == nil {
		return
	}
	r.notifier.Enqueue(CacheInvalidation{
		Action:       action,
		ResourceType: resourceType,
		ClusterName:  clusterName,
		Key:          key,
		Data:         data,
	})
}

func clusterKey(name string) string { return "cluster/" + name }
func nodeKey(cluster, nodeID string) string { return "node/" + cluster + "/" + nodeID }
func shardBucketKey(key string) string { return "shard/" + key }
func segmentBucketKey(key string) string { return "segment/" + key }

func shardKeyFromMeta(cluster, namespace, shard string) string {
	return cluster + "/" + namespace + "/" + shard
}
