// Package raftmeta implements the meta service's single Raft consensus
// group, replicating a StorageData envelope across three logical,
// key-prefix-scoped state machines: METADATA (cluster/node/shard/segment
// catalog), MQTT (topics, users, ACLs, subscriptions, retained, will,
// connectors, schemas, sessions) and OFFSET (consumer offsets).
package raftmeta

// Machine identifies one of the three logical state machines sharing the
// single backing KV store, each scoped to its own bucket.
type Machine string

const (
	MachineMetadata Machine = "metadata"
	MachineMqtt     Machine = "mqtt"
	MachineOffset   Machine = "offset"
)

// DataType is the closed mutation-class enum carried by every Raft log
// entry. Apply is deterministic and idempotent per log index: replaying
// the same entry twice (e.g. after a crash before the apply index was
// persisted) must leave the state machine in the same place.
type DataType string

const (
	// METADATA machine: cluster, node and journal catalog mutations.
	DataTypeClusterCreate        DataType = "cluster_create"
	DataTypeNodeRegister         DataType = "node_register"
	DataTypeNodeHeartbeat        DataType = "node_heartbeat"
	DataTypeNodeUnregister       DataType = "node_unregister"
	DataTypeShardCreate          DataType = "shard_create"
	DataTypeShardUpdateStatus    DataType = "shard_update_status"
	DataTypeShardDelete          DataType = "shard_delete"
	DataTypeSegmentCreate        DataType = "segment_create"
	DataTypeSegmentUpdateStatus  DataType = "segment_update_status"
	DataTypeSegmentSeal          DataType = "segment_seal"
	DataTypeSegmentDelete        DataType = "segment_delete"
	DataTypeSegmentMetadataSet   DataType = "segment_metadata_set"

	// MQTT machine: auth, topology and session-facing mutations.
	DataTypeUserCreate           DataType = "user_create"
	DataTypeUserDelete           DataType = "user_delete"
	DataTypeACLCreate            DataType = "acl_create"
	DataTypeACLDelete            DataType = "acl_delete"
	DataTypeBlacklistCreate      DataType = "blacklist_create"
	DataTypeBlacklistDelete      DataType = "blacklist_delete"
	DataTypeTopicCreate          DataType = "topic_create"
	DataTypeTopicDelete          DataType = "topic_delete"
	DataTypeSubscriptionCreate   DataType = "subscription_create"
	DataTypeSubscriptionDelete   DataType = "subscription_delete"
	DataTypeRetainedSet          DataType = "retained_set"
	DataTypeRetainedDelete       DataType = "retained_delete"
	DataTypeWillSet              DataType = "will_set"
	DataTypeWillDelete           DataType = "will_delete"
	DataTypeConnectorCreate      DataType = "connector_create"
	DataTypeConnectorUpdate      DataType = "connector_update"
	DataTypeConnectorDelete      DataType = "connector_delete"
	DataTypeSchemaCreate         DataType = "schema_create"
	DataTypeSchemaUpdate         DataType = "schema_update"
	DataTypeSchemaDelete         DataType = "schema_delete"
	DataTypeTopicRewriteCreate   DataType = "topic_rewrite_create"
	DataTypeTopicRewriteDelete   DataType = "topic_rewrite_delete"
	DataTypeAutoSubscribeCreate  DataType = "auto_subscribe_create"
	DataTypeAutoSubscribeDelete  DataType = "auto_subscribe_delete"
	DataTypeSessionCreate        DataType = "session_create"
	DataTypeSessionUpdate        DataType = "session_update"
	DataTypeSessionDelete        DataType = "session_delete"
	DataTypeConnectionCreate     DataType = "connection_create"
	DataTypeConnectionDelete     DataType = "connection_delete"

	// OFFSET machine: consumer-group commit/seek mutations.
	DataTypeOffsetCommit DataType = "offset_commit"
	DataTypeOffsetSeek   DataType = "offset_seek"
)

// Machine returns which logical state machine owns a DataType's keyspace.
func (d DataType) Machine() Machine {
	switch d {
	case DataTypeClusterCreate, DataTypeNodeRegister, DataTypeNodeHeartbeat, DataTypeNodeUnregister,
		DataTypeShardCreate, DataTypeShardUpdateStatus, DataTypeShardDelete,
		DataTypeSegmentCreate, DataTypeSegmentUpdateStatus, DataTypeSegmentSeal, DataTypeSegmentDelete,
		DataTypeSegmentMetadataSet:
		return MachineMetadata
	case DataTypeOffsetCommit, DataTypeOffsetSeek:
		return MachineOffset
	default:
		return MachineMqtt
	}
}

// StorageData is the single envelope applied to the Raft FSM: DataType
// selects both the target machine and how Value is decoded.
type StorageData struct {
	DataType DataType
	Value    []byte
}
