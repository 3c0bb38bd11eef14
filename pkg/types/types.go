// Package types defines the cluster-wide data model shared by the meta
// service, the MQTT broker runtime and the journal storage engine.
package types

import "time"

// Node is a cluster-unique participant advertising one or more roles.
// Membership mutations are Raft-committed; Node is never mutated outside
// the meta state machine.
type Node struct {
	NodeID       string
	ClusterName  string
	Roles        []NodeRole
	PublicAddr   string // client-facing address (MQTT / admin)
	InnerAddr    string // inner RPC address (cache invalidation, segment replication)
	RegisteredAt time.Time
	StartedAt    time.Time
}

// NodeRole is a role a node advertises within the cluster.
type NodeRole string

const (
	NodeRoleMeta    NodeRole = "meta"
	NodeRoleMQTT    NodeRole = "mqtt"
	NodeRoleJournal NodeRole = "journal"
)

// Cluster is the logical tenancy boundary. Once created it is never deleted.
type Cluster struct {
	ClusterName string
	CreatedAt   time.Time
}

// ShardStatus is the lifecycle state of a Shard.
type ShardStatus string

const (
	ShardStatusRun           ShardStatus = "run"
	ShardStatusPrepareDelete ShardStatus = "prepare_delete"
	ShardStatusDeleting      ShardStatus = "deleting"
)

// ShardConfig holds per-shard tunables.
type ShardConfig struct {
	MaxSegmentSize int64
	ReplicaNum     uint32
}

// Shard is identified by (ClusterName, Namespace, ShardName) and owns a
// sequence of Segments. Cascade-deleted when it reaches PrepareDelete GC.
type Shard struct {
	ClusterName      string
	Namespace        string
	ShardName        string
	ReplicaFactor    uint32
	Status           ShardStatus
	ActiveSegmentSeq uint64
	StartSegmentSeq  uint64
	LastSegmentSeq   uint64
	Config           ShardConfig
	CreatedAt        time.Time
}

// Key is the stable identity of a Shard, used as a map/storage key.
func (s *Shard) Key() string {
	return s.ClusterName + "/" + s.Namespace + "/" + s.ShardName
}

// SegmentStatus is the lifecycle state of a Segment.
type SegmentStatus string

const (
	SegmentStatusIdle          SegmentStatus = "idle"
	SegmentStatusWrite         SegmentStatus = "write"
	SegmentStatusPreSealUp     SegmentStatus = "pre_seal_up"
	SegmentStatusSealUp        SegmentStatus = "seal_up"
	SegmentStatusPrepareDelete SegmentStatus = "prepare_delete"
	SegmentStatusDeleting      SegmentStatus = "deleting"
	SegmentStatusError         SegmentStatus = "error"
)

// SegmentReplica identifies one replica of a Segment on a node.
type SegmentReplica struct {
	NodeID    string
	FoldIndex int
}

// Segment is one (Shard, SegmentSeq) slice of the shard's log.
type Segment struct {
	ClusterName string
	Namespace   string
	ShardName   string
	SegmentSeq  uint64
	Replicas    []SegmentReplica
	Leader      string
	ISR         []string
	Status      SegmentStatus
	StartOffset int64
	EndOffset   int64
	StartTime   time.Time
	EndTime     time.Time
	// Ceiling is the declared end_offset ceiling requested at roll time
	// (end_offset + SEGMENT_SCROLL_OFFSET_BUFFER). Zero until a roll is
	// requested for this segment.
	Ceiling int64
}

// Key is the stable identity of a Segment.
func (s *Segment) Key() string {
	return shardKey(s.ClusterName, s.Namespace, s.ShardName, s.SegmentSeq)
}

func shardKey(cluster, namespace, shard string, seq uint64) string {
	return cluster + "/" + namespace + "/" + shard + "/" + itoa(seq)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// SegmentMetadata is the durable index written at life-cycle events and on
// periodic observations.
type SegmentMetadata struct {
	ClusterName    string
	Namespace      string
	ShardName      string
	SegmentSeq     uint64
	StartOffset    int64
	EndOffset      int64
	StartTimestamp int64
	EndTimestamp   int64
}

// MqttSession is the durable per-client_id session record.
type MqttSession struct {
	ClientID              string
	SessionExpiry         uint32 // seconds
	KeepAlive             uint16
	ConnectionID           string // empty when disconnected
	LastWillDelayInterval uint32 // seconds
	BrokerID              string
	DistinctTime          int64 // unix seconds of disconnect; 0 while connected
	Durable               bool
	CreatedAt             time.Time
}

// Expired reports whether the session has passed its expiry window, per
// "now >= distinct_time + session_expiry" with the connection absent.
func (s *MqttSession) Expired(now int64) bool {
	return s.ConnectionID == "" && s.DistinctTime > 0 &&
		now >= s.DistinctTime+int64(s.SessionExpiry)
}

// MqttConnection is the ephemeral per-TCP-connection record.
type MqttConnection struct {
	ConnectionID          string
	ClientID              string
	ProtocolVersion       uint8 // 3, 4 or 5
	KeepAlive             uint16
	SourceIP              string
	LoginUser             string
	ReceiveMax            uint16
	InFlight              uint16
	ResponseProblemInfo   bool
	LastHeartbeat         time.Time
}

// RetainHandling mirrors the MQTT5 subscription option of the same name.
type RetainHandling uint8

const (
	RetainHandlingSendAlways RetainHandling = iota
	RetainHandlingSendIfNew
	RetainHandlingNeverSend
)

// Subscription is the per (client_id, path) record. At most one exists per
// pair.
type Subscription struct {
	ClientID              string
	Path                  string
	QoS                   uint8
	NoLocal               bool
	PreserveRetain        bool
	RetainHandling        RetainHandling
	SubscriptionIdentifier uint32
	ShareGroup            string // empty unless $share/<group>/...
	CreatedAt             time.Time
}

// IsShared reports whether this is a shared ($share/<group>/...) subscription.
func (s *Subscription) IsShared() bool { return s.ShareGroup != "" }

// RetainedMessage is the single record kept per exact topic name.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     uint8
	StoredAt time.Time
}

// ACLResourceType is the subject kind an ACL entry applies to.
type ACLResourceType string

const (
	ACLResourceUser     ACLResourceType = "user"
	ACLResourceClientID ACLResourceType = "client_id"
)

// ACLAction is the operation an ACL entry gates.
type ACLAction string

const (
	ACLActionAll       ACLAction = "all"
	ACLActionPublish   ACLAction = "publish"
	ACLActionSubscribe ACLAction = "subscribe"
	ACLActionPubSub    ACLAction = "pub_sub"
	ACLActionRetain    ACLAction = "retain"
	ACLActionQos       ACLAction = "qos"
)

// ACLPermission is the verdict an ACL entry carries.
type ACLPermission string

const (
	ACLPermissionAllow ACLPermission = "allow"
	ACLPermissionDeny  ACLPermission = "deny"
)

// ACL is one access-control entry.
type ACL struct {
	ResourceType ACLResourceType
	ResourceName string
	TopicPattern string
	IPPattern    string
	Action       ACLAction
	Permission   ACLPermission
}

// OffsetRecord is one (group_name, shard_name) -> committed offset entry.
// Monotonic per pair; rollback only via explicit seek.
type OffsetRecord struct {
	GroupName string
	ShardName string
	Offset    uint64
}

// User is a login principal recognised by the AuthDriver.
type User struct {
	Username     string
	PasswordHash string // empty for non-password-driver users
	Salt         string
	IsSuperuser  bool
	CreatedAt    time.Time
}

// BlacklistEntry denies a client_id, username, ip or ip-CIDR outright.
type BlacklistEntry struct {
	ResourceType ACLResourceType
	ResourceName string
	CreatedAt    time.Time
}

// TopicRewriteRule rewrites a matched source topic pattern into a
// destination pattern at publish/subscribe time. SourceTopic is an MQTT
// filter (may use +/# wildcards) gating which topics the rule applies
// to; Regex captures groups out of the actual topic string, and
// DestTopic is a template referencing those groups as $1, $2, ...
type TopicRewriteRule struct {
	Name        string
	SourceTopic string
	DestTopic   string
	Regex       string
	Action      string // "All", "Publish" or "Subscribe"
}

// LastWill is a session's stored will message, published once at
// distinct_time+delay_interval if the session never reconnects in time.
type LastWill struct {
	ClientID      string
	Topic         string
	Payload       []byte
	QoS           uint8
	Retain        bool
	DelayInterval uint32 // seconds
	StoredAt      time.Time
}
