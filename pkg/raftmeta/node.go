package raftmeta

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/metrics"
	"github.com/robustmq/robustmq/pkg/storage"
)

// appendEntriesTimeout and voteTimeout are the Raft RPC timeouts; raft's
// own config knobs (HeartbeatTimeout/ElectionTimeout) are what actually
// bound these round trips, so they're set from the same constants.
const (
	appendEntriesTimeout = 10 * time.Second
	// installSnapshotTimeout documents the install-snapshot RPC budget;
	// hashicorp/raft's NetworkTransport has a single timeout covering
	// every RPC type, so in practice this is enforced by
	// raft's internal retry/backoff around appendEntriesTimeout rather
	// than a separate knob.
	installSnapshotTimeout = 60 * time.Second
	slowRPCWarnThreshold   = 1 * time.Second
)

// Node wraps a single meta-service Raft participant: its FSM, its
// backing KV store and the raft.Raft instance replicating writes to it.
type Node struct {
	NodeID  string
	raft    *raft.Raft
	fsm     *StateMachine
	kv      *storage.BoltKV
	Router  *MetaRouter
}

// NodeConfig configures a meta-service Raft node.
type NodeConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Notifier Notifier
}

// NewNode opens the backing KV store and constructs the FSM, without
// starting Raft transport — call Bootstrap or Join next.
func NewNode(cfg NodeConfig) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errs.Wrap(errs.IO, "create meta data dir", err)
	}
	kv, err := storage.OpenBoltKV(filepath.Join(cfg.DataDir, "meta.db"))
	if err != nil {
		return nil, err
	}
	router := NewMetaRouter(kv, cfg.Notifier)
	fsm := NewStateMachine(router)
	return &Node{NodeID: cfg.NodeID, fsm: fsm, kv: kv, Router: router}, nil
}

// raftConfig builds the shared *raft.Config for both Bootstrap and Join:
// timeouts tuned for LAN/edge deployments.
func raftConfig(nodeID string) *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(nodeID)
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.CommitTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func (n *Node) startRaft(cfg NodeConfig) (*raft.Raft, *raft.NetworkTransport, error) {
	config := raftConfig(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, "resolve raft bind address", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, appendEntriesTimeout, os.Stderr)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, "create raft transport", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 5, os.Stderr)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, "create raft snapshot store", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, "create raft log store", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, "create raft stable store", err)
	}

	r, err := raft.NewRaft(config, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, "create raft node", err)
	}
	return r, transport, nil
}

// Bootstrap initializes a new single-node Raft cluster rooted at this node.
func (n *Node) Bootstrap(cfg NodeConfig) error {
	r, transport, err := n.startRaft(cfg)
	if err != nil {
		return err
	}
	n.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}},
	}
	if future := n.raft.BootstrapCluster(configuration); future.Error() != nil {
		return errs.Wrap(errs.Consensus, "bootstrap raft cluster", future.Error())
	}
	return nil
}

// Join starts Raft transport for an existing cluster; the caller is
// expected to have already had the leader add this node via AddVoter
// (done out of band through the MetaService RPC surface).
func (n *Node) Join(cfg NodeConfig) error {
	r, _, err := n.startRaft(cfg)
	if err != nil {
		return err
	}
	n.raft = r
	return nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's advertised Raft address, for
// building the "forward to: rpc_addr=..." redirect error.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Propose applies data through Raft if this node is the leader, else
// returns a Consensus error carrying the current leader's address so the
// caller can retry there.
func (n *Node) Propose(data StorageData) (any, error) {
	if !n.IsLeader() {
		return nil, errs.NotLeader(n.LeaderAddr())
	}
	encoded, err := encodeStorageData(data)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	future := n.raft.Apply(encoded, appendEntriesTimeout)
	if err := future.Error(); err != nil {
		return nil, errs.Wrap(errs.Consensus, "raft apply failed", err)
	}
	if elapsed := time.Since(start); elapsed > slowRPCWarnThreshold {
		metrics.RaftApplyDuration.Observe(elapsed.Seconds())
	}

	resp := future.Response()
	if applyErr, ok := resp.(error); ok {
		return nil, applyErr
	}
	return resp, nil
}

func encodeStorageData(data StorageData) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "encode storage data envelope", err)
	}
	return b, nil
}
