package raftmeta

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"

	"github.com/robustmq/robustmq/pkg/log"
)

// StateMachine implements raft.FSM over a MetaRouter, applying the
// committed StorageData envelope to the backing KV store.
type StateMachine struct {
	router *MetaRouter
}

// NewStateMachine builds the Raft FSM over router.
func NewStateMachine(router *MetaRouter) *StateMachine {
	return &StateMachine{router: router}
}

// Apply is called by raft for every committed log entry. It must be
// deterministic and idempotent per log index — the router's mutations
// are all either unconditional overwrites or explicitly idempotent
// (e.g. cluster_create on an existing cluster is a no-op).
func (s *StateMachine) Apply(entry *raft.Log) interface{} {
	var data StorageData
	if err := json.Unmarshal(entry.Data, &data); err != nil {
		return err
	}
	resp, err := s.router.Apply(data)
	if err != nil {
		logger := log.WithComponent("raftmeta")
		logger.Error().Err(err).Str("data_type", string(data.DataType)).Uint64("log_index", entry.Index).Msg("raft apply failed")
		return err
	}
	return resp
}

// Snapshot returns a streaming, zstd-compressed, per-machine dump builder.
func (s *StateMachine) Snapshot() (raft.FSMSnapshot, error) {
	return newSnapshotBuilder(s.router.kv), nil
}

// Restore replays a previously captured snapshot, 1000 entries at a time,
// into the backing KV store.
func (s *StateMachine) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return restoreSnapshot(s.router.kv, rc)
}
