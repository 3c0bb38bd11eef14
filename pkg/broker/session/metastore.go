package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robustmq/robustmq/pkg/raftmeta"
	"github.com/robustmq/robustmq/pkg/rpc"
	"github.com/robustmq/robustmq/pkg/types"
)

const resourceSession = "session"

// MetaClient is the subset of client.MetaClient a MetaStore needs,
// kept narrow so this package only depends on the RPC message types
// rather than the whole pooled gRPC client.
type MetaClient interface {
	ResourceConfigSet(ctx context.Context, dataType raftmeta.DataType, key string, record []byte) error
	ResourceConfigGet(ctx context.Context, resourceType, key string) (*rpc.ResourceConfigGetResponse, error)
	ListResource(ctx context.Context, resourceType string) (map[string]json.RawMessage, error)
}

// MetaStore implements Store through the meta service's generic
// resource-config RPCs, replicating sessions the same way as every
// other MQTT entity (topics, ACLs, retained messages) rather than
// keeping them node-local: a session must survive a client reconnecting
// to a different broker node.
type MetaStore struct {
	meta MetaClient
}

// NewMetaStore builds a Store backed by meta's Raft-replicated state.
func NewMetaStore(meta MetaClient) *MetaStore {
	return &MetaStore{meta: meta}
}

func (s *MetaStore) GetSession(ctx context.Context, clientID string) (*types.MqttSession, bool, error) {
	resp, err := s.meta.ResourceConfigGet(ctx, resourceSession, clientID)
	if err != nil {
		return nil, false, fmt.Errorf("get session %s: %w", clientID, err)
	}
	if !resp.Found {
		return nil, false, nil
	}
	var sess types.MqttSession
	if err := json.Unmarshal(resp.Record, &sess); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", clientID, err)
	}
	return &sess, true, nil
}

func (s *MetaStore) SaveSession(ctx context.Context, sess *types.MqttSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ClientID, err)
	}
	if err := s.meta.ResourceConfigSet(ctx, raftmeta.DataTypeSessionCreate, sess.ClientID, data); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ClientID, err)
	}
	return nil
}

func (s *MetaStore) DeleteSession(ctx context.Context, clientID string) error {
	if err := s.meta.ResourceConfigSet(ctx, raftmeta.DataTypeSessionDelete, clientID, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", clientID, err)
	}
	return nil
}

func (s *MetaStore) ListSessions(ctx context.Context) ([]*types.MqttSession, error) {
	records, err := s.meta.ListResource(ctx, resourceSession)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*types.MqttSession, 0, len(records))
	for clientID, raw := range records {
		var sess types.MqttSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", clientID, err)
		}
		out = append(out, &sess)
	}
	return out, nil
}
