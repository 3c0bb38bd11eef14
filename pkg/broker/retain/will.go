package retain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robustmq/robustmq/pkg/storage"
	"github.com/robustmq/robustmq/pkg/types"
)

var bucketWill = []byte("last_will")

// WillStore persists one last-will message per client_id in a local KV
// store, satisfying session.WillStore. Wills survive a broker restart;
// they are only removed by an explicit delete (session runtime clears
// a will on clean reconnect or after delivering it).
type WillStore struct {
	kv storage.KV
}

// NewWillStore builds a WillStore over an already-open KV store.
func NewWillStore(kv storage.KV) *WillStore {
	return &WillStore{kv: kv}
}

func (w *WillStore) SaveWill(ctx context.Context, will *types.LastWill) error {
	data, err := json.Marshal(will)
	if err != nil {
		return fmt.Errorf("marshal will for %s: %w", will.ClientID, err)
	}
	return w.kv.Put(bucketWill, []byte(will.ClientID), data)
}

func (w *WillStore) GetWill(ctx context.Context, clientID string) (*types.LastWill, bool, error) {
	data, err := w.kv.Get(bucketWill, []byte(clientID))
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	var will types.LastWill
	if err := json.Unmarshal(data, &will); err != nil {
		return nil, false, fmt.Errorf("decode will for %s: %w", clientID, err)
	}
	return &will, true, nil
}

func (w *WillStore) DeleteWill(ctx context.Context, clientID string) error {
	return w.kv.Delete(bucketWill, []byte(clientID))
}

func (w *WillStore) ListWills(ctx context.Context) ([]*types.LastWill, error) {
	var out []*types.LastWill
	err := w.kv.ForEach(bucketWill, func(_, v []byte) error {
		var will types.LastWill
		if err := json.Unmarshal(v, &will); err != nil {
			return fmt.Errorf("decode will: %w", err)
		}
		out = append(out, &will)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
