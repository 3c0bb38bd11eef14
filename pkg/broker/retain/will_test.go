package retain

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/robustmq/robustmq/pkg/storage"
	"github.com/robustmq/robustmq/pkg/types"
)

func newTestWillStore(t *testing.T) *WillStore {
	t.Helper()
	kv, err := storage.OpenBoltKV(filepath.Join(t.TempDir(), "will.db"))
	if err != nil {
		t.Fatalf("open bolt kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return NewWillStore(kv)
}

func TestWillStoreSaveGetDelete(t *testing.T) {
	ws := newTestWillStore(t)
	ctx := context.Background()

	will := &types.LastWill{ClientID: "c1", Topic: "status/c1", Payload: []byte("offline"), QoS: 1}
	if err := ws.SaveWill(ctx, will); err != nil {
		t.Fatalf("SaveWill: %v", err)
	}

	got, found, err := ws.GetWill(ctx, "c1")
	if err != nil || !found || got.Topic != "status/c1" {
		t.Fatalf("expected saved will, got %+v found=%v err=%v", got, found, err)
	}

	if err := ws.DeleteWill(ctx, "c1"); err != nil {
		t.Fatalf("DeleteWill: %v", err)
	}
	if _, found, _ := ws.GetWill(ctx, "c1"); found {
		t.Fatal("expected will gone after delete")
	}
}

func TestWillStoreListWills(t *testing.T) {
	ws := newTestWillStore(t)
	ctx := context.Background()

	_ = ws.SaveWill(ctx, &types.LastWill{ClientID: "c1", Topic: "t1"})
	_ = ws.SaveWill(ctx, &types.LastWill{ClientID: "c2", Topic: "t2"})

	all, err := ws.ListWills(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 wills, got %d err=%v", len(all), err)
	}
}
