package auth

import (
	"context"
	"testing"

	"github.com/robustmq/robustmq/pkg/types"
)

type staticBlacklist struct{ entries []types.BlacklistEntry }

func (s staticBlacklist) ListBlacklist(ctx context.Context) ([]types.BlacklistEntry, error) {
	return s.entries, nil
}

type staticACLs struct{ entries []types.ACL }

func (s staticACLs) ListACLs(ctx context.Context) ([]types.ACL, error) { return s.entries, nil }

func TestCheckerBlacklistDeniesImmediately(t *testing.T) {
	bl := staticBlacklist{entries: []types.BlacklistEntry{{ResourceType: types.ACLResourceClientID, ResourceName: "bad-client"}}}
	c := NewChecker(bl, staticACLs{}, types.ACLPermissionAllow)

	allow, err := c.Allow(context.Background(), Request{ClientID: "bad-client", Topic: "a/b", Action: types.ACLActionPublish})
	if err != nil || allow {
		t.Fatalf("expected blacklisted client denied, got allow=%v err=%v", allow, err)
	}
}

func TestCheckerSuperuserBypassesACL(t *testing.T) {
	c := NewChecker(staticBlacklist{}, staticACLs{entries: []types.ACL{
		{ResourceType: types.ACLResourceUser, ResourceName: "alice", Action: types.ACLActionAll, Permission: types.ACLPermissionDeny},
	}}, types.ACLPermissionDeny)

	allow, err := c.Allow(context.Background(), Request{Username: "alice", Topic: "a/b", Action: types.ACLActionPublish, Superuser: true})
	if err != nil || !allow {
		t.Fatalf("expected superuser bypass, got allow=%v err=%v", allow, err)
	}
}

func TestCheckerDenyOverridesAllow(t *testing.T) {
	c := NewChecker(staticBlacklist{}, staticACLs{entries: []types.ACL{
		{ResourceType: types.ACLResourceUser, ResourceName: "alice", TopicPattern: "a/#", Action: types.ACLActionAll, Permission: types.ACLPermissionAllow},
		{ResourceType: types.ACLResourceUser, ResourceName: "alice", TopicPattern: "a/secret", Action: types.ACLActionAll, Permission: types.ACLPermissionDeny},
	}}, types.ACLPermissionDeny)

	allow, err := c.Allow(context.Background(), Request{Username: "alice", Topic: "a/secret", Action: types.ACLActionPublish})
	if err != nil || allow {
		t.Fatalf("expected deny entry to win over allow, got allow=%v err=%v", allow, err)
	}

	allow, err = c.Allow(context.Background(), Request{Username: "alice", Topic: "a/public", Action: types.ACLActionPublish})
	if err != nil || !allow {
		t.Fatalf("expected allow for non-overlapping topic, got allow=%v err=%v", allow, err)
	}
}

func TestCheckerFallsBackToDefault(t *testing.T) {
	c := NewChecker(staticBlacklist{}, staticACLs{}, types.ACLPermissionDeny)
	allow, err := c.Allow(context.Background(), Request{Username: "nobody", Topic: "a/b", Action: types.ACLActionPublish})
	if err != nil || allow {
		t.Fatalf("expected default deny with no matching ACL, got allow=%v err=%v", allow, err)
	}
}

func TestCheckerPubSubActionMatchesBothDirections(t *testing.T) {
	c := NewChecker(staticBlacklist{}, staticACLs{entries: []types.ACL{
		{ResourceType: types.ACLResourceUser, ResourceName: "alice", Action: types.ACLActionPubSub, Permission: types.ACLPermissionAllow},
	}}, types.ACLPermissionDeny)

	for _, action := range []types.ACLAction{types.ACLActionPublish, types.ACLActionSubscribe} {
		allow, err := c.Allow(context.Background(), Request{Username: "alice", Topic: "a/b", Action: action})
		if err != nil || !allow {
			t.Fatalf("expected pub_sub ACL to allow %v, got allow=%v err=%v", action, allow, err)
		}
	}
}

func TestIPMatchesWildcardAndCIDR(t *testing.T) {
	if !ipMatches("*", "10.0.0.1") {
		t.Fatal("expected * to match any ip")
	}
	if !ipMatches("10.0.0.0/24", "10.0.0.5") {
		t.Fatal("expected CIDR containment to match")
	}
	if ipMatches("10.0.0.0/24", "10.0.1.5") {
		t.Fatal("expected CIDR containment to reject out-of-range ip")
	}
	if !ipMatches("192.168.1.1", "192.168.1.1") {
		t.Fatal("expected exact ip match")
	}
}
