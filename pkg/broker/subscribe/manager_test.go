package subscribe

import (
	"testing"

	"github.com/robustmq/robustmq/pkg/types"
)

func TestManagerExclusiveSubscribeAndMatch(t *testing.T) {
	m := NewManager()
	if err := m.Subscribe(types.Subscription{ClientID: "c1", Path: "a/+/c", QoS: 1}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Subscribe(types.Subscription{ClientID: "c2", Path: "a/b/c", QoS: 0}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	matches := m.MatchingSubscriptions("a/b/c")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}

	m.Unsubscribe("c1", "a/+/c")
	matches = m.MatchingSubscriptions("a/b/c")
	if len(matches) != 1 || matches[0].ClientID != "c2" {
		t.Fatalf("expected only c2 to remain, got %+v", matches)
	}
}

func TestManagerRejectsInvalidFilter(t *testing.T) {
	m := NewManager()
	err := m.Subscribe(types.Subscription{ClientID: "c1", Path: "a/#/c"})
	if err == nil {
		t.Fatal("expected error for malformed filter")
	}
}

func TestManagerSharedSubscriptionRegistersTopicAndRotates(t *testing.T) {
	m := NewManager()
	if err := m.Subscribe(types.Subscription{ClientID: "c1", Path: "$share/g1/a/b", ShareGroup: "g1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Subscribe(types.Subscription{ClientID: "c2", Path: "$share/g1/a/b", ShareGroup: "g1"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	topics := m.ShareGroupTopics("g1")
	if len(topics) != 1 || topics[0] != "a/b" {
		t.Fatalf("expected [a/b], got %v", topics)
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		sub, ok := m.NextShareSubscriber("g1")
		if !ok {
			t.Fatal("expected a subscriber")
		}
		seen[sub.ClientID]++
	}
	if seen["c1"] == 0 || seen["c2"] == 0 {
		t.Fatalf("expected round-robin to hit both clients, got %v", seen)
	}
}

func TestManagerNotPushClientSkippedByRotation(t *testing.T) {
	m := NewManager()
	_ = m.Subscribe(types.Subscription{ClientID: "c1", Path: "$share/g1/a/b", ShareGroup: "g1"})
	_ = m.Subscribe(types.Subscription{ClientID: "c2", Path: "$share/g1/a/b", ShareGroup: "g1"})

	m.MarkUnavailable("c1")
	for i := 0; i < 5; i++ {
		sub, ok := m.NextShareSubscriber("g1")
		if !ok {
			t.Fatal("expected a subscriber")
		}
		if sub.ClientID != "c2" {
			t.Fatalf("expected only c2 to be selected, got %s", sub.ClientID)
		}
	}

	m.ClearUnavailable("c1")
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		sub, _ := m.NextShareSubscriber("g1")
		seen[sub.ClientID]++
	}
	if seen["c1"] == 0 {
		t.Fatalf("expected c1 to be selected again after clearing, got %v", seen)
	}
}

func TestManagerUnsubscribeAllRemovesEverything(t *testing.T) {
	m := NewManager()
	_ = m.Subscribe(types.Subscription{ClientID: "c1", Path: "a/b"})
	_ = m.Subscribe(types.Subscription{ClientID: "c1", Path: "$share/g1/x/y", ShareGroup: "g1"})

	m.UnsubscribeAll("c1")

	if len(m.MatchingSubscriptions("a/b")) != 0 {
		t.Fatal("expected no exclusive matches after UnsubscribeAll")
	}
	if _, ok := m.NextShareSubscriber("g1"); ok {
		t.Fatal("expected no shared subscriber after UnsubscribeAll")
	}
}
