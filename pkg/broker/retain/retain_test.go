package retain

import (
	"testing"
	"time"

	"github.com/robustmq/robustmq/pkg/types"
)

func TestRetainStoreSetAndGet(t *testing.T) {
	s := NewRetainStore()
	s.Set(&types.RetainedMessage{Topic: "a/b", Payload: []byte("hello"), QoS: 1, StoredAt: time.Now()})

	msg, found := s.Get("a/b")
	if !found || string(msg.Payload) != "hello" {
		t.Fatalf("expected retained message, got %+v found=%v", msg, found)
	}
}

func TestRetainStoreEmptyPayloadClears(t *testing.T) {
	s := NewRetainStore()
	s.Set(&types.RetainedMessage{Topic: "a/b", Payload: []byte("hello")})
	s.Set(&types.RetainedMessage{Topic: "a/b", Payload: nil})

	if _, found := s.Get("a/b"); found {
		t.Fatal("expected retained message cleared by empty-payload publish")
	}
}

func TestRetainStoreMatching(t *testing.T) {
	s := NewRetainStore()
	s.Set(&types.RetainedMessage{Topic: "sensors/a/temp", Payload: []byte("1")})
	s.Set(&types.RetainedMessage{Topic: "sensors/b/temp", Payload: []byte("2")})
	s.Set(&types.RetainedMessage{Topic: "sensors/a/humidity", Payload: []byte("3")})

	got := s.Matching("sensors/+/temp")
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
}

func TestTopicRewritePublishDirection(t *testing.T) {
	rules := []types.TopicRewriteRule{{
		Name:        "r1",
		SourceTopic: "y/+/z/#",
		DestTopic:   "y/z/$2",
		Regex:       `^y/(.+)/z/(.+)$`,
		Action:      rewriteActionAll,
	}}

	rewritten, matched, err := TopicRewrite(rules, rewriteActionPublish, "y/a/z/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched || rewritten != "y/z/b" {
		t.Fatalf("expected y/z/b, got %q matched=%v", rewritten, matched)
	}
}

func TestTopicRewriteNoRuleMatchesIsPassthrough(t *testing.T) {
	rewritten, matched, err := TopicRewrite(nil, rewriteActionPublish, "y/a/z/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched || rewritten != "y/a/z/b" {
		t.Fatalf("expected passthrough, got %q matched=%v", rewritten, matched)
	}
}

func TestTopicRewriteActionGatesDirection(t *testing.T) {
	rules := []types.TopicRewriteRule{{
		Name:        "r1",
		SourceTopic: "y/+/z/#",
		DestTopic:   "y/z/$2",
		Regex:       `^y/(.+)/z/(.+)$`,
		Action:      rewriteActionSubscribe,
	}}

	_, matched, err := TopicRewrite(rules, rewriteActionPublish, "y/a/z/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if matched {
		t.Fatal("expected Subscribe-only rule to not apply on Publish direction")
	}

	rewritten, matched, err := TopicRewrite(rules, rewriteActionSubscribe, "y/a/z/b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched || rewritten != "y/z/b" {
		t.Fatalf("expected y/z/b on Subscribe direction, got %q matched=%v", rewritten, matched)
	}
}

func TestTopicRewriteWithoutRegexUsesLiteralDest(t *testing.T) {
	rules := []types.TopicRewriteRule{{
		Name:        "r1",
		SourceTopic: "old/topic",
		DestTopic:   "new/topic",
		Action:      rewriteActionAll,
	}}

	rewritten, matched, err := TopicRewrite(rules, rewriteActionPublish, "old/topic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !matched || rewritten != "new/topic" {
		t.Fatalf("expected new/topic, got %q matched=%v", rewritten, matched)
	}
}
