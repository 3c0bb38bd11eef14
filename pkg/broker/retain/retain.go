// Package retain implements RetainStore, TopicRewrite and a bbolt-backed
// WillStore: the publish-path bookkeeping that sits between the
// subscribe manager and the journal append. None of the three talk to
// each other directly; the session/publish runtime calls into all
// three as needed.
package retain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/robustmq/robustmq/pkg/broker/subscribe"
	"github.com/robustmq/robustmq/pkg/types"
)

// RetainStore holds the single retained message kept per exact topic
// name: one per exact topic name, cleared by an empty-payload retained
// publish.
type RetainStore struct {
	mu      sync.RWMutex
	byTopic map[string]*types.RetainedMessage
}

// NewRetainStore builds an empty in-memory retain store.
func NewRetainStore() *RetainStore {
	return &RetainStore{byTopic: make(map[string]*types.RetainedMessage)}
}

// Set stores msg as the retained message for its topic, or clears any
// existing retained message for that topic if payload is empty.
func (s *RetainStore) Set(msg *types.RetainedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msg.Payload) == 0 {
		delete(s.byTopic, msg.Topic)
		return
	}
	s.byTopic[msg.Topic] = msg
}

// Get returns the retained message for an exact topic, if any.
func (s *RetainStore) Get(topic string) (*types.RetainedMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byTopic[topic]
	return m, ok
}

// Matching returns every retained message whose topic matches filter,
// for delivery to a client that just subscribed.
func (s *RetainStore) Matching(filter string) []*types.RetainedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.RetainedMessage
	for topic, msg := range s.byTopic {
		if subscribe.MatchTopic(filter, topic) {
			out = append(out, msg)
		}
	}
	return out
}

// rewriteAction gates which direction a rule applies to.
const (
	rewriteActionAll       = "All"
	rewriteActionPublish   = "Publish"
	rewriteActionSubscribe = "Subscribe"
)

// TopicRewrite evaluates a configured set of rewrite rules against a
// topic for a given direction ("Publish" or "Subscribe"), returning the
// rewritten topic and whether any rule matched. Rules are tried in
// order; the first whose SourceTopic filter matches topic and whose
// Action allows this direction wins.
func TopicRewrite(rules []types.TopicRewriteRule, direction, topic string) (string, bool, error) {
	for _, rule := range rules {
		if !actionAllows(rule.Action, direction) {
			continue
		}
		if !subscribe.MatchTopic(rule.SourceTopic, topic) {
			continue
		}
		rewritten, err := applyRule(rule, topic)
		if err != nil {
			return "", false, fmt.Errorf("rewrite rule %s: %w", rule.Name, err)
		}
		return rewritten, true, nil
	}
	return topic, false, nil
}

func actionAllows(ruleAction, direction string) bool {
	return ruleAction == rewriteActionAll || ruleAction == direction
}

func applyRule(rule types.TopicRewriteRule, topic string) (string, error) {
	if rule.Regex == "" {
		return rule.DestTopic, nil
	}
	re, err := regexp.Compile(rule.Regex)
	if err != nil {
		return "", fmt.Errorf("compile regex %q: %w", rule.Regex, err)
	}
	groups := re.FindStringSubmatch(topic)
	if groups == nil {
		return "", fmt.Errorf("regex %q does not match topic %q", rule.Regex, topic)
	}
	return substituteGroups(rule.DestTopic, groups), nil
}

// substituteGroups replaces every $N placeholder in dest with the
// corresponding capture group from groups (groups[0] is the whole
// match, so $0 expands to it). A $N past the last group expands to
// nothing.
func substituteGroups(dest string, groups []string) string {
	var b strings.Builder
	for i := 0; i < len(dest); i++ {
		c := dest[i]
		if c != '$' || i+1 >= len(dest) {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(dest) && dest[j] >= '0' && dest[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		n, _ := strconv.Atoi(dest[i+1 : j])
		if n < len(groups) {
			b.WriteString(groups[n])
		}
		i = j - 1
	}
	return b.String()
}
