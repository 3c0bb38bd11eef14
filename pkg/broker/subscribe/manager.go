package subscribe

import (
	"fmt"
	"sync"

	"github.com/robustmq/robustmq/pkg/types"
)

// Bucket is a shared-subscription's per-group subscriber ring: a
// key_seq-ordered slice that Next rotates through round-robin.
type Bucket struct {
	mu   sync.Mutex
	subs []types.Subscription
	seq  uint64
}

// Add appends a subscriber, replacing any existing entry for the same
// client_id (idempotent re-subscribe).
func (b *Bucket) Add(sub types.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ClientID == sub.ClientID {
			b.subs[i] = sub
			return
		}
	}
	b.subs = append(b.subs, sub)
}

// Remove drops a subscriber by client_id.
func (b *Bucket) Remove(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ClientID == clientID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len reports the live subscriber count.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Next rotates the bucket's seq counter and returns the next subscriber
// for which skip returns false, trying at most len(subs) candidates —
// round-robin across the group's available clients.
func (b *Bucket) Next(skip func(clientID string) bool) (types.Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subs)
	if n == 0 {
		return types.Subscription{}, false
	}
	for attempt := 0; attempt < n; attempt++ {
		idx := int(b.seq % uint64(n))
		b.seq++
		candidate := b.subs[idx]
		if !skip(candidate.ClientID) {
			return candidate, true
		}
	}
	return types.Subscription{}, false
}

// Manager is SubscribeManager: the registry of exclusive and shared
// subscriptions plus the bookkeeping (not-push deny set, packet-id
// allocators) the dispatch loops need.
type Manager struct {
	mu sync.RWMutex

	// exclusive[client_id][path] -> Subscription
	exclusive map[string]map[string]types.Subscription

	// shareBuckets[group] is the round-robin subscriber ring for a
	// shared-subscription group; shareGroupTopics[group] is the set of
	// resolved topics currently feeding it.
	shareBuckets     map[string]*Bucket
	shareGroupTopics map[string]map[string]struct{}

	// topicCache memoizes MatchingSubscriptions(topic); invalidated in
	// full on any exclusive subscribe/unsubscribe rather than tracking
	// per-topic dependency edges.
	topicCache map[string][]types.Subscription

	notPush map[string]struct{}

	packetIDs map[string]*PacketIDAllocator
}

// NewManager builds an empty SubscribeManager.
func NewManager() *Manager {
	return &Manager{
		exclusive:        make(map[string]map[string]types.Subscription),
		shareBuckets:     make(map[string]*Bucket),
		shareGroupTopics: make(map[string]map[string]struct{}),
		topicCache:       make(map[string][]types.Subscription),
		notPush:          make(map[string]struct{}),
		packetIDs:        make(map[string]*PacketIDAllocator),
	}
}

// Subscribe registers one (client_id, path) subscription, routing a
// $share/<group>/<filter> path into the shared registry and everything
// else into the exclusive one.
func (m *Manager) Subscribe(sub types.Subscription) error {
	if !ValidFilter(stripShareGroup(sub.Path)) {
		return fmt.Errorf("invalid subscription filter %q", sub.Path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.IsShared() {
		bucket, ok := m.shareBuckets[sub.ShareGroup]
		if !ok {
			bucket = &Bucket{}
			m.shareBuckets[sub.ShareGroup] = bucket
		}
		bucket.Add(sub)
		topics, ok := m.shareGroupTopics[sub.ShareGroup]
		if !ok {
			topics = make(map[string]struct{})
			m.shareGroupTopics[sub.ShareGroup] = topics
		}
		topics[stripShareGroup(sub.Path)] = struct{}{}
		return nil
	}

	byPath, ok := m.exclusive[sub.ClientID]
	if !ok {
		byPath = make(map[string]types.Subscription)
		m.exclusive[sub.ClientID] = byPath
	}
	byPath[sub.Path] = sub
	m.topicCache = make(map[string][]types.Subscription)
	return nil
}

// Unsubscribe removes one (client_id, path) subscription, from whichever
// registry it lives in.
func (m *Manager) Unsubscribe(clientID, path string) {
	group, _ := ParseFilter(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if group != "" {
		if bucket, ok := m.shareBuckets[group]; ok {
			bucket.Remove(clientID)
			if bucket.Len() == 0 {
				delete(m.shareBuckets, group)
				delete(m.shareGroupTopics, group)
			}
		}
		return
	}

	if byPath, ok := m.exclusive[clientID]; ok {
		delete(byPath, path)
		if len(byPath) == 0 {
			delete(m.exclusive, clientID)
		}
	}
	m.topicCache = make(map[string][]types.Subscription)
}

// UnsubscribeAll removes every subscription — exclusive and shared — for
// a client, on disconnect/session-takeover.
func (m *Manager) UnsubscribeAll(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exclusive, clientID)
	for group, bucket := range m.shareBuckets {
		bucket.Remove(clientID)
		if bucket.Len() == 0 {
			delete(m.shareBuckets, group)
			delete(m.shareGroupTopics, group)
		}
	}
	m.topicCache = make(map[string][]types.Subscription)
	delete(m.packetIDs, clientID)
}

// MatchingSubscriptions returns every exclusive subscription whose
// filter matches topic, used by the publish-time fan-out path. Shared
// subscriptions are never returned here — they are served by each
// group's independent pull loop against the journal, not by publish-time
// fan-out.
func (m *Manager) MatchingSubscriptions(topic string) []types.Subscription {
	m.mu.Lock()
	if cached, ok := m.topicCache[topic]; ok {
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	m.mu.RLock()
	var matches []types.Subscription
	for _, byPath := range m.exclusive {
		for path, sub := range byPath {
			if MatchTopic(path, topic) {
				matches = append(matches, sub)
			}
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	m.topicCache[topic] = matches
	m.mu.Unlock()
	return matches
}

// ShareGroupTopics returns the resolved topic set currently feeding a
// shared-subscription group.
func (m *Manager) ShareGroupTopics(group string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.shareGroupTopics[group]
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	return topics
}

// NextShareSubscriber picks the next live subscriber for a shared group
// via Bucket.Next, skipping clients currently in the not-push-client
// deny set.
func (m *Manager) NextShareSubscriber(group string) (types.Subscription, bool) {
	m.mu.RLock()
	bucket, ok := m.shareBuckets[group]
	m.mu.RUnlock()
	if !ok {
		return types.Subscription{}, false
	}
	return bucket.Next(m.IsUnavailable)
}

// MarkUnavailable adds a client to the temporary not-push-client deny
// set, e.g. after a transport failure delivering a shared-subscription
// message.
func (m *Manager) MarkUnavailable(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notPush[clientID] = struct{}{}
}

// ClearUnavailable removes a client from the deny set, e.g. once it
// reconnects.
func (m *Manager) ClearUnavailable(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notPush, clientID)
}

// IsUnavailable reports whether a client is currently in the
// not-push-client deny set.
func (m *Manager) IsUnavailable(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, denied := m.notPush[clientID]
	return denied
}

// PacketIDAllocatorFor returns the per-client packet-id allocator,
// creating one bounded at maxInFlight on first use.
func (m *Manager) PacketIDAllocatorFor(clientID string, maxInFlight uint16) *PacketIDAllocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.packetIDs[clientID]
	if !ok {
		a = NewPacketIDAllocator(maxInFlight)
		m.packetIDs[clientID] = a
	}
	return a
}

func stripShareGroup(raw string) string {
	_, filter := ParseFilter(raw)
	return filter
}
