package subscribe

import (
	"sync"
	"time"

	"github.com/robustmq/robustmq/pkg/codec"
)

// PacketIDAllocator hands out MQTT packet identifiers for a single
// connection, wrapping through the 16-bit space while excluding ids
// still in flight. Id 0 is never issued.
type PacketIDAllocator struct {
	mu          sync.Mutex
	next        uint16
	inFlight    map[uint16]struct{}
	maxInFlight uint16
}

// NewPacketIDAllocator bounds the number of concurrently in-flight
// packet ids, matching the connection's negotiated receive maximum.
func NewPacketIDAllocator(maxInFlight uint16) *PacketIDAllocator {
	if maxInFlight == 0 {
		maxInFlight = 1
	}
	return &PacketIDAllocator{inFlight: make(map[uint16]struct{}), maxInFlight: maxInFlight}
}

// Allocate returns the next free packet id, or false if the connection
// already has maxInFlight ids outstanding.
func (a *PacketIDAllocator) Allocate() (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint16(len(a.inFlight)) >= a.maxInFlight {
		return 0, false
	}
	for i := uint16(0); i < 65535; i++ {
		a.next++
		if a.next == 0 {
			a.next = 1
		}
		if _, used := a.inFlight[a.next]; !used {
			a.inFlight[a.next] = struct{}{}
			return a.next, true
		}
	}
	return 0, false
}

// Release frees a packet id once its flow has completed (PUBACK for
// QoS1, PUBCOMP for QoS2).
func (a *PacketIDAllocator) Release(id uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, id)
}

// QoSState is a QoS1/QoS2 outbound publish's position in its
// acknowledgement handshake.
type QoSState uint8

const (
	AwaitingPubAck QoSState = iota
	AwaitingPubRec
	AwaitingPubComp
)

// InFlightPublish is one outbound QoS1/QoS2 publish awaiting
// acknowledgement, tracked so it can be redelivered (dup=1) on timeout.
type InFlightPublish struct {
	PacketID uint16
	QoS      uint8
	State    QoSState
	Packet   *codec.PublishPacket
	SentAt   time.Time
	Attempts int
}

// QoSTracker holds one connection's outstanding QoS1/QoS2 publishes and
// drives their PUBACK/PUBREC/PUBCOMP state transitions.
type QoSTracker struct {
	mu       sync.Mutex
	inFlight map[uint16]*InFlightPublish
}

// NewQoSTracker builds an empty tracker for one connection.
func NewQoSTracker() *QoSTracker {
	return &QoSTracker{inFlight: make(map[uint16]*InFlightPublish)}
}

// Track records a freshly sent QoS1/QoS2 publish.
func (t *QoSTracker) Track(packetID uint16, qos uint8, pkt *codec.PublishPacket) {
	state := AwaitingPubAck
	if qos == 2 {
		state = AwaitingPubRec
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[packetID] = &InFlightPublish{PacketID: packetID, QoS: qos, State: state, Packet: pkt, SentAt: time.Now()}
}

// OnPubAck completes a QoS1 publish. Returns false if no matching
// AwaitingPubAck entry exists.
func (t *QoSTracker) OnPubAck(packetID uint16) (*InFlightPublish, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.inFlight[packetID]
	if !ok || entry.State != AwaitingPubAck {
		return nil, false
	}
	delete(t.inFlight, packetID)
	return entry, true
}

// OnPubRec advances a QoS2 publish from AwaitingPubRec to
// AwaitingPubComp; the caller is responsible for sending PUBREL.
func (t *QoSTracker) OnPubRec(packetID uint16) (*InFlightPublish, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.inFlight[packetID]
	if !ok || entry.State != AwaitingPubRec {
		return nil, false
	}
	entry.State = AwaitingPubComp
	entry.SentAt = time.Now()
	entry.Attempts = 0
	return entry, true
}

// OnPubComp completes a QoS2 publish. Returns false if no matching
// AwaitingPubComp entry exists.
func (t *QoSTracker) OnPubComp(packetID uint16) (*InFlightPublish, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.inFlight[packetID]
	if !ok || entry.State != AwaitingPubComp {
		return nil, false
	}
	delete(t.inFlight, packetID)
	return entry, true
}

// Expired returns every in-flight entry whose last send is older than
// timeout, bumping its attempt counter and resetting SentAt so the
// caller can redeliver with dup=1.
func (t *QoSTracker) Expired(timeout time.Duration) []*InFlightPublish {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []*InFlightPublish
	now := time.Now()
	for _, entry := range t.inFlight {
		if now.Sub(entry.SentAt) >= timeout {
			entry.Attempts++
			entry.SentAt = now
			due = append(due, entry)
		}
	}
	return due
}
