package systopics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/types"
)

// Sender hands a message into the normal publish path (journal append
// plus subscriber fan-out).
type Sender interface {
	Publish(ctx context.Context, topic string, payload []byte, qos uint8, retain bool) error
}

// ClientInfo is the connection-identifying fields every lifecycle event
// payload carries.
type ClientInfo struct {
	ClientID string
	Username string
	IP       string
	Protocol string
}

// connectedPayload is the JSON body published to .../connected.
type connectedPayload struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	IP       string `json:"ip"`
	Protocol string `json:"protocol"`
	Ts       int64  `json:"ts"`
}

// disconnectedPayload is the JSON body published to .../disconnected.
type disconnectedPayload struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	IP       string `json:"ip"`
	Protocol string `json:"protocol"`
	Reason   string `json:"reason,omitempty"`
	Ts       int64  `json:"ts"`
}

// subscriptionOptions mirrors the options carried on a subscribe/
// unsubscribe lifecycle payload.
type subscriptionOptions struct {
	QoS            uint8  `json:"qos"`
	NoLocal        bool   `json:"no_local"`
	RetainHandling uint8  `json:"retain_handling"`
	ShareGroup     string `json:"share_group,omitempty"`
}

type subscribedPayload struct {
	ClientID string              `json:"client_id"`
	Username string              `json:"username"`
	IP       string              `json:"ip"`
	Protocol string              `json:"protocol"`
	Topic    string              `json:"topic"`
	Options  subscriptionOptions `json:"options"`
	Ts       int64               `json:"ts"`
}

type unsubscribedPayload struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	IP       string `json:"ip"`
	Protocol string `json:"protocol"`
	Topic    string `json:"topic"`
	Ts       int64  `json:"ts"`
}

// Publisher is SystemTopics: it publishes $SYS lifecycle notifications
// for a single broker node, both onto the broker's own $SYS topics and
// onto an in-process Bus for internal listeners. It satisfies
// session.EventPublisher.
type Publisher struct {
	nodeID string
	sender Sender
	bus    *Bus

	clients map[string]ClientInfo // client_id -> last known connection info
}

// NewPublisher builds a SystemTopics publisher for one broker node.
// bus may be nil to skip in-process fan-out.
func NewPublisher(nodeID string, sender Sender, bus *Bus) *Publisher {
	return &Publisher{nodeID: nodeID, sender: sender, bus: bus, clients: make(map[string]ClientInfo)}
}

// Track records a client's connection info so later lifecycle events
// for that client (disconnect, subscribe, unsubscribe) can include
// username/ip/protocol without the caller threading them through again.
func (p *Publisher) Track(info ClientInfo) {
	p.clients[info.ClientID] = info
}

// Untrack drops a client's tracked connection info, normally called
// once its disconnected event has been published.
func (p *Publisher) Untrack(clientID string) {
	delete(p.clients, clientID)
}

func (p *Publisher) topic(clientID, suffix string) string {
	return fmt.Sprintf("$SYS/brokers/%s/clients/%s/%s", p.nodeID, clientID, suffix)
}

// PublishConnected implements session.EventPublisher.
func (p *Publisher) PublishConnected(clientID string) {
	info := p.clients[clientID]
	payload, err := json.Marshal(connectedPayload{
		ClientID: clientID, Username: info.Username, IP: info.IP, Protocol: info.Protocol,
		Ts: time.Now().UnixMilli(),
	})
	p.publish(clientID, "connected", payload, err)
}

// PublishDisconnected implements session.EventPublisher.
func (p *Publisher) PublishDisconnected(clientID string) {
	info := p.clients[clientID]
	payload, err := json.Marshal(disconnectedPayload{
		ClientID: clientID, Username: info.Username, IP: info.IP, Protocol: info.Protocol,
		Ts: time.Now().UnixMilli(),
	})
	p.publish(clientID, "disconnected", payload, err)
}

// PublishSubscribed announces a new subscription, including its options.
func (p *Publisher) PublishSubscribed(sub types.Subscription) {
	info := p.clients[sub.ClientID]
	payload, err := json.Marshal(subscribedPayload{
		ClientID: sub.ClientID, Username: info.Username, IP: info.IP, Protocol: info.Protocol,
		Topic: sub.Path,
		Options: subscriptionOptions{
			QoS: sub.QoS, NoLocal: sub.NoLocal, RetainHandling: uint8(sub.RetainHandling), ShareGroup: sub.ShareGroup,
		},
		Ts: time.Now().UnixMilli(),
	})
	p.publish(sub.ClientID, "subscribed", payload, err)
}

// PublishUnsubscribed announces an unsubscribe for (clientID, topic).
func (p *Publisher) PublishUnsubscribed(clientID, topic string) {
	info := p.clients[clientID]
	payload, err := json.Marshal(unsubscribedPayload{
		ClientID: clientID, Username: info.Username, IP: info.IP, Protocol: info.Protocol,
		Topic: topic, Ts: time.Now().UnixMilli(),
	})
	p.publish(clientID, "unsubscribed", payload, err)
}

func (p *Publisher) publish(clientID, suffix string, payload []byte, marshalErr error) {
	logger := log.WithComponent("systopics")
	if marshalErr != nil {
		logger.Warn().Str("client_id", clientID).Str("event", suffix).Err(marshalErr).Msg("encode lifecycle event failed")
		return
	}

	topic := p.topic(clientID, suffix)
	if err := p.sender.Publish(context.Background(), topic, payload, 0, false); err != nil {
		logger.Warn().Str("client_id", clientID).Str("topic", topic).Err(err).Msg("publish lifecycle event failed")
	}

	if p.bus != nil {
		p.bus.Publish(&Event{Type: EventType("client." + suffix), ClientID: clientID, Topic: topic, Payload: payload})
	}
}
