// Package conn implements the per-TCP-connection MQTT protocol loop: it
// decodes control packets off a live net.Conn and dispatches each one to
// session.Runtime, subscribe.Manager, auth.Checker, retain.RetainStore and
// the journal router, the way journal.Server dispatches framed journal
// requests to a ShardRegistry.
package conn

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/robustmq/robustmq/pkg/broker/auth"
	"github.com/robustmq/robustmq/pkg/broker/retain"
	"github.com/robustmq/robustmq/pkg/broker/session"
	"github.com/robustmq/robustmq/pkg/broker/subscribe"
	"github.com/robustmq/robustmq/pkg/broker/systopics"
	"github.com/robustmq/robustmq/pkg/client"
	"github.com/robustmq/robustmq/pkg/codec"
	"github.com/robustmq/robustmq/pkg/errs"
	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/types"
)

// JournalAppender is the subset of journalio.Router the publish path
// needs: append one batch of records to whatever shard backs a topic.
type JournalAppender interface {
	Append(ctx context.Context, topic string, records []client.DataRecord) ([]int64, error)
}

// defaultMaxInFlight bounds a connection's own packet-id bookkeeping when
// a CONNECT carries no explicit Receive Maximum (MQTT5 only).
const defaultMaxInFlight = 65535

// readTimeout is zero: no read deadline is set on the transport, and the
// connection loop does not call session.Runtime.KeepaliveTimedOut, so a
// client that goes silent stays connected until its transport errors.
const readTimeout = 0

// Deps bundles every collaborator the connection loop dispatches into.
// Events may be nil to skip $SYS lifecycle publication.
type Deps struct {
	Session  *session.Runtime
	Subs     *subscribe.Manager
	ACL      *auth.Checker
	Retain   *retain.RetainStore
	Journal  JournalAppender
	Events   *systopics.Publisher
	NodeID   string
}

// Publisher is the broker's single "publish" entry point: retain, journal
// append and exclusive-subscriber fan-out, shared by client PUBLISH
// handling, will delivery (session.Publisher) and $SYS event delivery
// (systopics.Sender).
type Publisher struct {
	journal  JournalAppender
	subs     *subscribe.Manager
	retained *retain.RetainStore
	registry *Registry
}

// NewPublisher builds the shared publish path.
func NewPublisher(journal JournalAppender, subs *subscribe.Manager, retained *retain.RetainStore, registry *Registry) *Publisher {
	return &Publisher{journal: journal, subs: subs, retained: retained, registry: registry}
}

// Publish appends payload to topic's shard, updates the retained-message
// table, and fans it out to every matching exclusive subscriber.
// Shared-subscription delivery is not driven from here — it is pulled
// independently by subscribe.SharePushManager.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, qos uint8, retainFlag bool) error {
	if retainFlag {
		p.retained.Set(&types.RetainedMessage{Topic: topic, Payload: payload, QoS: qos, StoredAt: time.Now()})
	}

	if _, err := p.journal.Append(ctx, topic, []client.DataRecord{{Value: payload}}); err != nil {
		return fmt.Errorf("append to journal: %w", err)
	}

	logger := log.WithComponent("publish-fanout")
	for _, sub := range p.subs.MatchingSubscriptions(topic) {
		deliverQoS := qos
		if sub.QoS < deliverQoS {
			deliverQoS = sub.QoS
		}
		pkt := &codec.PublishPacket{Topic: topic, Payload: payload, QoS: deliverQoS, Retain: retainFlag}
		if err := p.registry.Send(ctx, sub.ClientID, pkt); err != nil {
			logger.Debug().Str("client_id", sub.ClientID).Err(err).Msg("deliver publish failed")
		}
	}
	return nil
}

// Registry tracks every live connection by client id and implements
// subscribe.Sender, so the push loops and Publisher can address a
// specific client without knowing which socket it landed on.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry builds an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.clientID] = c
}

// remove drops clientID from the registry, but only if it still maps to
// this exact connection — a session takeover may have already replaced
// it with a newer one.
func (r *Registry) remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.clientID] == c {
		delete(r.conns, c.clientID)
	}
}

// Send implements subscribe.Sender.
func (r *Registry) Send(ctx context.Context, clientID string, pkt *codec.PublishPacket) error {
	r.mu.RLock()
	c, ok := r.conns[clientID]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, "client not connected to this node: "+clientID)
	}
	return c.writePublish(pkt)
}

// Handler accepts raw TCP (or TLS) connections and runs the MQTT loop on
// each, mirroring journal.Server's Serve shape over a different wire
// format.
type Handler struct {
	deps      Deps
	registry  *Registry
	publisher *Publisher
}

// NewHandler builds a connection handler. publisher is the shared
// publish path PUBLISH handling funnels through.
func NewHandler(deps Deps, registry *Registry, publisher *Publisher) *Handler {
	return &Handler{deps: deps, registry: registry, publisher: publisher}
}

// Serve accepts connections on ln until it errors or is closed.
func (h *Handler) Serve(ln net.Listener) error {
	logger := log.WithComponent("mqtt-conn")
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		logger.Debug().Str("remote", nc.RemoteAddr().String()).Msg("accepted mqtt connection")
		go h.ServeConn(nc)
	}
}

// Transport is the minimal byte-stream surface a connection loop needs;
// net.Conn satisfies it directly, and the websocket and QUIC listeners
// adapt their own stream types to it.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteAddr() net.Addr
}

// ServeConn runs the MQTT protocol loop over one already-accepted
// transport (TCP, TLS, websocket or QUIC stream), blocking until the
// client disconnects or the transport errors.
func (h *Handler) ServeConn(t Transport) {
	c := &Conn{
		nc:       t,
		br:       bufio.NewReader(t),
		deps:     h.deps,
		registry: h.registry,
		pub:      h.publisher,
		version:  codec.Version4,
	}
	defer c.close()
	c.run()
}

// Conn is one client's MQTT session over a live socket. Only one
// goroutine ever reads from nc (c.run's loop); writes are guarded by
// writeMu since Registry.Send can be called concurrently from another
// connection's fan-out or from SharePushManager.
type Conn struct {
	nc   Transport
	br   *bufio.Reader
	deps Deps
	pub  *Publisher

	registry *Registry

	writeMu sync.Mutex
	version codec.ProtocolVersion

	connectionID string
	clientID     string
	username     string
	superuser    bool
	maxInFlight  uint16
	connected    bool
}

func (c *Conn) close() {
	if c.connected {
		c.registry.remove(c)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.deps.Session.Disconnect(ctx, c.clientID, time.Now()); err != nil {
			log.WithComponent("mqtt-conn").Warn().Str("client_id", c.clientID).Err(err).Msg("disconnect bookkeeping failed")
		}
		cancel()
		c.deps.Subs.UnsubscribeAll(c.clientID)
		if c.deps.Events != nil {
			c.deps.Events.Untrack(c.clientID)
		}
	}
	_ = c.nc.Close()
}

func (c *Conn) run() {
	logger := log.WithComponent("mqtt-conn")
	for {
		h, body, err := readFrame(c.br)
		if err != nil {
			if err != io.EOF {
				logger.Debug().Str("client_id", c.clientID).Err(err).Msg("read frame failed")
			}
			return
		}

		if err := c.dispatch(h, body); err != nil {
			logger.Warn().Str("client_id", c.clientID).Str("packet", h.Type.String()).Err(err).Msg("dispatch failed")
			return
		}
	}
}

func (c *Conn) dispatch(h *codec.FixedHeader, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch h.Type {
	case codec.Connect:
		return c.handleConnect(ctx, body)
	case codec.Publish:
		return c.handlePublish(ctx, h, body)
	case codec.PubAck, codec.PubRec, codec.PubRel, codec.PubComp:
		return c.handleAck(h.Type, body)
	case codec.Subscribe:
		return c.handleSubscribe(ctx, body)
	case codec.Unsubscribe:
		return c.handleUnsubscribe(body)
	case codec.PingReq:
		return c.write(codec.EncodePingResp())
	case codec.Disconnect:
		_, _ = codec.DecodeDisconnect(body, c.version)
		return io.EOF
	default:
		return errs.New(errs.Protocol, "unexpected packet type on established connection: "+h.Type.String())
	}
}

func (c *Conn) handleConnect(ctx context.Context, body []byte) error {
	if c.connected {
		return errs.New(errs.Protocol, "duplicate CONNECT on an established connection")
	}

	pkt, err := codec.DecodeConnect(body)
	if err != nil {
		return err
	}
	c.version = pkt.ProtocolVersion

	c.connectionID = newConnectionID()
	c.username = pkt.Username
	host, _, _ := net.SplitHostPort(c.nc.RemoteAddr().String())

	var will *types.LastWill
	if pkt.WillFlag {
		will = &types.LastWill{
			ClientID: pkt.ClientID,
			Topic:    pkt.WillTopic,
			Payload:  pkt.WillPayload,
			QoS:      pkt.WillQoS,
			Retain:   pkt.WillRetain,
		}
		if pkt.WillProperties != nil {
			if v, ok := pkt.WillProperties.Int(codec.PropWillDelayInterval); ok {
				will.DelayInterval = v
			}
		}
	}

	maxInFlight := uint16(defaultMaxInFlight)
	if pkt.Properties != nil {
		if v, ok := pkt.Properties.Int(codec.PropReceiveMaximum); ok && v > 0 && v < defaultMaxInFlight {
			maxInFlight = uint16(v)
		}
	}
	c.maxInFlight = maxInFlight

	result, err := c.deps.Session.Connect(ctx, session.ConnectRequest{
		ConnectionID:    c.connectionID,
		ClientID:        pkt.ClientID,
		CleanSession:    pkt.CleanStart,
		Username:        pkt.Username,
		Password:        pkt.Password,
		SourceIP:        host,
		ProtocolVersion: uint8(pkt.ProtocolVersion),
		KeepAlive:       pkt.KeepAlive,
		Will:            will,
	}, time.Now())
	if err != nil {
		return fmt.Errorf("session connect: %w", err)
	}

	ack := &codec.ConnAckPacket{SessionPresent: result.SessionPresent, ReasonV5: result.ReasonV5, ReturnCodeV3: codec.MapV5ToLegacy(result.ReasonV5)}
	out, err := codec.EncodeConnAck(ack, c.version)
	if err != nil {
		return err
	}
	if err := c.write(out); err != nil {
		return err
	}
	if result.ReasonV5 != codec.ReasonSuccess {
		return io.EOF
	}

	c.clientID = pkt.ClientID
	c.superuser = result.Superuser
	c.connected = true
	c.registry.add(c)
	if c.deps.Events != nil {
		c.deps.Events.Track(systopics.ClientInfo{ClientID: c.clientID, Username: c.username, IP: host, Protocol: "mqtt"})
	}
	return nil
}

func (c *Conn) handlePublish(ctx context.Context, h *codec.FixedHeader, body []byte) error {
	pkt, err := codec.DecodePublish(h, body, c.version)
	if err != nil {
		return err
	}

	allowed, err := c.deps.ACL.Allow(ctx, auth.Request{
		ClientID: c.clientID, Username: c.username, Topic: pkt.Topic,
		Action: types.ACLActionPublish, Superuser: c.superuser,
	})
	if err != nil {
		return fmt.Errorf("acl check: %w", err)
	}
	if !allowed {
		return c.ackPublish(pkt, codec.AckUnspecifiedError)
	}

	if err := c.pub.Publish(ctx, pkt.Topic, pkt.Payload, pkt.QoS, pkt.Retain); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return c.ackPublish(pkt, codec.AckSuccess)
}

// ackPublish replies with the per-QoS handshake packet: nothing for
// QoS0, PUBACK for QoS1, PUBREC (awaiting PUBREL) for QoS2.
func (c *Conn) ackPublish(pkt *codec.PublishPacket, reason codec.AckReasonV5) error {
	switch pkt.QoS {
	case 0:
		return nil
	case 1:
		return c.writeAck(codec.PubAck, pkt.PacketID, reason)
	default:
		return c.writeAck(codec.PubRec, pkt.PacketID, reason)
	}
}

// handleAck completes the QoS2 handshake: a PUBREL from the client is
// answered with PUBCOMP. PUBACK/PUBREC/PUBCOMP arriving here are replies
// to messages this connection sent outbound at QoS>0; since the fan-out
// path does not track in-flight state (subscribe.SharePushManager's
// pull loop has the same simplification), they are simply acknowledged
// as received with no further bookkeeping.
func (c *Conn) handleAck(t codec.PacketType, body []byte) error {
	ack, err := codec.DecodeAck(t, body, c.version)
	if err != nil {
		return err
	}
	if t == codec.PubRel {
		return c.writeAck(codec.PubComp, ack.PacketID, codec.AckSuccess)
	}
	return nil
}

func (c *Conn) handleSubscribe(ctx context.Context, body []byte) error {
	pkt, err := codec.DecodeSubscribe(body, c.version)
	if err != nil {
		return err
	}

	reasons := make([]codec.ConnAckReasonV5, len(pkt.Subscriptions))
	returnCodes := make([]uint8, len(pkt.Subscriptions))
	var retainedToSend []*types.RetainedMessage

	for i, req := range pkt.Subscriptions {
		group, filter := subscribe.ParseFilter(req.Filter)

		allowed, err := c.deps.ACL.Allow(ctx, auth.Request{
			ClientID: c.clientID, Username: c.username, Topic: filter,
			Action: types.ACLActionSubscribe, Superuser: c.superuser,
		})
		if err != nil {
			return fmt.Errorf("acl check: %w", err)
		}
		if !allowed {
			reasons[i] = codec.ReasonNotAuthorized
			returnCodes[i] = 0x80
			continue
		}

		sub := types.Subscription{
			ClientID: c.clientID, Path: req.Filter, QoS: req.QoS,
			ShareGroup: group, CreatedAt: time.Now(),
		}
		if err := c.deps.Subs.Subscribe(sub); err != nil {
			reasons[i] = codec.ReasonUnspecifiedError
			returnCodes[i] = 0x80
			continue
		}

		reasons[i] = codec.ConnAckReasonV5(req.QoS)
		returnCodes[i] = req.QoS
		if group == "" {
			retainedToSend = append(retainedToSend, c.deps.Retain.Matching(filter)...)
		}
		if c.deps.Events != nil {
			c.deps.Events.PublishSubscribed(sub)
		}
	}

	ack := &codec.SubAckPacket{PacketID: pkt.PacketID, ReasonV5: reasons, ReturnCode: returnCodes}
	out, err := codec.EncodeSubAck(ack, c.version)
	if err != nil {
		return err
	}
	if err := c.write(out); err != nil {
		return err
	}

	for _, msg := range retainedToSend {
		rpkt := &codec.PublishPacket{Topic: msg.Topic, Payload: msg.Payload, QoS: msg.QoS, Retain: true}
		if err := c.writePublish(rpkt); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) handleUnsubscribe(body []byte) error {
	pkt, err := codec.DecodeUnsubscribe(body, c.version)
	if err != nil {
		return err
	}
	reasons := make([]codec.ConnAckReasonV5, len(pkt.Filters))
	for i, filter := range pkt.Filters {
		c.deps.Subs.Unsubscribe(c.clientID, filter)
		reasons[i] = codec.ReasonSuccess
		if c.deps.Events != nil {
			_, plain := subscribe.ParseFilter(filter)
			c.deps.Events.PublishUnsubscribed(c.clientID, plain)
		}
	}
	ack := &codec.UnsubAckPacket{PacketID: pkt.PacketID, ReasonV5: reasons}
	out, err := codec.EncodeUnsubAck(ack, c.version)
	if err != nil {
		return err
	}
	return c.write(out)
}

func (c *Conn) writeAck(t codec.PacketType, packetID uint16, reason codec.AckReasonV5) error {
	out, err := codec.EncodeAck(&codec.AckPacket{Type: t, PacketID: packetID, Reason: reason}, c.version)
	if err != nil {
		return err
	}
	return c.write(out)
}

// writePublish encodes pkt for this connection's own negotiated version
// and writes it — the one piece of per-recipient state Registry.Send
// needs that the shared Publisher doesn't have.
func (c *Conn) writePublish(pkt *codec.PublishPacket) error {
	out, err := codec.EncodePublish(pkt, c.version)
	if err != nil {
		return err
	}
	return c.write(out)
}

func (c *Conn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(b)
	return err
}

// readFrame reads one MQTT control packet's fixed header and body off
// br. DecodeFixedHeader itself takes a *bytes.Reader since it is also
// exercised against fully-buffered test frames; here the remaining
// length must be decoded directly off the live socket, one byte at a
// time, before the body can be sized and read.
func readFrame(br *bufio.Reader) (*codec.FixedHeader, []byte, error) {
	first, err := br.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	remLen, err := codec.DecodeRemainingLength(br)
	if err != nil {
		return nil, nil, err
	}
	h := &codec.FixedHeader{
		Type:            codec.PacketType(first >> 4),
		Dup:             first&0x08 != 0,
		QoS:             (first >> 1) & 0x03,
		Retain:          first&0x01 != 0,
		RemainingLength: remLen,
	}
	body := make([]byte, remLen)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, nil, errs.Wrap(errs.Protocol, "short read on packet body", err)
	}
	return h, body, nil
}

func newConnectionID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
