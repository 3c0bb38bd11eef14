// Package session implements SessionRuntime: CONNECT/DISCONNECT
// handling, session-present resolution, last-will storage and delivery,
// flapping detection, and keepalive enforcement.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robustmq/robustmq/pkg/codec"
	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/types"
)

// Store persists session records through the meta service (Raft-backed);
// a session GC loop and CONNECT/DISCONNECT handling are its only
// writers.
type Store interface {
	GetSession(ctx context.Context, clientID string) (*types.MqttSession, bool, error)
	SaveSession(ctx context.Context, sess *types.MqttSession) error
	DeleteSession(ctx context.Context, clientID string) error
	ListSessions(ctx context.Context) ([]*types.MqttSession, error)
}

// WillStore persists last-will messages, one per client_id.
type WillStore interface {
	SaveWill(ctx context.Context, will *types.LastWill) error
	GetWill(ctx context.Context, clientID string) (*types.LastWill, bool, error)
	DeleteWill(ctx context.Context, clientID string) error
	ListWills(ctx context.Context) ([]*types.LastWill, error)
}

// LoginChecker runs the configured AuthDriver login chain.
type LoginChecker interface {
	Login(ctx context.Context, clientID, username, password, sourceIP string) (allow bool, superuser bool, err error)
}

// Publisher hands a message into the normal publish path (journal
// append plus fan-out) — used to deliver an expired will message.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos uint8, retain bool) error
}

// EventPublisher emits $SYS lifecycle events. Optional: a nil
// EventPublisher silently skips event publication.
type EventPublisher interface {
	PublishConnected(clientID string)
	PublishDisconnected(clientID string)
}

// ConnectRequest is one CONNECT packet's already-decoded fields.
type ConnectRequest struct {
	ConnectionID    string
	ClientID        string
	CleanSession    bool
	Username        string
	Password        string
	SourceIP        string
	ProtocolVersion uint8
	KeepAlive       uint16
	Will            *types.LastWill
}

// ConnectResult is what the connection layer needs to build a CONNACK.
type ConnectResult struct {
	ReasonV5       codec.ConnAckReasonV5
	SessionPresent bool
	Superuser      bool
}

// Runtime is SessionRuntime.
type Runtime struct {
	store     Store
	wills     WillStore
	login     LoginChecker
	publisher Publisher
	events    EventPublisher
	flapping  *FlappingGuard

	keepaliveFactor float64
}

// New builds a SessionRuntime. events may be nil.
func New(store Store, wills WillStore, login LoginChecker, publisher Publisher, events EventPublisher, flapping *FlappingGuard) *Runtime {
	return &Runtime{
		store: store, wills: wills, login: login, publisher: publisher,
		events: events, flapping: flapping, keepaliveFactor: 1.5,
	}
}

// Connect validates and admits a CONNECT, returning the reason code and
// session-present flag the caller encodes into its CONNACK.
func (r *Runtime) Connect(ctx context.Context, req ConnectRequest, now time.Time) (ConnectResult, error) {
	if req.ClientID == "" {
		return ConnectResult{ReasonV5: codec.ReasonClientIdentifierNotValid}, nil
	}

	if r.flapping != nil && !r.flapping.Allow(req.ClientID, now) {
		return ConnectResult{ReasonV5: codec.ReasonBanned}, nil
	}

	allow, superuser, err := r.login.Login(ctx, req.ClientID, req.Username, req.Password, req.SourceIP)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("login check: %w", err)
	}
	if !allow {
		return ConnectResult{ReasonV5: codec.ReasonNotAuthorized}, nil
	}

	existing, found, err := r.store.GetSession(ctx, req.ClientID)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("lookup session: %w", err)
	}

	sessionPresent := false
	var sess *types.MqttSession
	switch {
	case req.CleanSession:
		sess = &types.MqttSession{ClientID: req.ClientID, CreatedAt: now}
	case found && !existing.Expired(now.Unix()):
		sess = existing
		sessionPresent = true
	default:
		sess = &types.MqttSession{ClientID: req.ClientID, CreatedAt: now, Durable: true}
	}

	sess.ConnectionID = req.ConnectionID
	sess.KeepAlive = req.KeepAlive
	sess.DistinctTime = 0
	if req.Will != nil {
		sess.LastWillDelayInterval = req.Will.DelayInterval
	}

	if err := r.store.SaveSession(ctx, sess); err != nil {
		return ConnectResult{}, fmt.Errorf("save session: %w", err)
	}

	if req.Will != nil {
		if err := r.wills.SaveWill(ctx, req.Will); err != nil {
			return ConnectResult{}, fmt.Errorf("save will: %w", err)
		}
	} else if req.CleanSession {
		if err := r.wills.DeleteWill(ctx, req.ClientID); err != nil {
			return ConnectResult{}, fmt.Errorf("clear will: %w", err)
		}
	}

	if r.events != nil {
		r.events.PublishConnected(req.ClientID)
	}

	return ConnectResult{ReasonV5: codec.ReasonSuccess, SessionPresent: sessionPresent, Superuser: superuser}, nil
}

// Disconnect marks a session as no longer connected; will-delivery and
// eventual session GC are both driven by the separately-ticking loops
// below rather than scheduled here.
func (r *Runtime) Disconnect(ctx context.Context, clientID string, now time.Time) error {
	sess, found, err := r.store.GetSession(ctx, clientID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if !found {
		return nil
	}
	sess.ConnectionID = ""
	sess.DistinctTime = now.Unix()
	if err := r.store.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if r.events != nil {
		r.events.PublishDisconnected(clientID)
	}
	return nil
}

// RunSessionGC scans for sessions past their expiry window on a 1s tick
// and deletes them.
func (r *Runtime) RunSessionGC(ctx context.Context) {
	r.runTicker(ctx, time.Second, r.gcOnce)
}

func (r *Runtime) gcOnce(ctx context.Context) {
	logger := log.WithComponent("session-gc")
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("list sessions failed")
		return
	}
	now := time.Now().Unix()
	for _, sess := range sessions {
		if !sess.Expired(now) {
			continue
		}
		if err := r.store.DeleteSession(ctx, sess.ClientID); err != nil {
			logger.Warn().Str("client_id", sess.ClientID).Err(err).Msg("delete expired session failed")
		}
	}
}

// RunWillLoop scans stored wills on a 10s tick, publishing and clearing
// any whose owning session has stayed disconnected past
// distinct_time+delay_interval.
func (r *Runtime) RunWillLoop(ctx context.Context) {
	r.runTicker(ctx, 10*time.Second, r.willOnce)
}

func (r *Runtime) willOnce(ctx context.Context) {
	logger := log.WithComponent("will-loop")
	wills, err := r.wills.ListWills(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("list wills failed")
		return
	}
	now := time.Now().Unix()
	for _, will := range wills {
		sess, found, err := r.store.GetSession(ctx, will.ClientID)
		if err != nil {
			logger.Warn().Str("client_id", will.ClientID).Err(err).Msg("lookup session for will failed")
			continue
		}
		if !found || sess.ConnectionID != "" {
			continue
		}
		if now < sess.DistinctTime+int64(will.DelayInterval) {
			continue
		}
		if err := r.publisher.Publish(ctx, will.Topic, will.Payload, will.QoS, will.Retain); err != nil {
			logger.Warn().Str("client_id", will.ClientID).Err(err).Msg("publish will failed")
			continue
		}
		if err := r.wills.DeleteWill(ctx, will.ClientID); err != nil {
			logger.Warn().Str("client_id", will.ClientID).Err(err).Msg("clear delivered will failed")
		}
	}
}

func (r *Runtime) runTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// KeepaliveTimedOut reports whether a connection has gone silent past
// 1.5x its negotiated keepalive.
func (r *Runtime) KeepaliveTimedOut(conn *types.MqttConnection, now time.Time) bool {
	if conn.KeepAlive == 0 {
		return false
	}
	limit := time.Duration(float64(conn.KeepAlive) * r.keepaliveFactor * float64(time.Second))
	return now.Sub(conn.LastHeartbeat) > limit
}

// FlappingGuard bans a client_id that reconnects more than maxConns
// times within window, for banTime.
type FlappingGuard struct {
	mu       sync.Mutex
	window   time.Duration
	maxConns int
	banTime  time.Duration
	attempts map[string][]time.Time
	bannedTo map[string]time.Time
}

// NewFlappingGuard builds a flapping detector.
func NewFlappingGuard(window time.Duration, maxConns int, banTime time.Duration) *FlappingGuard {
	return &FlappingGuard{
		window: window, maxConns: maxConns, banTime: banTime,
		attempts: make(map[string][]time.Time), bannedTo: make(map[string]time.Time),
	}
}

// Allow records a connection attempt and reports whether it may proceed.
func (g *FlappingGuard) Allow(clientID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until, banned := g.bannedTo[clientID]; banned {
		if now.Before(until) {
			return false
		}
		delete(g.bannedTo, clientID)
		delete(g.attempts, clientID)
	}

	cutoff := now.Add(-g.window)
	kept := g.attempts[clientID][:0]
	for _, t := range g.attempts[clientID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	g.attempts[clientID] = kept

	if len(kept) > g.maxConns {
		g.bannedTo[clientID] = now.Add(g.banTime)
		return false
	}
	return true
}
