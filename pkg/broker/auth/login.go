// Package auth implements AuthDriver: a pluggable CONNECT login chain
// (password, JWT, HTTP) and per-request ACL evaluation with a blacklist
// fast path.
package auth

import (
	"context"
	"sync"

	"github.com/robustmq/robustmq/pkg/log"
)

// LoginResult is one driver's verdict on a login attempt.
type LoginResult int

const (
	ResultIgnore LoginResult = iota
	ResultAllow
	ResultDeny
)

// LoginRequest is one CONNECT's credentials, already extracted from the
// packet.
type LoginRequest struct {
	ClientID string
	Username string
	Password string
	SourceIP string
}

// LoginVerdict is a driver's answer.
type LoginVerdict struct {
	Result    LoginResult
	Superuser bool
}

// LoginDriver is one link in the login chain — password, JWT, or HTTP.
// A driver that can't make a determination (wrong credential shape, a
// network/parse failure) returns ResultIgnore so the chain falls
// through to the next driver.
type LoginDriver interface {
	Login(ctx context.Context, req LoginRequest) (LoginVerdict, error)
}

// Chain evaluates a login request against each configured driver in
// order, stopping at the first non-ignore verdict, and caches the
// resolved user on allow.
type Chain struct {
	drivers []LoginDriver

	mu    sync.RWMutex
	cache map[string]bool // username -> superuser, present means "resolved allow"
}

// NewChain builds a login chain from drivers in priority order.
func NewChain(drivers ...LoginDriver) *Chain {
	return &Chain{drivers: drivers, cache: make(map[string]bool)}
}

// Login runs the chain. A request every driver ignores is denied —
// there is no implicit allow.
func (c *Chain) Login(ctx context.Context, clientID, username, password, sourceIP string) (allow bool, superuser bool, err error) {
	req := LoginRequest{ClientID: clientID, Username: username, Password: password, SourceIP: sourceIP}

	for _, d := range c.drivers {
		verdict, err := d.Login(ctx, req)
		if err != nil {
			log.WithComponent("auth").Warn().Str("client_id", clientID).Err(err).Msg("login driver error, treating as ignore")
			continue
		}
		switch verdict.Result {
		case ResultIgnore:
			continue
		case ResultDeny:
			return false, false, nil
		case ResultAllow:
			c.cacheAllow(username, verdict.Superuser)
			return true, verdict.Superuser, nil
		}
	}
	return false, false, nil
}

func (c *Chain) cacheAllow(username string, superuser bool) {
	if username == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[username] = superuser
}

// CachedSuperuser reports whether username was last resolved as a
// superuser by an allowing driver.
func (c *Chain) CachedSuperuser(username string) (superuser bool, cached bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	superuser, cached = c.cache[username]
	return superuser, cached
}
