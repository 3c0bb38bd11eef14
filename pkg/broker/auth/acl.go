package auth

import (
	"context"
	"net"

	"github.com/robustmq/robustmq/pkg/broker/subscribe"
	"github.com/robustmq/robustmq/pkg/types"
)

// BlacklistStore lists every active blacklist entry.
type BlacklistStore interface {
	ListBlacklist(ctx context.Context) ([]types.BlacklistEntry, error)
}

// ACLStore lists every ACL entry that could apply to a (username,
// client_id) pair — callers typically pre-filter by resource, but
// Checker re-checks ResourceType/ResourceName itself.
type ACLStore interface {
	ListACLs(ctx context.Context) ([]types.ACL, error)
}

// Request is one publish-or-subscribe authorization check.
type Request struct {
	ClientID  string
	Username  string
	IP        string
	Topic     string
	Action    types.ACLAction
	Superuser bool
}

// Checker is the ACL half of AuthDriver: blacklist first, then
// deny-over-allow-over-default, with a superuser bypass.
type Checker struct {
	blacklist         BlacklistStore
	acls              ACLStore
	defaultPermission types.ACLPermission
}

// NewChecker builds an ACL checker. defaultPermission applies when no
// ACL entry matches a request.
func NewChecker(blacklist BlacklistStore, acls ACLStore, defaultPermission types.ACLPermission) *Checker {
	return &Checker{blacklist: blacklist, acls: acls, defaultPermission: defaultPermission}
}

// Allow reports whether req is permitted.
func (c *Checker) Allow(ctx context.Context, req Request) (bool, error) {
	blacklisted, err := c.isBlacklisted(ctx, req)
	if err != nil {
		return false, err
	}
	if blacklisted {
		return false, nil
	}

	if req.Superuser {
		return true, nil
	}

	acls, err := c.acls.ListACLs(ctx)
	if err != nil {
		return false, err
	}

	matched := false
	for _, acl := range acls {
		if !aclMatches(acl, req) {
			continue
		}
		if acl.Permission == types.ACLPermissionDeny {
			return false, nil
		}
		matched = true
	}
	if matched {
		return true, nil
	}
	return c.defaultPermission == types.ACLPermissionAllow, nil
}

func (c *Checker) isBlacklisted(ctx context.Context, req Request) (bool, error) {
	entries, err := c.blacklist.ListBlacklist(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		switch e.ResourceType {
		case types.ACLResourceClientID:
			if e.ResourceName == req.ClientID {
				return true, nil
			}
		case types.ACLResourceUser:
			if e.ResourceName == req.Username {
				return true, nil
			}
		default:
			if ipMatches(e.ResourceName, req.IP) {
				return true, nil
			}
		}
	}
	return false, nil
}

func aclMatches(acl types.ACL, req Request) bool {
	switch acl.ResourceType {
	case types.ACLResourceUser:
		if acl.ResourceName != req.Username {
			return false
		}
	case types.ACLResourceClientID:
		if acl.ResourceName != req.ClientID {
			return false
		}
	}

	if !actionMatches(acl.Action, req.Action) {
		return false
	}
	if acl.TopicPattern != "" && !subscribe.MatchTopic(acl.TopicPattern, req.Topic) {
		return false
	}
	if acl.IPPattern != "" && !ipMatches(acl.IPPattern, req.IP) {
		return false
	}
	return true
}

func actionMatches(aclAction, reqAction types.ACLAction) bool {
	if aclAction == types.ACLActionAll {
		return true
	}
	if aclAction == types.ACLActionPubSub {
		return reqAction == types.ACLActionPublish || reqAction == types.ACLActionSubscribe
	}
	return aclAction == reqAction
}

// ipMatches reports whether ip satisfies pattern: "*" matches any ip, a
// CIDR pattern matches via containment, otherwise an exact match.
func ipMatches(pattern, ip string) bool {
	if pattern == "*" {
		return true
	}
	if _, ipNet, err := net.ParseCIDR(pattern); err == nil {
		return ipNet.Contains(net.ParseIP(ip))
	}
	return pattern == ip
}
