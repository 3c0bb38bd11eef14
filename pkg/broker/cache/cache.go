// Package cache implements BrokerCache: the broker node's in-memory
// mirror of cluster-config/topic/user/ACL/blacklist/topic-rewrite/
// connector/schema/auto-subscribe state, kept current by bulk load on
// startup and by InnerCallFanout pushes thereafter. The cache never
// initiates a cluster mutation itself — every write is either a bulk
// load or an applied invalidation.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/robustmq/robustmq/pkg/types"
)

// Resource type keys, matching the meta service's own naming for each
// MQTT entity kind.
const (
	ResourceClusterConfig = "cluster_config"
	ResourceTopic         = "topic"
	ResourceUser          = "user"
	ResourceACL           = "acl"
	ResourceBlacklist     = "blacklist"
	ResourceTopicRewrite  = "topic_rewrite"
	ResourceConnector     = "connector"
	ResourceSchema        = "schema"
	ResourceSchemaBind    = "schema_bind"
	ResourceAutoSubscribe = "auto_subscribe"
)

// bulkLoadResourceTypes is every resource kind a broker pulls in full on
// startup.
var bulkLoadResourceTypes = []string{
	ResourceClusterConfig, ResourceTopic, ResourceUser, ResourceACL,
	ResourceBlacklist, ResourceTopicRewrite, ResourceConnector,
	ResourceSchema, ResourceSchemaBind, ResourceAutoSubscribe,
}

// BulkSource lists every record of one resource type, used only at
// startup.
type BulkSource interface {
	ListResource(ctx context.Context, resourceType string) (map[string]json.RawMessage, error)
}

// Cache is BrokerCache.
type Cache struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// New builds an empty BrokerCache.
func New() *Cache {
	return &Cache{data: make(map[string]map[string]json.RawMessage)}
}

// BulkLoad populates the cache from source for every known resource
// type, meant to run once at broker startup before the inner service
// starts accepting invalidation pushes.
func (c *Cache) BulkLoad(ctx context.Context, source BulkSource) error {
	for _, resourceType := range bulkLoadResourceTypes {
		items, err := source.ListResource(ctx, resourceType)
		if err != nil {
			return fmt.Errorf("bulk load %s: %w", resourceType, err)
		}
		for key, data := range items {
			c.set(resourceType, key, data)
		}
	}
	return nil
}

// ApplyCacheUpdate implements rpc.CacheSink. "Set"/"set" upserts a
// record; "Delete"/"delete" of a missing key is a no-op.
func (c *Cache) ApplyCacheUpdate(action, resourceType, clusterName, key string, data json.RawMessage) error {
	switch action {
	case "Set", "set":
		c.set(resourceType, key, data)
		return nil
	case "Delete", "delete":
		c.delete(resourceType, key)
		return nil
	default:
		return fmt.Errorf("unknown cache update action %q", action)
	}
}

func (c *Cache) set(resourceType, key string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.data[resourceType]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		c.data[resourceType] = bucket
	}
	bucket[key] = data
}

func (c *Cache) delete(resourceType, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data[resourceType], key)
}

func (c *Cache) get(resourceType, key string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[resourceType][key]
	return data, ok
}

func (c *Cache) list(resourceType string) []json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bucket := c.data[resourceType]
	out := make([]json.RawMessage, 0, len(bucket))
	for _, v := range bucket {
		out = append(out, v)
	}
	return out
}

// GetUser implements auth.UserStore.
func (c *Cache) GetUser(ctx context.Context, username string) (*types.User, bool, error) {
	data, ok := c.get(ResourceUser, username)
	if !ok {
		return nil, false, nil
	}
	var u types.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, false, fmt.Errorf("decode cached user %s: %w", username, err)
	}
	return &u, true, nil
}

// ListBlacklist implements auth.BlacklistStore.
func (c *Cache) ListBlacklist(ctx context.Context) ([]types.BlacklistEntry, error) {
	return decodeAll[types.BlacklistEntry](c.list(ResourceBlacklist))
}

// ListACLs implements auth.ACLStore.
func (c *Cache) ListACLs(ctx context.Context) ([]types.ACL, error) {
	return decodeAll[types.ACL](c.list(ResourceACL))
}

// ListTopicRewriteRules returns every configured topic-rewrite rule.
func (c *Cache) ListTopicRewriteRules(ctx context.Context) ([]types.TopicRewriteRule, error) {
	return decodeAll[types.TopicRewriteRule](c.list(ResourceTopicRewrite))
}

func decodeAll[T any](raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode cached record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
