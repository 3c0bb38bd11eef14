/*
Package cache implements BrokerCache: a broker node's read-through
mirror of meta-service-owned state, loaded in full on startup and kept
current by InnerCallFanout pushes.

	c := cache.New()
	c.BulkLoad(ctx, metaListSource)
	rpc.MqttBrokerInnerServer{Sink: c}

Cache also satisfies auth.UserStore, auth.BlacklistStore and
auth.ACLStore directly, so AuthDriver reads through the same
in-memory state the inner service keeps current.
*/
package cache
