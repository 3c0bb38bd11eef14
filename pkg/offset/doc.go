/*
Package offset implements OffsetCache: per (consumer group, shard)
committed-offset storage local to a broker node, with lazy batched
flush to the meta service.

	cache := offset.New(kv, metaClient, 5*time.Second)
	go cache.Run(ctx)
	cache.Commit(group, shard, newOffset)

Writes are synchronous and local; Run's flush loop is the only thing
that talks to meta, and only for groups whose local offset has moved
ahead of what meta already has.
*/
package offset
