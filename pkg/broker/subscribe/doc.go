/*
Package subscribe implements SubscribeManager: topic-filter matching,
the exclusive and shared subscription registries, per-connection
packet-id allocation and QoS1/QoS2 in-flight tracking, and the
shared-subscription pull loop that reads batches from the journal and
fans them out round-robin.

	mgr := subscribe.NewManager()
	mgr.Subscribe(types.Subscription{ClientID: "c1", Path: "sensors/+/temp"})
	matches := mgr.MatchingSubscriptions("sensors/42/temp")

	push := subscribe.NewSharePushManager(mgr, shardSource, sender, offsetCache, "workers")
	go push.Run(ctx)

Exclusive subscriptions are served by publish-time fan-out against
MatchingSubscriptions; shared subscriptions are served independently by
each group's SharePushManager pulling from the journal, since a shared
group has no single connection to fan out to at publish time.
*/
package subscribe
