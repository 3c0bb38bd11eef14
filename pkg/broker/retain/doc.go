/*
Package retain implements the publish-path bookkeeping between the
subscribe manager and the journal append: retained messages, topic
rewrite rules, and last-will persistence.

	store := retain.NewRetainStore()
	store.Set(&types.RetainedMessage{Topic: "a/b", Payload: body})
	for _, m := range store.Matching("a/+") { ... }

	topic, rewritten, _ := retain.TopicRewrite(rules, "Publish", topic)

	wills := retain.NewWillStore(kv)
	wills.SaveWill(ctx, &types.LastWill{ClientID: clientID, Topic: willTopic})
*/
package retain
