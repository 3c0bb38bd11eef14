/*
Package auth implements AuthDriver: a pluggable CONNECT login chain and
per-publish/per-subscribe ACL evaluation.

	chain := auth.NewChain(auth.NewJWTDriver(jwtCfg), auth.NewPasswordDriver(userStore))
	allow, superuser, err := chain.Login(ctx, clientID, username, password, sourceIP)

	checker := auth.NewChecker(blacklistStore, aclStore, types.ACLPermissionDeny)
	allow, err := checker.Allow(ctx, auth.Request{Username: username, Topic: topic, Action: types.ACLActionPublish})

Each login driver returns ResultIgnore when it can't make a
determination (e.g. the JWT driver on a non-JWT password, or the
password driver on an unknown username), letting Chain fall through to
the next driver. A request every driver ignores is denied.
*/
package auth
