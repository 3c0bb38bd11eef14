/*
Package session implements SessionRuntime: CONNECT validation and
session-present resolution, DISCONNECT bookkeeping, a session-GC loop,
a last-will delivery loop, flapping detection, and keepalive timeout
checks.

	rt := session.New(sessionStore, willStore, loginChecker, publisher, events, flappingGuard)
	go rt.RunSessionGC(ctx)
	go rt.RunWillLoop(ctx)
	result, err := rt.Connect(ctx, session.ConnectRequest{ClientID: "c1", ...}, time.Now())

Store is a thin interface over whatever talks to the meta service, and
WillStore over a node-local KV store; this package never touches Raft
directly.
*/
package session
