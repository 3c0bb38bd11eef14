/*
Package innercall implements InnerCallFanout, the bridge between
committed Raft mutations and the broker/journal nodes whose in-memory
caches need to converge with them.

	fanout := innercall.NewFanout()
	go fanout.Run(ctx)
	node, _ := raftmeta.NewNode(raftmeta.NodeConfig{..., Notifier: fanout})

	fanout.RegisterNode(clusterName, nodeID, client.NewMqttInnerClient(innerAddr, tlsConfig))
	// ... node heartbeats keep running; on NodeUnregister:
	fanout.UnregisterNode(clusterName, nodeID)

Registration is driven by whoever owns the MetaService RPC surface
(NodeRegister/NodeUnregister/Heartbeat handlers) — this package only
tracks the desired target set and keeps a worker converged with it.
*/
package innercall
