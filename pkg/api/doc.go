/*
Package api hosts the gRPC server bootstrap shared by every node role
(meta, broker, journal) plus the HTTP health/readiness/metrics endpoints
run alongside it.

Server is deliberately surface-agnostic: a meta node registers
rpc.MetaServiceDesc, a broker node registers rpc.MqttBrokerInnerServiceDesc,
a journal node registers rpc.JournalServerInnerServiceDesc, all through the
same RegisterService call. What's fixed here is everything every node
role needs regardless of which RPCs it serves: TLS setup, interceptor
wiring, graceful shutdown, and the HTTP health surface.

# Usage

	tlsConfig, err := api.LoadServerTLSConfig(certFile, keyFile, caFile, true)
	srv := api.NewServer(tlsConfig)
	srv.RegisterService(&rpc.MetaServiceDesc, &rpc.MetaServer{Node: node})
	go srv.Start(rpcAddr)

	health := api.NewHealthServer(node)
	go health.Start(healthAddr)

# Interceptors

NewServer chains RecoveryInterceptor and LoggingInterceptor ahead of
every handler on every registered service, so panics and slow/failing
RPCs are logged uniformly regardless of which node role is serving.
*/
package api
