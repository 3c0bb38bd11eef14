/*
Package client provides a connection-pooled gRPC client over the
meta-service and inner-service RPC surfaces defined in pkg/rpc.

# Leader tracking

ClientPool dials nodes lazily and keeps one connection per address. A
write that lands on a follower gets back a Consensus status carrying a
redirect address (see pkg/rpc's status helpers); invoke follows that
redirect immediately and memoizes it, so later calls go straight to the
current leader without re-discovering it from the seed list each time.

# Usage

	mc := client.NewMetaClient([]string{"meta-0:9090", "meta-1:9090"}, nil)
	defer mc.Close()

	if err := mc.NodeRegister(ctx, types.Node{NodeID: "broker-1", ClusterName: "prod"}); err != nil {
		log.Fatal(err)
	}

A nil TLS config dials in plaintext; LoadTLSConfig loads a client
certificate, key and CA bundle already provisioned on disk for mTLS.
*/
package client
