package main

import (
	"crypto/tls"

	"github.com/robustmq/robustmq/pkg/client"
	"github.com/robustmq/robustmq/pkg/innercall"
	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/types"
)

// fanoutRegistrar implements rpc.NodeLifecycle: it turns a committed
// node register/unregister into an InnerCallFanout target, dialing the
// node's inner-RPC address with whatever client TLS config this meta
// node uses for its own outbound inner calls.
type fanoutRegistrar struct {
	fanout    *innercall.Fanout
	tlsConfig *tls.Config
}

func (r *fanoutRegistrar) NodeRegistered(node types.Node) {
	logger := log.WithComponent("meta-server")
	for _, role := range node.Roles {
		switch role {
		case types.NodeRoleMQTT:
			r.fanout.RegisterNode(node.ClusterName, node.NodeID, client.NewMqttInnerClient(node.InnerAddr, r.tlsConfig))
		case types.NodeRoleJournal:
			r.fanout.RegisterNode(node.ClusterName, node.NodeID, client.NewJournalInnerClient(node.InnerAddr, r.tlsConfig))
		default:
			continue
		}
		logger.Info().Str("cluster", node.ClusterName).Str("node_id", node.NodeID).Str("role", string(role)).
			Msg("registered inner-call fanout target")
	}
}

func (r *fanoutRegistrar) NodeUnregistered(clusterName, nodeID string) {
	r.fanout.UnregisterNode(clusterName, nodeID)
}
