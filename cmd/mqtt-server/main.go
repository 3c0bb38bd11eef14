package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/robustmq/robustmq/pkg/api"
	"github.com/robustmq/robustmq/pkg/broker/auth"
	brokerconn "github.com/robustmq/robustmq/pkg/broker/conn"
	"github.com/robustmq/robustmq/pkg/broker/cache"
	"github.com/robustmq/robustmq/pkg/broker/journalio"
	"github.com/robustmq/robustmq/pkg/broker/retain"
	"github.com/robustmq/robustmq/pkg/broker/session"
	"github.com/robustmq/robustmq/pkg/broker/subscribe"
	"github.com/robustmq/robustmq/pkg/broker/systopics"
	"github.com/robustmq/robustmq/pkg/client"
	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/offset"
	"github.com/robustmq/robustmq/pkg/rpc"
	"github.com/robustmq/robustmq/pkg/storage"
	"github.com/robustmq/robustmq/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "mqtt-server",
	Short:   "RobustMQ MQTT broker node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("mqtt-server version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this MQTT broker node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		clusterName, _ := cmd.Flags().GetString("cluster-name")
		metaAddrs, _ := cmd.Flags().GetString("meta-addrs")
		publicAddr, _ := cmd.Flags().GetString("mqtt-addr")
		innerAddr, _ := cmd.Flags().GetString("inner-addr")
		healthAddr, _ := cmd.Flags().GetString("health-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		certFile, _ := cmd.Flags().GetString("tls-cert")
		keyFile, _ := cmd.Flags().GetString("tls-key")
		caFile, _ := cmd.Flags().GetString("tls-ca")
		mtls, _ := cmd.Flags().GetBool("mtls")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		logger := log.WithComponent("mqtt-server")

		var tlsConfig *tls.Config
		var err error
		if certFile != "" {
			tlsConfig, err = api.LoadServerTLSConfig(certFile, keyFile, caFile, mtls)
			if err != nil {
				return fmt.Errorf("load tls config: %w", err)
			}
		}

		var clientTLS *tls.Config
		if certFile != "" {
			clientTLS, err = client.LoadTLSConfig(certFile, keyFile, caFile)
			if err != nil {
				return fmt.Errorf("load client tls config: %w", err)
			}
		}

		meta := client.NewMetaClient(strings.Split(metaAddrs, ","), clientTLS)
		defer meta.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		regErr := meta.NodeRegister(ctx, types.Node{
			NodeID:      nodeID,
			ClusterName: clusterName,
			Roles:       []types.NodeRole{types.NodeRoleMQTT},
			PublicAddr:  publicAddr,
			InnerAddr:   innerAddr,
		})
		cancel()
		if regErr != nil {
			return fmt.Errorf("register node with meta service: %w", regErr)
		}
		logger.Info().Str("node_id", nodeID).Str("meta_addrs", metaAddrs).Msg("registered with meta service")

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		localKV, err := storage.OpenBoltKV(filepath.Join(dataDir, "mqtt.db"))
		if err != nil {
			return fmt.Errorf("open local kv: %w", err)
		}
		defer localKV.Close()

		brokerCache := cache.New()
		loadCtx, loadCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := brokerCache.BulkLoad(loadCtx, meta); err != nil {
			loadCancel()
			return fmt.Errorf("bulk load broker cache: %w", err)
		}
		loadCancel()

		metaStore := session.NewMetaStore(meta)
		willStore := retain.NewWillStore(localKV)
		loginChain := auth.NewChain(auth.NewPasswordDriver(brokerCache))
		aclChecker := auth.NewChecker(brokerCache, brokerCache, types.ACLPermissionDeny)
		retainStore := retain.NewRetainStore()
		subs := subscribe.NewManager()
		bus := systopics.NewBus()
		flapping := session.NewFlappingGuard(10*time.Second, 5, 60*time.Second)

		registry := brokerconn.NewRegistry()

		dataClient := client.NewJournalDataClient(clientTLS)
		defer dataClient.Close()
		router := journalio.NewRouter(meta, dataClient, clusterName)

		publisher := brokerconn.NewPublisher(router, subs, retainStore, registry)
		events := systopics.NewPublisher(nodeID, publisher, bus)

		runtime := session.New(metaStore, willStore, loginChain, publisher, events, flapping)

		offsets := offset.New(localKV, meta, 5*time.Second)

		handler := brokerconn.NewHandler(brokerconn.Deps{
			Session: runtime,
			Subs:    subs,
			ACL:     aclChecker,
			Retain:  retainStore,
			Journal: router,
			Events:  events,
			NodeID:  nodeID,
		}, registry, publisher)

		var mqttLn net.Listener
		mqttLn, err = net.Listen("tcp", publicAddr)
		if err != nil {
			return fmt.Errorf("listen on mqtt-addr: %w", err)
		}
		if tlsConfig != nil {
			mqttLn = tls.NewListener(mqttLn, tlsConfig)
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", publicAddr).Msg("mqtt listener accepting connections")
			if err := handler.Serve(mqttLn); err != nil {
				errCh <- fmt.Errorf("mqtt listener: %w", err)
			}
		}()

		runCtx, runCancel := context.WithCancel(context.Background())
		defer runCancel()
		go runtime.RunSessionGC(runCtx)
		go runtime.RunWillLoop(runCtx)

		if wsAddr, _ := cmd.Flags().GetString("mqtt-ws-addr"); wsAddr != "" {
			mux := http.NewServeMux()
			mux.HandleFunc("/mqtt", handler.ServeWebsocket)
			go func() {
				logger.Info().Str("addr", wsAddr).Msg("mqtt websocket listener accepting connections")
				if err := http.ListenAndServe(wsAddr, mux); err != nil {
					errCh <- fmt.Errorf("mqtt websocket listener: %w", err)
				}
			}()
		}

		if quicAddr, _ := cmd.Flags().GetString("mqtt-quic-addr"); quicAddr != "" {
			if tlsConfig == nil {
				return fmt.Errorf("mqtt-quic-addr requires --tls-cert (QUIC has no plaintext mode)")
			}
			quicTLS := tlsConfig.Clone()
			quicTLS.NextProtos = []string{"mqtt"}
			go func() {
				logger.Info().Str("addr", quicAddr).Msg("mqtt quic listener accepting connections")
				if err := handler.ServeQUIC(runCtx, quicAddr, quicTLS); err != nil {
					errCh <- fmt.Errorf("mqtt quic listener: %w", err)
				}
			}()
		}

		for _, group := range sharedGroups(cmd) {
			push := subscribe.NewSharePushManager(subs, router, registry, offsets, group)
			go push.Run(runCtx)
		}

		srv := api.NewServer(tlsConfig)
		srv.RegisterService(&rpc.MqttBrokerInnerServiceDesc, &rpc.MqttBrokerInnerServer{
			NodeID:      nodeID,
			ClusterName: clusterName,
			Sink:        brokerCache,
		})

		go func() {
			logger.Info().Str("addr", innerAddr).Msg("mqtt inner rpc server listening")
			if err := srv.Start(innerAddr); err != nil {
				errCh <- fmt.Errorf("rpc server: %w", err)
			}
		}()

		health := api.NewHealthServer(nil)
		go func() {
			if err := health.Start(healthAddr); err != nil {
				logger.Error().Err(err).Msg("health server stopped")
			}
		}()
		logger.Info().Str("addr", healthAddr).Msg("health endpoints listening")

		if pprofEnabled {
			go func() {
				if err := http.ListenAndServe("127.0.0.1:6061", nil); err != nil {
					logger.Warn().Err(err).Msg("pprof server stopped")
				}
			}()
		}

		stopHeartbeat := make(chan struct{})
		go heartbeatLoop(meta, types.Node{
			NodeID:      nodeID,
			ClusterName: clusterName,
			Roles:       []types.NodeRole{types.NodeRoleMQTT},
			PublicAddr:  publicAddr,
			InnerAddr:   innerAddr,
		}, logger, stopHeartbeat)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("fatal error")
		}

		close(stopHeartbeat)
		_ = mqttLn.Close()
		srv.Stop()
		return nil
	},
}

// sharedGroups parses the comma-separated --shared-subscription-groups
// flag into a clean list, skipping empty entries.
func sharedGroups(cmd *cobra.Command) []string {
	raw, _ := cmd.Flags().GetString("shared-subscription-groups")
	var groups []string
	for _, g := range strings.Split(raw, ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// heartbeatLoop keeps this node's registration alive in the meta
// service's node table until stopped.
func heartbeatLoop(meta *client.MetaClient, node types.Node, logger zerolog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := meta.Heartbeat(ctx, node)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func init() {
	startCmd.Flags().String("node-id", "mqtt-1", "unique node identifier")
	startCmd.Flags().String("cluster-name", "default", "cluster this node belongs to")
	startCmd.Flags().String("meta-addrs", "127.0.0.1:9300", "comma-separated meta service seed addresses")
	startCmd.Flags().String("mqtt-addr", "127.0.0.1:1883", "client-facing MQTT listen address")
	startCmd.Flags().String("mqtt-ws-addr", "", "client-facing MQTT-over-websocket listen address (disabled when empty)")
	startCmd.Flags().String("mqtt-quic-addr", "", "client-facing MQTT-over-QUIC listen address (disabled when empty, requires --tls-cert)")
	startCmd.Flags().String("inner-addr", "127.0.0.1:9301", "grpc listen address for MqttBrokerInnerService")
	startCmd.Flags().String("health-addr", "127.0.0.1:9401", "http listen address for health/ready/metrics")
	startCmd.Flags().String("data-dir", "./data/mqtt", "local directory for will/offset storage")
	startCmd.Flags().String("shared-subscription-groups", "", "comma-separated shared-subscription groups this node pulls for")
	startCmd.Flags().String("tls-cert", "", "path to server certificate (enables TLS when set)")
	startCmd.Flags().String("tls-key", "", "path to server private key")
	startCmd.Flags().String("tls-ca", "", "path to CA bundle for verifying peer certificates")
	startCmd.Flags().Bool("mtls", false, "require and verify client certificates")
	startCmd.Flags().Bool("enable-pprof", false, "expose pprof endpoints on 127.0.0.1:6061")
}
