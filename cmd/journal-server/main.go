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
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/robustmq/robustmq/pkg/api"
	"github.com/robustmq/robustmq/pkg/client"
	"github.com/robustmq/robustmq/pkg/journal"
	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/rpc"
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
	Use:     "journal-server",
	Short:   "RobustMQ journal storage node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("journal-server version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

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
	Short: "Start this journal storage node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		clusterName, _ := cmd.Flags().GetString("cluster-name")
		metaAddrs, _ := cmd.Flags().GetString("meta-addrs")
		publicAddr, _ := cmd.Flags().GetString("public-addr")
		innerAddr, _ := cmd.Flags().GetString("inner-addr")
		healthAddr, _ := cmd.Flags().GetString("health-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		certFile, _ := cmd.Flags().GetString("tls-cert")
		keyFile, _ := cmd.Flags().GetString("tls-key")
		caFile, _ := cmd.Flags().GetString("tls-ca")
		mtls, _ := cmd.Flags().GetBool("mtls")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		logger := log.WithComponent("journal-server")

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
			Roles:       []types.NodeRole{types.NodeRoleJournal},
			PublicAddr:  publicAddr,
			InnerAddr:   innerAddr,
		})
		cancel()
		if regErr != nil {
			return fmt.Errorf("register node with meta service: %w", regErr)
		}
		logger.Info().Str("node_id", nodeID).Str("meta_addrs", metaAddrs).Msg("registered with meta service")

		registry := journal.NewShardRegistry(dataDir, &journal.MetaRoller{Meta: meta})
		defer registry.Close()

		srv := api.NewServer(tlsConfig)
		srv.RegisterService(&rpc.JournalServerInnerServiceDesc, &rpc.JournalServerInnerServer{
			NodeID: nodeID,
			Sink:   registry,
		})

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", innerAddr).Msg("journal inner rpc server listening")
			if err := srv.Start(innerAddr); err != nil {
				errCh <- fmt.Errorf("rpc server: %w", err)
			}
		}()

		dataLn, err := net.Listen("tcp", publicAddr)
		if err != nil {
			return fmt.Errorf("listen on public addr: %w", err)
		}
		if tlsConfig != nil {
			dataLn = tls.NewListener(dataLn, tlsConfig)
		}
		defer dataLn.Close()
		dataSrv := journal.NewServer(registry)
		go func() {
			logger.Info().Str("addr", publicAddr).Msg("journal data-plane server listening")
			if err := dataSrv.Serve(dataLn); err != nil {
				errCh <- fmt.Errorf("data-plane server: %w", err)
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
				if err := http.ListenAndServe("127.0.0.1:6062", nil); err != nil {
					logger.Warn().Err(err).Msg("pprof server stopped")
				}
			}()
		}

		stopHeartbeat := make(chan struct{})
		go heartbeatLoop(meta, types.Node{
			NodeID:      nodeID,
			ClusterName: clusterName,
			Roles:       []types.NodeRole{types.NodeRoleJournal},
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
		srv.Stop()
		return nil
	},
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
	startCmd.Flags().String("node-id", "journal-1", "unique node identifier")
	startCmd.Flags().String("cluster-name", "default", "cluster this node belongs to")
	startCmd.Flags().String("meta-addrs", "127.0.0.1:9300", "comma-separated meta service seed addresses")
	startCmd.Flags().String("public-addr", "127.0.0.1:2683", "client-facing journal read/write address")
	startCmd.Flags().String("inner-addr", "127.0.0.1:9302", "grpc listen address for JournalServerInnerService")
	startCmd.Flags().String("health-addr", "127.0.0.1:9402", "http listen address for health/ready/metrics")
	startCmd.Flags().String("data-dir", "./data/journal", "directory for segment file storage")
	startCmd.Flags().String("tls-cert", "", "path to server certificate (enables TLS when set)")
	startCmd.Flags().String("tls-key", "", "path to server private key")
	startCmd.Flags().String("tls-ca", "", "path to CA bundle for verifying peer certificates")
	startCmd.Flags().Bool("mtls", false, "require and verify client certificates")
	startCmd.Flags().Bool("enable-pprof", false, "expose pprof endpoints on 127.0.0.1:6062")
}
