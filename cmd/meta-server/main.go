package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/robustmq/robustmq/pkg/api"
	"github.com/robustmq/robustmq/pkg/client"
	"github.com/robustmq/robustmq/pkg/innercall"
	"github.com/robustmq/robustmq/pkg/log"
	"github.com/robustmq/robustmq/pkg/raftmeta"
	"github.com/robustmq/robustmq/pkg/rpc"
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
	Use:     "meta-server",
	Short:   "RobustMQ meta service: Raft-backed cluster, shard and schema catalog",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("meta-server version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

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
	Short: "Start this meta-service node",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		raftAddr, _ := cmd.Flags().GetString("raft-addr")
		rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
		healthAddr, _ := cmd.Flags().GetString("health-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		join, _ := cmd.Flags().GetString("join")
		certFile, _ := cmd.Flags().GetString("tls-cert")
		keyFile, _ := cmd.Flags().GetString("tls-key")
		caFile, _ := cmd.Flags().GetString("tls-ca")
		mtls, _ := cmd.Flags().GetBool("mtls")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		logger := log.WithComponent("meta-server")

		var err error
		var clientTLSConfig *tls.Config
		if certFile != "" {
			clientTLSConfig, err = client.LoadTLSConfig(certFile, keyFile, caFile)
			if err != nil {
				return fmt.Errorf("load client tls config: %w", err)
			}
		}

		fanoutCtx, cancelFanout := context.WithCancel(context.Background())
		defer cancelFanout()
		fanout := innercall.NewFanout()
		go fanout.Run(fanoutCtx)

		node, err := raftmeta.NewNode(raftmeta.NodeConfig{
			NodeID:   nodeID,
			BindAddr: raftAddr,
			DataDir:  dataDir,
			Notifier: fanout,
		})
		if err != nil {
			return fmt.Errorf("create meta node: %w", err)
		}

		cfg := raftmeta.NodeConfig{NodeID: nodeID, BindAddr: raftAddr, DataDir: dataDir, Notifier: fanout}
		if join == "" {
			if err := node.Bootstrap(cfg); err != nil {
				return fmt.Errorf("bootstrap raft cluster: %w", err)
			}
			logger.Info().Str("node_id", nodeID).Msg("bootstrapped single-node cluster")
		} else {
			if err := node.Join(cfg); err != nil {
				return fmt.Errorf("join raft cluster: %w", err)
			}
			logger.Info().Str("node_id", nodeID).Str("join", join).Msg("joined raft cluster")
		}

		var tlsConfig *tls.Config
		if certFile != "" {
			tlsConfig, err = api.LoadServerTLSConfig(certFile, keyFile, caFile, mtls)
			if err != nil {
				return fmt.Errorf("load tls config: %w", err)
			}
		}

		srv := api.NewServer(tlsConfig)
		srv.RegisterService(&rpc.MetaServiceDesc, &rpc.MetaServer{
			Node:      node,
			Lifecycle: &fanoutRegistrar{fanout: fanout, tlsConfig: clientTLSConfig},
		})

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", rpcAddr).Msg("meta rpc server listening")
			if err := srv.Start(rpcAddr); err != nil {
				errCh <- fmt.Errorf("rpc server: %w", err)
			}
		}()

		health := api.NewHealthServer(node)
		go func() {
			if err := health.Start(healthAddr); err != nil {
				logger.Error().Err(err).Msg("health server stopped")
			}
		}()
		logger.Info().Str("addr", healthAddr).Msg("health endpoints listening")

		if pprofEnabled {
			go func() {
				if err := http.ListenAndServe("127.0.0.1:6060", nil); err != nil {
					logger.Warn().Err(err).Msg("pprof server stopped")
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("fatal error")
		}

		srv.Stop()
		time.Sleep(100 * time.Millisecond)
		return nil
	},
}

func init() {
	startCmd.Flags().String("node-id", "meta-1", "unique node identifier")
	startCmd.Flags().String("raft-addr", "127.0.0.1:8300", "raft transport bind address")
	startCmd.Flags().String("rpc-addr", "127.0.0.1:9300", "grpc listen address for MetaService")
	startCmd.Flags().String("health-addr", "127.0.0.1:9400", "http listen address for health/ready/metrics")
	startCmd.Flags().String("data-dir", "./data/meta", "directory for raft log and snapshot storage")
	startCmd.Flags().String("join", "", "address of an existing leader to join (empty bootstraps a new cluster)")
	startCmd.Flags().String("tls-cert", "", "path to server certificate (enables TLS when set)")
	startCmd.Flags().String("tls-key", "", "path to server private key")
	startCmd.Flags().String("tls-ca", "", "path to CA bundle for verifying peer certificates")
	startCmd.Flags().Bool("mtls", false, "require and verify client certificates")
	startCmd.Flags().Bool("enable-pprof", false, "expose pprof endpoints on 127.0.0.1:6060")
}
