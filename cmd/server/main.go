package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"

	"github.com/syncline/syncline/internal/broadcast"
	"github.com/syncline/syncline/internal/compaction"
	"github.com/syncline/syncline/internal/config"
	"github.com/syncline/syncline/internal/crdt"
	"github.com/syncline/syncline/internal/relay"
	"github.com/syncline/syncline/internal/store"
	"github.com/syncline/syncline/internal/telemetry"
	"github.com/syncline/syncline/internal/tlsconfig"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncline-server",
	Short: "Syncline relay: the durable log and live fan-out server for a vault of syncing folders",
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().String("config", "", "path to a TOML config file (optional)")
	rootCmd.Flags().String("listen-addr", "", "override the configured listen address")
	rootCmd.Flags().String("db-path", "", "override the configured database path")
	rootCmd.Flags().String("log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.Flags().String("tls-cert", "", "path to a TLS certificate, enabling in-process TLS termination")
	rootCmd.Flags().String("tls-key", "", "path to the TLS certificate's private key")
}

func runServer(cmd *cobra.Command, args []string) error {

	configPath, _ := cmd.Flags().GetString("config")

	conf, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		conf.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("db-path"); v != "" {
		conf.DBPath = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		conf.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("tls-cert"); v != "" {
		conf.TLSCertPath = v
	}
	if v, _ := cmd.Flags().GetString("tls-key"); v != "" {
		conf.TLSKeyPath = v
	}

	logger := telemetry.NewLogger(conf.LogLevel)

	factory := func(docID string) crdt.Document {
		if docID == "__index__" {
			return crdt.NewORSet()
		}
		return crdt.NewRGA(docID)
	}

	st, err := store.Open(conf.DBPath, factory)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := broadcast.NewLoggingHub(broadcast.New(), logger)

	compactionFactory := func(docID, replicaID string) crdt.Document {
		if docID == "__index__" {
			return crdt.NewORSet()
		}
		return crdt.NewRGA(replicaID)
	}

	interval, err := time.ParseDuration(conf.CompactionInterval)
	if err != nil {
		interval = 30 * time.Second
	}

	engine := compaction.New(st, compactionFactory, logger, conf.CompactionThreshold, interval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)

	srv := relay.NewServer(st, hub, logger, relay.NewPrometheusMetrics())

	var tlsConf *tls.Config
	if conf.TLSCertPath != "" && conf.TLSKeyPath != "" {
		tlsConf, err = tlsconfig.New(conf.TLSCertPath, conf.TLSKeyPath)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, conf.ListenAddr, tlsConf)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		level.Info(logger).Log("msg", "shutting down on signal")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
