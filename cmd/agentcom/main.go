package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcom/agentcom/pkg/api"
	"github.com/agentcom/agentcom/pkg/config"
	"github.com/agentcom/agentcom/pkg/hub"
	"github.com/agentcom/agentcom/pkg/log"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "agentcom",
	Short: "AgentCom - central hub for coordinating agent fleets",
	Long: `AgentCom is a hub that coordinates long-running worker agents over
persistent channels: it routes tasks and inter-agent messages, drives
goal decomposition and verification through an external LLM, and keeps
everything durable in per-table storage with automatic backups.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AgentCom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8420", "hub address for client commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(goalCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listenAddr, _ := cmd.Flags().GetString("listen")
		logLevel, _ := cmd.Flags().GetString("log-level")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")

		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: jsonLogs,
		})

		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
			cfg.ApplyDefaults()
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		h, err := hub.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build hub: %w", err)
		}
		h.Start()

		server := api.NewServer(h, cfg)
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("received %s, shutting down", sig))
		case err := <-errCh:
			if err != nil {
				log.Errorf("server failed", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Errorf("server shutdown failed", err)
		}
		h.Stop()
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to YAML config file")
	serveCmd.Flags().String("data-dir", "", "data directory (overrides config)")
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("json-logs", false, "emit JSON logs")
}
