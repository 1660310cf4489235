package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"agentbridge-backend/internal/bridgeclient"
	"agentbridge-backend/internal/config"
	"agentbridge-backend/internal/logging"
	"agentbridge-backend/internal/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bridge:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, cfgErr := config.LoadBridgeClient()

	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Connect a local agent runtime to the backend.",
		Long:          "Keeps an outbound tunnel to the backend open and forwards chat and commands to the local agent gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgErr != nil {
				return fmt.Errorf("load config: %w", cfgErr)
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Bridge tunnel URL of the backend (BRIDGE_SERVER_URL)")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "Tunnel token issued by the backend (BRIDGE_TOKEN)")
	flags.StringVar(&cfg.AgentID, "agent-id", cfg.AgentID, "Agent this client serves (BRIDGE_AGENT_ID)")
	flags.StringVar(&cfg.GatewayURL, "gateway", cfg.GatewayURL, "Local gateway URL, loopback only (BRIDGE_GATEWAY_URL)")
	flags.StringVar(&cfg.GatewayToken, "gateway-token", cfg.GatewayToken, "Gateway bearer token (BRIDGE_GATEWAY_TOKEN)")
	flags.StringVar(&cfg.RuntimeCLI, "cli", cfg.RuntimeCLI, "Agent runtime CLI used for commands (BRIDGE_RUNTIME_CLI)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	root.AddCommand(newDetectCmd(&cfg, cfgErr))
	return root
}

// newDetectCmd prints what the client would report about the local runtime.
func newDetectCmd(cfg *config.BridgeClient, cfgErr error) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Print the local runtime health and exit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgErr != nil {
				return fmt.Errorf("load config: %w", cfgErr)
			}
			logger := logging.Init(cfg.LogLevel, "text")
			gateway, err := bridgeclient.NewGateway(cfg.GatewayURL, cfg.GatewayToken, cfg.ChatTimeout, logger)
			if err != nil {
				return err
			}
			rt := bridgeclient.NewLocalRuntime(cfg.RuntimeCLI, bridgeclient.ExecRunner(), gateway, clockwork.NewRealClock(), logger)
			h := rt.Detect(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "installed=%t version=%s gateway_running=%t platform=%s\n",
				h.Installed, h.Version, h.GatewayRunning, h.Platform)
			return nil
		},
	}
}

func run(ctx context.Context, cfg config.BridgeClient) error {
	logger := logging.Init(cfg.LogLevel, "text")

	if cfg.Token == "" || cfg.AgentID == "" {
		return errors.New("token and agent id are required")
	}

	gateway, err := bridgeclient.NewGateway(cfg.GatewayURL, cfg.GatewayToken, cfg.ChatTimeout, logger)
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()
	rt := bridgeclient.NewLocalRuntime(cfg.RuntimeCLI, bridgeclient.ExecRunner(), gateway, clock, logger)

	client := bridgeclient.New(bridgeclient.Options{
		ServerURL:         cfg.ServerURL,
		Token:             cfg.Token,
		AgentID:           cfg.AgentID,
		ChatTimeout:       cfg.ChatTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectMax:      cfg.ReconnectMax,
	}, gateway, rt, clock, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := rt.Detect(ctx)
	if !health.Installed {
		logger.Warn("agent runtime not found, commands will fail until it is installed", "cli", cfg.RuntimeCLI, "hint", models.CommandInstall)
	}

	logger.Info("bridge client starting", "server", cfg.ServerURL, "agent_id", cfg.AgentID, "gateway", cfg.GatewayURL)
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("bridge client stopped")
		return nil
	}
	return err
}
