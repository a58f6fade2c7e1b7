package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the gateway with the WebSocket and HTTP+SSE transports.

API keys are reloaded when the configuration file changes. Graceful
shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults (one echo app on :8080)
  sessiongate serve

  # Start with a config file and debug logging
  sessiongate serve -c /etc/sessiongate.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Client Commands
// =============================================================================

// clientFlags are shared by the commands that talk to a running gateway.
type clientFlags struct {
	url     string
	token   string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", envOr("SESSIONGATE_URL", "ws://localhost:8080/ws"),
		"Gateway URL: ws:// for WebSocket, http:// for the HTTP transport prefix")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("SESSIONGATE_TOKEN"), "API key or JWT")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 60*time.Second, "Overall command timeout")
}

func buildSendCmd() *cobra.Command {
	var (
		flags   clientFlags
		session string
		raw     bool
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message to a session and stream the reply",
		Args:  cobra.ExactArgs(1),
		Example: `  sessiongate send --session s1 "summarize the thread"
  sessiongate send --url http://localhost:8080/api --session assistant:s1 --raw "hi"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), cmd.OutOrStdout(), flags, session, args[0], raw)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&session, "session", "s", "default", "Session key")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print every event as JSON instead of the streamed text")
	return cmd
}

func buildCallCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a gateway method and print the result",
		Args:  cobra.RangeArgs(1, 2),
		Example: `  sessiongate call list_apps
  sessiongate call history '{"sessionId":"s1","limit":20}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := "{}"
			if len(args) == 2 {
				params = args[1]
			}
			return runCall(cmd.Context(), cmd.OutOrStdout(), flags, args[0], params)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var (
		flags   clientFlags
		session string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), flags, session)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&session, "session", "s", "", "Include this session's snapshot")
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		email      string
		roles      []string
	)
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue a JWT signed with the configured secret",
		Example: `  sessiongate token -c sessiongate.yaml --user alice --roles admin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.OutOrStdout(), resolveConfigPath(configPath), userID, email, roles)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Comma-separated roles")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv("SESSIONGATE_CONFIG")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
