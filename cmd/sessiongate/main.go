// Package main provides the CLI entry point for the sessiongate server.
//
// sessiongate multiplexes WebSocket and HTTP+SSE clients onto long-lived
// execution sessions and fans every session event out to its subscribers.
//
// # Basic Usage
//
// Start the server:
//
//	sessiongate serve --config sessiongate.yaml
//
// Send a message and stream the reply:
//
//	sessiongate send --url ws://localhost:8080/ws --session s1 "hello"
//
// Call any method:
//
//	sessiongate call --url ws://localhost:8080/ws list_sessions '{"activeOnly":true}'
//
// # Environment Variables
//
//   - SESSIONGATE_CONFIG: path to the configuration file
//   - SESSIONGATE_URL: gateway URL used by client commands
//   - SESSIONGATE_TOKEN: token used by client commands
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sessiongate",
		Short: "Session gateway for streaming execution engines",
		Long: `sessiongate exposes execution sessions over WebSocket and HTTP+SSE.

Clients subscribe to sessions, send messages and receive every event the
engine produces, on whichever transport they connected with.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSendCmd(),
		buildCallCmd(),
		buildStatusCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
