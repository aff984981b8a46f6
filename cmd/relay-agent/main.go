// relay-agent is a reference agent: it connects to the relay with a
// provisioned token and echoes every user message back into its session.
// Real agents embed internal/agentclient and replace the handler.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawui/claw-relay/internal/agentclient"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Claw Relay Agent", "version", AppVersion)

	var client *agentclient.Client
	client = agentclient.New(agentclient.Config{
		URL:               config.Relay.URL,
		TokenID:           config.Relay.TokenID,
		Secret:            config.Relay.Secret,
		HeartbeatInterval: config.Relay.HeartbeatInterval,
		MaxAttempts:       config.Relay.MaxAttempts,
	}, func(sessionID, content string) {
		if err := client.Send(sessionID, "echo: "+content); err != nil {
			slog.Error("Failed to send reply", "error", err, "session_id", sessionID)
		}
	})

	if err := client.Start(); err != nil {
		slog.Error("Failed to start agent client", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	if err := client.Stop(); err != nil {
		slog.Error("Agent client stop error", "error", err)
	}
	slog.Info("Shutdown complete")
}
