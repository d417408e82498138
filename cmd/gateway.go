package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/automate-sh/automate/internal/agent"
	"github.com/automate-sh/automate/internal/bus"
	"github.com/automate-sh/automate/internal/channels/discord"
	"github.com/automate-sh/automate/internal/gateway"
	"github.com/automate-sh/automate/internal/providers"
	"github.com/automate-sh/automate/internal/router"
	"github.com/automate-sh/automate/internal/telemetry"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the assistant gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

// chatRunner adapts the minimal chat client to the agent runner
// capability. Richer drivers (tool loops) replace this wholesale.
type chatRunner struct {
	client *providers.ChatClient
}

func (r chatRunner) Run(ctx context.Context, messages []providers.Message, systemInjection string, onChunk func(string)) (agent.Result, error) {
	full := make([]providers.Message, 0, len(messages)+1)
	if systemInjection != "" {
		full = append(full, providers.Message{Role: providers.RoleSystem, Content: systemInjection})
	}
	full = append(full, messages...)

	reply, usage, err := r.client.Chat(ctx, full)
	if err != nil {
		return agent.Result{}, err
	}
	if onChunk != nil {
		onChunk(reply.Content)
	}
	return agent.Result{Content: reply.Content, Usage: usage}, nil
}

func runGateway() {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	runner := chatRunner{client: providers.NewChatClient(
		cfg.Agent.APIBase, cfg.Agent.APIKey, cfg.Agent.Model,
		cfg.Agent.MaxTokens, cfg.Agent.Temperature,
	)}

	agents := router.New()
	if err := agents.InitAgents(cfg, cfg.Agents, runner); err != nil {
		fmt.Fprintln(os.Stderr, "agents:", err)
		os.Exit(1)
	}

	// Heartbeats on every agent that has a scheduler.
	if cfg.Heartbeat.Enabled {
		interval := time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute
		for _, m := range agents.GetAll() {
			if err := m.Heartbeat.Start(interval, false); err != nil {
				slog.Warn("heartbeat start failed", "agent", m.Name(), "error", err)
			}
		}
	}

	msgBus := bus.New()

	// Consume inbound channel traffic.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgBus.Inbound():
				go handleInbound(ctx, agents, msgBus, msg)
			}
		}
	}()

	var discordChannel *discord.Channel
	if cfg.Channels.Discord.Enabled {
		discordChannel, err = discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else if err := discordChannel.Start(ctx); err != nil {
			slog.Error("discord channel start failed", "error", err)
			discordChannel = nil
		}
	}

	srv := gateway.NewServer(cfg, agents)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("gateway server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)
	if discordChannel != nil {
		discordChannel.Stop()
	}
	agents.Shutdown()
	shutdownTelemetry(shutdownCtx)
}

// handleInbound routes one bus message and sends the reply back out.
func handleInbound(ctx context.Context, agents *router.Router, msgBus *bus.MessageBus, msg bus.InboundMessage) {
	if resp, handled := agents.HandleCommand(ctx, msg.SessionKey, msg.Content, msg.UserID); handled {
		msgBus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: resp})
		return
	}

	reply, err := agents.ProcessMessage(ctx, msg.SessionKey, msg.Content, nil, msg.UserID)
	if err != nil {
		slog.Warn("message processing failed", "session", msg.SessionKey, "error", err)
		reply = "Something went wrong handling that message."
	}
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply})
}
