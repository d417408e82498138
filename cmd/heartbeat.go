package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/automate-sh/automate/internal/heartbeat"
	"github.com/automate-sh/automate/internal/providers"
	"github.com/automate-sh/automate/internal/sessions"
)

func heartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Heartbeat utilities",
	}
	cmd.AddCommand(heartbeatTriggerCmd(), heartbeatLogCmd())
	return cmd
}

// heartbeatTriggerCmd runs one heartbeat pass immediately against the
// configured agent, printing the alert (if any).
func heartbeatTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Run one heartbeat check now",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr, err := openMemory()
			if err != nil {
				return err
			}
			store := sessions.NewStore(sessions.Options{
				Directory:     cfg.Sessions.Directory,
				ContextLimit:  cfg.Sessions.ContextLimit,
				CompactAt:     cfg.Sessions.CompactAt,
				AutoResetHour: -1,
			})
			defer store.Close()

			client := providers.NewChatClient(
				cfg.Agent.APIBase, cfg.Agent.APIKey, cfg.Agent.Model,
				cfg.Agent.MaxTokens, cfg.Agent.Temperature,
			)
			ctrl := heartbeat.New(mgr, store, nil, cliInvoker{client}, "")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			alert, err := ctrl.Trigger(ctx)
			if err != nil {
				return err
			}
			if alert == "" {
				fmt.Println("heartbeat ok — nothing needs attention")
			} else {
				fmt.Println(alert)
			}
			return nil
		},
	}
}

func heartbeatLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent heartbeat log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openMemory()
			if err != nil {
				return err
			}
			store := sessions.NewStore(sessions.Options{AutoResetHour: -1})
			defer store.Close()
			ctrl := heartbeat.New(mgr, store, nil, nil, "")
			for _, e := range ctrl.GetLog(limit) {
				line := fmt.Sprintf("%s  %-9s", e.Timestamp.Local().Format(time.RFC3339), e.Status)
				if e.Error != "" {
					line += "  " + e.Error
				} else if e.Content != "" {
					line += "  " + firstLine(e.Content)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	return cmd
}

// cliInvoker drives a single bare chat turn for manual heartbeat runs.
type cliInvoker struct {
	client *providers.ChatClient
}

func (c cliInvoker) ProcessMessage(ctx context.Context, _ string, prompt string, onChunk func(string)) (string, error) {
	reply, _, err := c.client.Chat(ctx, []providers.Message{{Role: providers.RoleUser, Content: prompt}})
	if err != nil {
		return "", err
	}
	if onChunk != nil {
		onChunk(reply.Content)
	}
	return reply.Content, nil
}
