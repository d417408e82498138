package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/automate-sh/automate/internal/bus"
	"github.com/automate-sh/automate/internal/config"
)

// Channel connects to Discord via the Bot API using gateway events and
// publishes inbound messages onto the bus.
type Channel struct {
	session   *discordgo.Session
	cfg       config.DiscordConfig
	msgBus    *bus.MessageBus
	botUserID string // populated on start
}

// New creates a discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &Channel{session: session, cfg: cfg, msgBus: msgBus}
	msgBus.RegisterOutbound("discord", c.send)
	return c, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botUserID = c.session.State.User.ID
	}
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop() error {
	return c.session.Close()
}

// allowedSender checks the channel-level allowFrom list.
func (c *Channel) allowedSender(userID string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	for _, allow := range c.cfg.AllowFrom {
		if allow == "*" || allow == userID {
			return true
		}
	}
	return false
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}
	if !c.allowedSender(m.Author.ID) {
		slog.Debug("discord: sender not allowed", "user", m.Author.ID)
		return
	}

	content := strings.TrimSpace(m.Content)
	// In guild channels, require an @mention and strip it.
	if m.GuildID != "" {
		mention := "<@" + c.botUserID + ">"
		if !strings.Contains(content, mention) {
			return
		}
		content = strings.TrimSpace(strings.ReplaceAll(content, mention, ""))
	}
	if content == "" {
		return
	}

	c.msgBus.PublishInbound(bus.InboundMessage{
		Channel:    "discord",
		SenderID:   m.Author.ID,
		ChatID:     m.ChannelID,
		Content:    content,
		UserID:     m.Author.ID,
		SessionKey: fmt.Sprintf("discord:%s:%s", m.ChannelID, m.Author.ID),
	})
}

// send delivers an outbound message, splitting at Discord's 2000-char
// message limit.
func (c *Channel) send(msg bus.OutboundMessage) {
	const limit = 2000
	content := msg.Content
	for len(content) > 0 {
		part := content
		if len(part) > limit {
			part = part[:limit]
		}
		content = content[len(part):]
		if _, err := c.session.ChannelMessageSend(msg.ChatID, part); err != nil {
			slog.Warn("discord: send failed", "chat", msg.ChatID, "error", err)
			return
		}
	}
}
