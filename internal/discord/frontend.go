// Package discord provides an optional Discord text frontend. Each Discord
// channel maps to one conversation: channel messages are relayed into the
// orchestrator and assistant responses are posted back to the channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/ensemble/pkg/chat"
)

// ingestTimeout bounds the synchronous part of message ingestion (the
// append to the conversation log). Responses arrive asynchronously.
const ingestTimeout = 10 * time.Second

// maxDiscordMessage is Discord's hard limit on message length.
const maxDiscordMessage = 2000

// Conversations is the slice of the orchestrator the frontend needs.
type Conversations interface {
	HandleUserMessage(ctx context.Context, conversationID, content string, typ chat.MessageType) (chat.Message, error)
}

// Sender posts messages to a channel. *discordgo.Session satisfies it.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Frontend owns the discordgo session lifecycle and relays messages in both
// directions.
type Frontend struct {
	orch      Conversations
	sender    Sender
	channelID string
	log       *slog.Logger

	mu        sync.Mutex
	session   *discordgo.Session
	selfID    string
	closeOnce sync.Once
}

// Option configures a [Frontend].
type Option func(*Frontend)

// WithLogger sets the frontend logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Frontend) {
		if log != nil {
			f.log = log
		}
	}
}

// New connects to the Discord gateway and starts relaying messages.
// channelID restricts the frontend to a single channel; empty relays every
// channel the account can read.
func New(token, channelID string, orch Conversations, opts ...Option) (*Frontend, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	f := &Frontend{
		orch:      orch,
		sender:    session,
		channelID: channelID,
		log:       slog.Default(),
		session:   session,
	}
	for _, opt := range opts {
		opt(f)
	}

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		f.handleMessage(m)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	if session.State != nil && session.State.User != nil {
		f.mu.Lock()
		f.selfID = session.State.User.ID
		f.mu.Unlock()
	}

	f.log.Info("discord frontend connected", "channel", channelID)
	return f, nil
}

// handleMessage relays one incoming channel message into the orchestrator.
func (f *Frontend) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	f.mu.Lock()
	self := f.selfID
	f.mu.Unlock()
	if m.Author.ID == self {
		return
	}
	if f.channelID != "" && m.ChannelID != f.channelID {
		return
	}
	if m.Content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	if _, err := f.orch.HandleUserMessage(ctx, m.ChannelID, m.Content, chat.TypeText); err != nil {
		f.log.Error("discord message ingest failed",
			"channel", m.ChannelID, "error", err)
	}
}

// Deliver posts an assistant response back to its channel. The signature
// matches [orchestrator.Callback] so it can be wired as (part of) the
// response callback. Voice responses are rendered as text with a marker
// since this frontend has no audio path.
func (f *Frontend) Deliver(conversationID string, msg chat.Message) {
	content := fmt.Sprintf("**%s**: %s", msg.Sender, msg.Content)
	if msg.Type == chat.TypeVoice {
		content = fmt.Sprintf("🔊 **%s**: %s", msg.Sender, msg.Content)
	}
	if r := []rune(content); len(r) > maxDiscordMessage {
		content = string(r[:maxDiscordMessage-1]) + "…"
	}

	if _, err := f.sender.ChannelMessageSend(conversationID, content); err != nil {
		f.log.Error("discord delivery failed",
			"channel", conversationID, "bot", msg.Sender, "error", err)
	}
}

// Close disconnects from the Discord gateway. Safe to call more than once.
func (f *Frontend) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		session := f.session
		f.mu.Unlock()
		if session != nil {
			err = session.Close()
		}
	})
	return err
}
