// Package mock provides test doubles for the Discord frontend.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SentMessage is one recorded ChannelMessageSend call.
type SentMessage struct {
	ChannelID string
	Content   string
}

// Sender records posted messages for test assertions.
type Sender struct {
	mu   sync.Mutex
	Sent []SentMessage

	// Err is returned by ChannelMessageSend when non-nil.
	Err error
}

// ChannelMessageSend records the message and returns the configured error.
func (m *Sender) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Sent = append(m.Sent, SentMessage{ChannelID: channelID, Content: content})
	return &discordgo.Message{ID: "mock-message"}, nil
}

// Last returns the most recently recorded message, or a zero value.
func (m *Sender) Last() SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return SentMessage{}
	}
	return m.Sent[len(m.Sent)-1]
}
