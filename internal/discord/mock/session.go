// Package mock provides a recording Discord client for tests.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Sent is one recorded channel message.
type Sent struct {
	ChannelID string
	Content   string
}

// Client records channel messages and interaction responses.
type Client struct {
	mu sync.Mutex

	// Messages records all ChannelMessageSend calls in order.
	Messages []Sent

	// Typing records the channel of every ChannelTyping call.
	Typing []string

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// Err is returned by every method when non-nil.
	Err error
}

// ChannelMessageSend records the message and returns a stub message.
func (m *Client) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, Sent{ChannelID: channelID, Content: content})
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

// ChannelTyping records the call.
func (m *Client) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Typing = append(m.Typing, channelID)
	return m.Err
}

// InteractionRespond records the response.
func (m *Client) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// Contents returns the content of every sent message in order.
func (m *Client) Contents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Messages))
	for i, s := range m.Messages {
		out[i] = s.Content
	}
	return out
}

// LastResponse returns the most recently recorded response, or nil.
func (m *Client) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// Reset clears all recordings and the injected error.
func (m *Client) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages, m.Typing, m.Responses, m.Err = nil, nil, nil, nil
}
