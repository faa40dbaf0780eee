package discord

import "github.com/bwmarrin/discordgo"

// Client is the subset of [discordgo.Session] the bot talks to. Tests
// substitute a recorder from the mock package.
type Client interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

var _ Client = (*discordgo.Session)(nil)
