package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

var coachCommand = &discordgo.ApplicationCommand{
	Name:        "coach",
	Description: "Manage your coaching session",
	Options: []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "reset",
			Description: "End your session in this channel",
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "state",
			Description: "Show your session phase and active exercise",
		},
	},
}

func (b *Bot) registerCommands() {
	RegisterChatCommands(b.ctx, b.router, b.chat)
}

// RegisterChatCommands wires /coach reset and /coach state to chat.
func RegisterChatCommands(ctx context.Context, r *CommandRouter, chat *Chat) {
	r.RegisterCommand("coach/reset", coachCommand, func(c Client, i *discordgo.InteractionCreate) {
		u := interactionUser(i)
		if u == nil {
			RespondEphemeral(c, i, "Could not tell who you are.")
			return
		}
		if chat.Reset(ctx, i.ChannelID, u.ID) {
			RespondEphemeral(c, i, "Session ended. Send a message to start fresh.")
			return
		}
		RespondEphemeral(c, i, "You have no session in this channel.")
	})

	r.RegisterHandler("coach/state", func(c Client, i *discordgo.InteractionCreate) {
		u := interactionUser(i)
		if u == nil {
			RespondEphemeral(c, i, "Could not tell who you are.")
			return
		}
		st, ok := chat.State(i.ChannelID, u.ID)
		if !ok {
			RespondEphemeral(c, i, "You have no session in this channel.")
			return
		}
		msg := fmt.Sprintf("Phase: **%s**, mode: **%s**", st.Phase, st.Mode)
		if st.Intervention != "" {
			msg += fmt.Sprintf(", exercise: **%s** (turn %d)", st.Intervention, st.TurnsInIntervention)
		}
		RespondEphemeral(c, i, msg)
	})
}
