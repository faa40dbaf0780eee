// Package discord provides the Discord text front-end. It owns the
// discordgo.Session lifecycle, answers channel and direct messages through
// coaching sessions and routes the /coach slash commands.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/moneycoach/internal/coach"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string

	// ChannelIDs restricts guild conversations to these channels.
	ChannelIDs []string
}

// Bot owns the Discord gateway connection.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	chat      *Chat
	router    *CommandRouter
	commands  []*discordgo.ApplicationCommand
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord and registers the message and
// interaction handlers.
func New(ctx context.Context, cfg Config, mgr *coach.Manager) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuilds

	ctx, cancel := context.WithCancel(ctx)
	b := &Bot{
		session: session,
		chat:    NewChat(mgr, cfg.ChannelIDs),
		router:  NewCommandRouter(),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.registerCommands()

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if s.State != nil && s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
			return
		}
		b.chat.HandleMessage(b.ctx, s, m.Message)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	if err := session.Open(); err != nil {
		cancel()
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Chat returns the conversation handler.
func (b *Bot) Chat() *Chat { return b.chat }

// Run registers slash commands with the Discord API and blocks until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, "", cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close disconnects from Discord and unregisters commands.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		defer b.mu.Unlock()

		if len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, "", cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}
