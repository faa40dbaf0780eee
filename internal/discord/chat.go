package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/moneycoach/internal/coach"
)

// maxMessageLen is Discord's limit on a single message's content.
const maxMessageLen = 2000

// Chat maps Discord conversations onto coaching sessions. A conversation is
// one author in one channel; direct messages count as their own channel.
type Chat struct {
	mgr      *coach.Manager
	channels map[string]bool

	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	// mu orders turns and their posted replies.
	mu        sync.Mutex
	sessionID string
}

// NewChat creates a [Chat]. When channelIDs is non-empty, guild messages
// outside those channels are ignored.
func NewChat(mgr *coach.Manager, channelIDs []string) *Chat {
	ch := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		ch[id] = true
	}
	return &Chat{mgr: mgr, channels: ch, convs: make(map[string]*conversation)}
}

// Accepts reports whether m should be answered.
func (c *Chat) Accepts(m *discordgo.Message) bool {
	if m == nil || m.Author == nil || m.Author.Bot {
		return false
	}
	if strings.TrimSpace(m.Content) == "" {
		return false
	}
	if m.GuildID == "" || len(c.channels) == 0 {
		return true
	}
	return c.channels[m.ChannelID]
}

// HandleMessage runs one turn for m and posts the reply messages in order.
//
// The first message of a conversation opens a session and posts its opening
// messages. In intake the message only opens the conversation; a returning
// user's message is also answered right away.
func (c *Chat) HandleMessage(ctx context.Context, client Client, m *discordgo.Message) {
	if !c.Accepts(m) {
		return
	}
	log := slog.With("channel_id", m.ChannelID, "author_id", m.Author.ID)
	conv := c.conversation(key(m.ChannelID, m.Author.ID))

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if err := client.ChannelTyping(m.ChannelID); err != nil {
		log.Debug("discord: typing indicator failed", "err", err)
	}

	if conv.sessionID == "" {
		sess, r := c.mgr.Create(ctx, userID(m.Author.ID))
		conv.sessionID = sess.ID()
		post(client, m.ChannelID, r.Messages(), log)
		if r.Phase == coach.PhaseIntake {
			return
		}
	}

	r, err := c.mgr.Handle(ctx, conv.sessionID, m.Content)
	switch {
	case errors.Is(err, coach.ErrSessionNotFound), errors.Is(err, coach.ErrSessionClosed):
		// Ended elsewhere; the next message starts over.
		conv.sessionID = ""
		post(client, m.ChannelID, []string{"Session ended. Send another message to start again."}, log)
		return
	case err != nil && !errors.Is(err, coach.ErrTurnFailed):
		log.Error("discord: turn failed", "err", err)
		post(client, m.ChannelID, []string{coach.FailureMessage}, log)
		return
	}
	post(client, m.ChannelID, r.Messages(), log)
}

// Reset ends the session of authorID in channelID. It reports whether one
// existed.
func (c *Chat) Reset(ctx context.Context, channelID, authorID string) bool {
	k := key(channelID, authorID)
	c.mu.Lock()
	conv, ok := c.convs[k]
	delete(c.convs, k)
	c.mu.Unlock()
	if !ok {
		return false
	}

	conv.mu.Lock()
	id := conv.sessionID
	conv.mu.Unlock()
	if id == "" {
		return false
	}
	return c.mgr.End(ctx, id) == nil
}

// State returns the session state of authorID in channelID.
func (c *Chat) State(channelID, authorID string) (coach.State, bool) {
	c.mu.Lock()
	conv, ok := c.convs[key(channelID, authorID)]
	c.mu.Unlock()
	if !ok {
		return coach.State{}, false
	}
	conv.mu.Lock()
	id := conv.sessionID
	conv.mu.Unlock()

	s, err := c.mgr.Get(id)
	if err != nil {
		return coach.State{}, false
	}
	return s.Snapshot(), true
}

func (c *Chat) conversation(k string) *conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[k]
	if !ok {
		conv = &conversation{}
		c.convs[k] = conv
	}
	return conv
}

func post(client Client, channelID string, msgs []string, log *slog.Logger) {
	for _, msg := range msgs {
		for _, part := range splitMessage(msg, maxMessageLen) {
			if _, err := client.ChannelMessageSend(channelID, part); err != nil {
				log.Warn("discord: failed to send message", "err", err)
				return
			}
		}
	}
}

func key(channelID, authorID string) string {
	return channelID + "/" + authorID
}

func userID(authorID string) string {
	return fmt.Sprintf("discord:%s", authorID)
}

// splitMessage cuts text into chunks of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
