package coach

import (
	"fmt"
	"strings"

	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

// User-visible texts.
const (
	FailureMessage     = "Something went wrong, please try again."
	PauseMessage       = "Exercise paused. Anything else on your mind?"
	ClosingMessage     = "✅ Great work, that completes the exercise. Anything else feel helpful?"
	WelcomeBackMessage = "👋 Welcome back! How can I support you with your money feelings today?"
	announceFormat     = "💡 Let's try **%s**."
)

// DefaultStyleRules is the top-level style block of the coach persona.
const DefaultStyleRules = `You are a therapeutic money coach.

HARD STYLE LIMITS
• Replies 30-40 words.
• No "thanks for sharing", "I hear you".
• No metaphors or analogies.
• No em dashes or double hyphens.
• Ask exactly ONE question.
• One next-step suggestion only when helpful.
• No numbered lists unless the user asks.
`

// DefaultPersona follows the style rules in the system message.
const DefaultPersona = "Speak like a thoughtful human friend. " +
	"Short empathy line first if it truly helps, then move forward. " +
	"Be proactive when the user seems stuck. " +
	"Never reveal any <COACH_NOTES>."

// Persona is the always-present system text. It can be swapped at runtime
// with [Engine.SetPersona].
type Persona struct {
	StyleRules string
	Persona    string
}

// DefaultPersonaConfig returns the built-in persona.
func DefaultPersonaConfig() Persona {
	return Persona{StyleRules: DefaultStyleRules, Persona: DefaultPersona}
}

func (p Persona) text() string {
	return p.StyleRules + p.Persona
}

// systemMessage renders the persona plus whatever the session knows about
// the user.
func systemMessage(p Persona, profile string, memories []string) llm.Message {
	var b strings.Builder
	b.WriteString(p.text())
	if profile != "" {
		b.WriteString("\n\nUSER PROFILE:\n")
		b.WriteString(profile)
	}
	if len(memories) > 0 {
		b.WriteString("\n\nRELEVANT MEMORIES:")
		for _, m := range memories {
			b.WriteString("\n- ")
			b.WriteString(m)
		}
	}
	return llm.Message{Role: llm.RoleSystem, Content: b.String()}
}

func notesMessage(prompt string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: "<COACH_NOTES>\n" + prompt + "\n</COACH_NOTES>"}
}

func announcement(name string) string {
	return fmt.Sprintf(announceFormat, name)
}

// buildMessages assembles the backend request for a coaching turn. The user
// turn for text must already be the newest history entry; it is sent once, at
// the end, after the window of earlier turns. The notes flag is set when the
// intervention notes are included.
func (e *Engine) buildMessages(s *Session, text string) []llm.Message {
	msgs := []llm.Message{systemMessage(e.Persona(), s.profile, s.recalled)}
	if s.active != nil && !s.notesInjected {
		msgs = append(msgs, notesMessage(s.active.Prompt))
		s.notesInjected = true
	}

	window := s.history.Last(e.settings.PromptWindow + 1)
	if n := len(window); n > 0 {
		window = window[:n-1]
	}
	for _, t := range window {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Text})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
}
