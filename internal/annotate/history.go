package annotate

import "time"

// Turn is one annotated utterance. Exactly one of User and Assistant is set,
// matching Role. Turns are never modified once appended to a History.
type Turn struct {
	Role      string         `json:"role"`
	Text      string         `json:"text"`
	User      *UserTags      `json:"user,omitempty"`
	Assistant *AssistantTags `json:"assistant,omitempty"`
	At        time.Time      `json:"at"`
}

// NewUserTurn annotates text as a user turn.
func NewUserTurn(text string, at time.Time) Turn {
	tags := User(text)
	return Turn{Role: RoleUser, Text: text, User: &tags, At: at}
}

// NewAssistantTurn annotates text as an assistant turn against prior.
func NewAssistantTurn(text string, prior []Turn, at time.Time) Turn {
	tags := Assistant(text, prior)
	return Turn{Role: RoleAssistant, Text: text, Assistant: &tags, At: at}
}

// History is a bounded FIFO window of turns in chronological order. When an
// append would exceed the limit the oldest turns are dropped.
//
// History is not safe for concurrent use; the owning session serialises
// access.
type History struct {
	turns []Turn
	limit int
}

// NewHistory returns an empty History holding at most limit turns. A
// non-positive limit is treated as 1.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit, turns: make([]Turn, 0, limit)}
}

// Append adds t and truncates to the limit.
func (h *History) Append(t Turn) {
	h.turns = append(h.turns, t)
	if over := len(h.turns) - h.limit; over > 0 {
		// Shift in place so the backing array does not grow without bound.
		n := copy(h.turns, h.turns[over:])
		clear(h.turns[n:])
		h.turns = h.turns[:n]
	}
}

// Turns returns a copy of all retained turns, oldest first.
func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Last returns a copy of the most recent n turns, oldest first.
func (h *History) Last(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n > len(h.turns) {
		n = len(h.turns)
	}
	out := make([]Turn, n)
	copy(out, h.turns[len(h.turns)-n:])
	return out
}

// Len returns the number of retained turns.
func (h *History) Len() int { return len(h.turns) }

// Limit returns the configured bound.
func (h *History) Limit() int { return h.limit }

// LastUser returns the most recent user turn.
func (h *History) LastUser() (Turn, bool) { return h.lastOf(RoleUser) }

// LastAssistant returns the most recent assistant turn.
func (h *History) LastAssistant() (Turn, bool) { return h.lastOf(RoleAssistant) }

func (h *History) lastOf(role string) (Turn, bool) {
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == role {
			return h.turns[i], true
		}
	}
	return Turn{}, false
}
