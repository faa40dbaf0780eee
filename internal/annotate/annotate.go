// Package annotate tags user and assistant utterances with the lightweight
// signals the coaching session and the referee rely on.
//
// All functions are pure: they depend only on their arguments.
package annotate

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Role values of a [Turn].
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// UserTags are the signals extracted from a user utterance.
type UserTags struct {
	// Accept is set when the user affirms ("thanks", "got it", …).
	Accept bool `json:"accept"`
	// Bail is set when the user asks to stop, skip or quit anywhere in the text.
	Bail bool `json:"bail"`
	// Emotion is a single label such as "anxious", or empty.
	Emotion string `json:"emotion,omitempty"`
}

// AssistantTags are the signals extracted from an assistant reply.
type AssistantTags struct {
	// WrapUp is set when the reply contains a closing-phrase marker.
	WrapUp bool `json:"wrap_up"`
	// Question is set when the trimmed reply ends with "?".
	Question bool `json:"question"`
	// Repeated is set when the reply is a question identical, after
	// normalisation, to the nearest earlier question.
	Repeated bool `json:"repeated"`
}

var (
	acceptPhrases = []string{"thanks", "got it", "makes sense"}
	bailPhrases   = []string{"stop", "skip", "quit"}
	wrapUpMarkers = []string{"✅", "great work", "completes the exercise"}

	// emotionKeywords maps a lowercase keyword to its label. The first match
	// in table order wins.
	emotionKeywords = []struct{ keyword, label string }{
		{"anxious", "anxious"},
	}
)

// User annotates a user utterance.
func User(text string) UserTags {
	lower := strings.ToLower(text)
	tags := UserTags{
		Accept: containsAny(lower, acceptPhrases),
		Bail:   containsAny(lower, bailPhrases),
	}
	for _, e := range emotionKeywords {
		if strings.Contains(lower, e.keyword) {
			tags.Emotion = e.label
			break
		}
	}
	return tags
}

// Assistant annotates an assistant reply. prior is the history preceding the
// reply, oldest first; only its question-tagged assistant turns are consulted.
func Assistant(text string, prior []Turn) AssistantTags {
	tags := AssistantTags{
		WrapUp:   containsAny(strings.ToLower(text), wrapUpMarkers),
		Question: IsQuestion(text),
	}
	if !tags.Question {
		return tags
	}
	fp := Fingerprint(text)
	for i := len(prior) - 1; i >= 0; i-- {
		t := prior[i]
		if t.Role != RoleAssistant || t.Assistant == nil || !t.Assistant.Question {
			continue
		}
		tags.Repeated = fp == Fingerprint(t.Text)
		break
	}
	return tags
}

// IsQuestion reports whether the trimmed text ends with a question mark.
// Blank text is never a question.
func IsQuestion(text string) bool {
	return strings.HasSuffix(strings.TrimSpace(text), "?")
}

// Fingerprint returns a short stable hash of text after lowercasing and
// collapsing every whitespace run to a single space.
func Fingerprint(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha1.Sum([]byte(norm))
	return hex.EncodeToString(sum[:])[:10]
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
