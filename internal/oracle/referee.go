package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

const refereeSystemPrompt = `You are Conversation-Referee-GPT.
You receive a SCORECARD (JSON) that summarises the current intervention.

End the intervention if **either** of these is true:
  • assistant already wrapped-up (assistant.wrap_up ≥ 1)
    AND user accepted / appreciates OR asked to stop (user.accepts ≥ 1 OR user.bails ≥ 1)
  • turns > 9  (failsafe)

Respond ONLY with {"decision":"close"}  or  {"decision":"continue"}.`

var _ Referee = (*LLMReferee)(nil)

// LLMReferee asks a generation backend whether to close an intervention.
type LLMReferee struct {
	provider llm.Provider
}

// NewLLMReferee returns a Referee backed by p.
func NewLLMReferee(p llm.Provider) *LLMReferee {
	return &LLMReferee{provider: p}
}

// ShouldClose implements [Referee].
func (r *LLMReferee) ShouldClose(ctx context.Context, sc Scorecard) (bool, error) {
	payload, err := json.Marshal(sc)
	if err != nil {
		return false, fmt.Errorf("oracle: referee: encode scorecard: %w", err)
	}
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: refereeSystemPrompt},
			{Role: llm.RoleUser, Content: string(payload)},
		},
		Temperature: 0,
		MaxTokens:   10,
	})
	if err != nil {
		return false, fmt.Errorf("oracle: referee: %w", err)
	}
	return parseDecision(resp.Content)
}

// parseDecision accepts {"decision":"close"|"continue"}. Answers that are not
// valid JSON, typically cut off by the token limit, close only when they name
// "close" and never mention "continue".
func parseDecision(content string) (bool, error) {
	if obj, ok := firstObject(content); ok {
		var v struct {
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal([]byte(obj), &v); err == nil {
			switch strings.ToLower(strings.TrimSpace(v.Decision)) {
			case "close":
				return true, nil
			case "continue":
				return false, nil
			default:
				return false, fmt.Errorf("%w: referee: decision %q", ErrMalformed, v.Decision)
			}
		}
	}

	lower := strings.ToLower(content)
	hasClose := strings.Contains(lower, `"close"`)
	hasContinue := strings.Contains(lower, "continue")
	switch {
	case hasClose && !hasContinue:
		return true, nil
	case hasContinue && !hasClose:
		return false, nil
	default:
		return false, fmt.Errorf("%w: referee: ambiguous answer %q", ErrMalformed, content)
	}
}
