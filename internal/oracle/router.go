package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/moneycoach/internal/catalog"
	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

const routerSystemPrompt = "You are a routing assistant.  Pick the single most relevant " +
	"Intervention name for the USER_TEXT or output 'none'. " +
	`Respond ONLY with {"choice":"<Name|none>"}`

// descriptionLimit caps each catalog description in the router prompt.
const descriptionLimit = 150

var _ Router = (*LLMRouter)(nil)

// LLMRouter asks a generation backend to pick an intervention.
type LLMRouter struct {
	provider llm.Provider
}

// NewLLMRouter returns a Router backed by p.
func NewLLMRouter(p llm.Provider) *LLMRouter {
	return &LLMRouter{provider: p}
}

// Choose implements [Router]. An answer of "none" yields "" and no error.
// Unparseable answers and names missing from cat yield "" and an error
// wrapping [ErrMalformed].
func (r *LLMRouter) Choose(ctx context.Context, text string, cat *catalog.Catalog) (string, error) {
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: routerSystemPrompt},
			{Role: llm.RoleUser, Content: routerPrompt(text, cat)},
		},
		Temperature: 0,
		MaxTokens:   20,
	})
	if err != nil {
		return "", fmt.Errorf("oracle: router: %w", err)
	}

	choice, err := parseChoice(resp.Content)
	if err != nil {
		return "", err
	}
	if choice == "" || strings.EqualFold(choice, "none") {
		return "", nil
	}
	if _, ok := cat.Lookup(choice); !ok {
		return "", fmt.Errorf("%w: unknown intervention %q", ErrMalformed, choice)
	}
	return choice, nil
}

func routerPrompt(text string, cat *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString("USER_TEXT:\n")
	b.WriteString(text)
	b.WriteString("\n\nINTERVENTIONS:\n")
	for i, rec := range cat.Records() {
		if i > 0 {
			b.WriteByte('\n')
		}
		desc := rec.Description
		if r := []rune(desc); len(r) > descriptionLimit {
			desc = string(r[:descriptionLimit])
		}
		fmt.Fprintf(&b, "- %s: %s…", rec.Name, desc)
	}
	return b.String()
}

func parseChoice(content string) (string, error) {
	obj, ok := firstObject(content)
	if !ok {
		return "", fmt.Errorf("%w: router: no JSON object in %q", ErrMalformed, content)
	}
	var v struct {
		Choice *string `json:"choice"`
	}
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return "", fmt.Errorf("%w: router: %w", ErrMalformed, err)
	}
	if v.Choice == nil {
		return "", fmt.Errorf("%w: router: missing choice", ErrMalformed)
	}
	return strings.TrimSpace(*v.Choice), nil
}
