package coach

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/moneycoach/internal/bridge"
	"github.com/MrWong99/moneycoach/internal/observe"
	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

// Intake texts and memory tags.
const (
	IntakeEcho         = "Thanks, I've noted that."
	IntakeSavedMessage = "✨ Saved! We'll build on this insight next time."
	intakeDoneUser     = "All intake answers complete."
	summaryPrefix      = "Intake summary JSON: "
)

// DefaultSummaryPrompt asks for the compact profile built from the intake
// answers. The answers are appended below it.
const DefaultSummaryPrompt = `Read the user's intake answers and create a compact JSON summary.

Return ONLY:
{
  "origin_story": "<at most 75 words>",
  "emotional_triggers": ["t1","t2","t3"],
  "notable_language": ["phrase1","phrase2"]
}
`

// IntakeQuestion is one questionnaire entry. Topic tags the stored answer.
type IntakeQuestion struct {
	Text  string `yaml:"text"`
	Topic string `yaml:"topic"`
}

// Intake is the first-visit questionnaire.
type Intake struct {
	Greeting      string
	Questions     []IntakeQuestion
	SummaryPrompt string
}

// DefaultIntake returns the built-in four-question money story intake.
func DefaultIntake() Intake {
	return Intake{
		Greeting: "👋 Hi! Let's start with a few quick questions so I can learn your money story.",
		Questions: []IntakeQuestion{
			{Text: "1️⃣ Earliest money memory from childhood?", Topic: "origin_story"},
			{Text: "2️⃣ Parents' attitudes about money?", Topic: "parents_attitude"},
			{Text: "3️⃣ Your aspirations regarding finances?", Topic: "aspirations"},
			{Text: "4️⃣ What would 'healing' your money relationship look like?", Topic: "healing_vision"},
		},
		SummaryPrompt: DefaultSummaryPrompt,
	}
}

func (in Intake) withDefaults() Intake {
	d := DefaultIntake()
	if in.Greeting == "" {
		in.Greeting = d.Greeting
	}
	if len(in.Questions) == 0 {
		in.Questions = d.Questions
	}
	if in.SummaryPrompt == "" {
		in.SummaryPrompt = d.SummaryPrompt
	}
	return in
}

// intakeTurn records one answer and asks the next question. After the last
// answer it produces the summary, which becomes the session's profile.
func (e *Engine) intakeTurn(ctx context.Context, s *Session, text string) (Reply, error) {
	qs := e.intake.Questions
	if step := len(s.answers); step < len(qs) {
		e.remember(ctx, s, text, IntakeEcho, map[string]any{
			"phase": "intake_q",
			"q":     step + 1,
			"topic": qs[step].Topic,
		})
		s.answers = append(s.answers, text)
		if next := len(s.answers); next < len(qs) {
			return Reply{Text: qs[next].Text}, nil
		}
	}
	// All answers are in. A failed summary leaves them in place so any
	// further message retries it.
	return e.summarise(ctx, s)
}

func (e *Engine) summarise(ctx context.Context, s *Session) (Reply, error) {
	log := observe.Logger(ctx).With("session_id", s.id)

	resp, err := e.complete(ctx, "summary", llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: e.Persona().text()},
			{Role: llm.RoleUser, Content: e.summaryPrompt(s.answers)},
		},
		Temperature: e.settings.SummaryTemperature,
	})
	if err != nil {
		log.Error("intake summary failed, answers kept for retry", "error", err)
		return Reply{Text: FailureMessage}, fmt.Errorf("%w: intake summary: %w", ErrTurnFailed, err)
	}

	summary := strings.TrimSpace(resp.Content)
	e.remember(ctx, s, intakeDoneUser, summaryPrefix+summary, map[string]any{
		"phase": bridge.TopicIntakeSummary,
		"topic": bridge.TopicIntakeSummary,
	})

	s.profile = summaryPrefix + summary
	s.answers = nil
	s.phase = PhaseCoaching
	log.Info("intake complete", "questions", len(e.intake.Questions))

	return Reply{
		Text:    "📋 **Here's what I heard:**\n```json\n" + summary + "\n```",
		Closing: IntakeSavedMessage,
	}, nil
}

func (e *Engine) summaryPrompt(answers []string) string {
	var b strings.Builder
	b.WriteString(e.intake.SummaryPrompt)
	b.WriteString("\nANSWERS:\n")
	for i, a := range answers {
		fmt.Fprintf(&b, "Q%d=%s\n", i+1, a)
	}
	return b.String()
}
