// Package coach implements the coaching session state machine.
//
// A [Session] is either in plain conversation ([ModeNormal]) or inside a
// scripted exercise ([ModeIntervention]). [Engine.HandleMessage] processes one
// user message at a time: it may start an intervention chosen by the router,
// injects the intervention notes once per activation, asks the generation
// backend for a reply, persists the exchange in the background and closes the
// intervention on a user exit, a completion indicator, a referee decision or
// the turn-count failsafe.
//
// Router, referee and memory failures degrade to the least disruptive choice
// and never fail a turn. Only a generation backend failure does, in which case
// the turn's mode changes are rolled back so the message can be resent.
package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/moneycoach/internal/annotate"
	"github.com/MrWong99/moneycoach/internal/bridge"
	"github.com/MrWong99/moneycoach/internal/catalog"
	"github.com/MrWong99/moneycoach/internal/observe"
	"github.com/MrWong99/moneycoach/internal/oracle"
	"github.com/MrWong99/moneycoach/pkg/provider/llm"
)

// Memory is the engine's view of long-term memory. [bridge.Bridge]
// implements it.
type Memory interface {
	Prime(ctx context.Context, userID, query string, k int) (bridge.Primed, error)
	Recall(ctx context.Context, userID, query string, k int, filter map[string]any) ([]string, error)
	Remember(userID, user, assistant string, metadata map[string]any) error
}

var _ Memory = (*bridge.Bridge)(nil)

// Settings tune the state machine. Zero fields take the defaults from
// [DefaultSettings].
type Settings struct {
	// HistoryLimit bounds the stored history of a session.
	HistoryLimit int

	// PromptWindow is how many earlier history entries accompany each
	// request.
	PromptWindow int

	// FailsafeTurns force-closes an intervention once its turn counter
	// exceeds this value.
	FailsafeTurns int

	// Temperature for coaching replies.
	Temperature float64

	// SummaryTemperature for the intake summary.
	SummaryTemperature float64

	// ExitKeywords end an active intervention when they are the whole
	// message, compared case-insensitively.
	ExitKeywords []string

	// RecallTopK memories are fetched for every coaching turn. Zero
	// disables per-turn recall.
	RecallTopK int

	// PrimeQuery is the recall query used when a session starts.
	PrimeQuery string
}

// DefaultSettings returns the standard tuning.
func DefaultSettings() Settings {
	return Settings{
		HistoryLimit:       50,
		PromptWindow:       10,
		FailsafeTurns:      9,
		Temperature:        0.7,
		SummaryTemperature: 0.3,
		ExitKeywords:       []string{"stop", "skip", "quit"},
		PrimeQuery:         "money story",
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = d.HistoryLimit
	}
	if s.PromptWindow <= 0 {
		s.PromptWindow = d.PromptWindow
	}
	if s.FailsafeTurns <= 0 {
		s.FailsafeTurns = d.FailsafeTurns
	}
	if s.Temperature == 0 {
		s.Temperature = d.Temperature
	}
	if s.SummaryTemperature == 0 {
		s.SummaryTemperature = d.SummaryTemperature
	}
	if len(s.ExitKeywords) == 0 {
		s.ExitKeywords = d.ExitKeywords
	}
	if s.PrimeQuery == "" {
		s.PrimeQuery = d.PrimeQuery
	}
	return s
}

// Dependencies are the collaborators every [Engine] needs.
type Dependencies struct {
	LLM     llm.Provider
	Router  oracle.Router
	Referee oracle.Referee
	Catalog *catalog.Catalog
	Memory  Memory
}

// Engine runs turns for any number of sessions. It holds no per-session
// state and is safe for concurrent use.
type Engine struct {
	llm      llm.Provider
	router   oracle.Router
	referee  oracle.Referee
	catalog  *catalog.Catalog
	memory   Memory
	metrics  *observe.Metrics
	settings Settings
	intake   Intake
	persona  atomic.Pointer[Persona]
	strict   bool
	now      func() time.Time
	newID    func() string
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSettings overrides the default tuning.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s.withDefaults() }
}

// WithIntake overrides the default intake questionnaire.
func WithIntake(in Intake) Option {
	return func(e *Engine) { e.intake = in.withDefaults() }
}

// WithPersona sets the initial persona.
func WithPersona(p Persona) Option {
	return func(e *Engine) { e.persona.Store(&p) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStrictInvariants makes an invariant violation panic instead of only
// being logged.
func WithStrictInvariants(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// NewEngine validates deps and returns a ready [Engine].
func NewEngine(deps Dependencies, opts ...Option) (*Engine, error) {
	var errs []error
	if deps.LLM == nil {
		errs = append(errs, errors.New("generation backend is required"))
	}
	if deps.Router == nil {
		errs = append(errs, errors.New("router is required"))
	}
	if deps.Referee == nil {
		errs = append(errs, errors.New("referee is required"))
	}
	if deps.Catalog == nil {
		errs = append(errs, errors.New("catalog is required"))
	}
	if deps.Memory == nil {
		errs = append(errs, errors.New("memory is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("coach: new engine: %w", errors.Join(errs...))
	}

	e := &Engine{
		llm:      deps.LLM,
		router:   deps.Router,
		referee:  deps.Referee,
		catalog:  deps.Catalog,
		memory:   deps.Memory,
		settings: DefaultSettings(),
		intake:   DefaultIntake(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	p := DefaultPersonaConfig()
	e.persona.Store(&p)
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Persona returns the current persona.
func (e *Engine) Persona() Persona { return *e.persona.Load() }

// SetPersona replaces the persona for all following turns.
func (e *Engine) SetPersona(p Persona) { e.persona.Store(&p) }

// Settings returns the effective tuning.
func (e *Engine) Settings() Settings { return e.settings }

// Reply is what the user sees after one call. Announcement, Text and Closing
// are shown in that order; empty ones are skipped.
type Reply struct {
	Announcement string
	Text         string
	Closing      string

	Phase        Phase
	Mode         Mode
	Intervention string
}

// Messages returns the non-empty visible messages in display order.
func (r Reply) Messages() []string {
	out := make([]string, 0, 3)
	for _, m := range []string{r.Announcement, r.Text, r.Closing} {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// Start creates a session for userID. A user with a stored intake summary is
// welcomed back into coaching; anyone else starts the intake questionnaire.
// Memory failures are logged and treated as a first visit.
func (e *Engine) Start(ctx context.Context, userID string) (*Session, Reply) {
	ctx, span := observe.StartSpan(ctx, "coach.start")
	defer span.End()

	s := &Session{
		id:        e.newID(),
		userID:    userID,
		createdAt: e.now(),
		phase:     PhaseIntake,
		mode:      ModeNormal,
		history:   annotate.NewHistory(e.settings.HistoryLimit),
	}
	s.touch(s.createdAt)
	span.SetAttributes(observe.AttrSessionID.String(s.id))
	log := observe.Logger(ctx).With("session_id", s.id, "user_id", userID)

	primed, err := e.memory.Prime(ctx, userID, e.settings.PrimeQuery, e.settings.RecallTopK)
	if err != nil {
		log.Warn("memory unavailable at session start, starting intake",
			"error", fmt.Errorf("%w: %w", ErrCollaboratorUnavailable, err))
		e.metrics.RecordFallback(ctx, "memory", "unavailable")
	}
	s.profile = primed.Profile
	s.recalled = primed.Memories

	var r Reply
	if s.profile != "" {
		s.phase = PhaseCoaching
		r.Text = WelcomeBackMessage
	} else {
		r.Announcement = e.intake.Greeting
		r.Text = e.intake.Questions[0].Text
	}
	log.Info("session started", "phase", s.phase, "mode", s.mode)
	return s, e.finish(s, r)
}

// HandleMessage processes one user message. Turns of the same session are
// serialised. On a generation backend failure the returned error wraps
// [ErrTurnFailed] and Reply.Text holds the generic failure message.
func (e *Engine) HandleMessage(ctx context.Context, s *Session, text string) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Reply{}, ErrSessionClosed
	}

	start := e.now()
	s.touch(start)
	defer func() { s.touch(e.now()) }()
	phase := s.phase
	var err error
	ctx, span := observe.StartSpan(ctx, "coach.turn",
		observe.AttrSessionID.String(s.id),
		observe.AttrPhase.String(string(phase)),
	)
	defer observe.EndSpan(span, &err)

	text = strings.TrimSpace(text)
	var r Reply
	if s.phase == PhaseIntake {
		r, err = e.intakeTurn(ctx, s, text)
	} else {
		r, err = e.coachTurn(ctx, s, text)
	}

	status := observe.StatusOK
	if err != nil {
		status = observe.StatusError
	}
	span.SetAttributes(observe.AttrMode.String(string(s.mode)))
	e.metrics.TurnDuration.Record(ctx, e.now().Sub(start).Seconds(),
		metric.WithAttributes(
			attribute.String("phase", string(phase)),
			attribute.String("status", status),
		),
	)
	e.checkInvariants(ctx, s)
	return e.finish(s, r), err
}

// coachTurn is one step of the state machine in coaching phase.
func (e *Engine) coachTurn(ctx context.Context, s *Session, text string) (Reply, error) {
	log := observe.Logger(ctx).With("session_id", s.id)

	if s.mode == ModeIntervention && e.isExit(text) {
		e.emit(ctx, s, s.leave(ReasonUserExit))
		return Reply{Text: PauseMessage}, nil
	}

	s.history.Append(annotate.NewUserTurn(text, e.now()))
	saved := s.saveMode()

	var (
		r       Reply
		pending []modeChange
	)
	if s.mode == ModeNormal {
		if rec, ok := e.choose(ctx, s, text); ok {
			pending = append(pending, s.enter(rec, ReasonRouter))
			r.Announcement = announcement(rec.Name)
		}
	}

	if e.settings.RecallTopK > 0 {
		s.recalled = e.recall(ctx, s, text)
	}

	resp, err := e.complete(ctx, "reply", llm.CompletionRequest{
		Messages:    e.buildMessages(s, text),
		Temperature: e.settings.Temperature,
	})
	if err != nil {
		s.restoreMode(saved)
		log.Error("generation backend failed, turn rolled back", "error", err)
		return Reply{Text: FailureMessage}, fmt.Errorf("%w: %w", ErrTurnFailed, err)
	}
	for _, c := range pending {
		e.emit(ctx, s, c)
	}

	reply := resp.Content
	s.history.Append(annotate.NewAssistantTurn(reply, s.history.Turns(), e.now()))
	r.Text = reply

	e.remember(ctx, s, text, reply, map[string]any{"phase": "coach_session"})

	if s.mode == ModeIntervention {
		s.turns++
		if reason, done := e.shouldClose(ctx, s, reply); done {
			e.emit(ctx, s, s.leave(reason))
			r.Closing = ClosingMessage
		}
	}
	return r, nil
}

func (e *Engine) isExit(text string) bool {
	for _, k := range e.settings.ExitKeywords {
		if strings.EqualFold(text, k) {
			return true
		}
	}
	return false
}

// choose asks the router for an intervention. Every failure means none.
func (e *Engine) choose(ctx context.Context, s *Session, text string) (catalog.Record, bool) {
	log := observe.Logger(ctx).With("session_id", s.id)

	name, err := e.router.Choose(ctx, text, e.catalog)
	if err != nil {
		kind, wrapped := classify(err)
		log.Warn("router failed, staying in normal mode", "error", wrapped)
		e.metrics.RecordFallback(ctx, "router", kind)
		return catalog.Record{}, false
	}
	if name == "" {
		return catalog.Record{}, false
	}
	rec, ok := e.catalog.Lookup(name)
	if !ok {
		log.Warn("router chose unknown intervention, staying in normal mode",
			"error", fmt.Errorf("%w: %q not in catalog", ErrMalformedResponse, name))
		e.metrics.RecordFallback(ctx, "router", "malformed")
		return catalog.Record{}, false
	}
	return rec, true
}

// shouldClose decides whether the active intervention ends after reply. The
// completion indicator wins over everything; past the failsafe ceiling the
// referee is not consulted.
func (e *Engine) shouldClose(ctx context.Context, s *Session, reply string) (string, bool) {
	if ind := s.active.CompletionIndicator; ind != "" &&
		strings.Contains(strings.ToLower(reply), strings.ToLower(ind)) {
		return ReasonIndicator, true
	}
	if s.turns > e.settings.FailsafeTurns {
		return ReasonFailsafe, true
	}

	sc := oracle.Scorecard{Intervention: s.active.Name, Turns: s.turns}
	if t, ok := s.history.LastAssistant(); ok && t.Assistant != nil {
		sc.WrapUp = t.Assistant.WrapUp
	}
	if t, ok := s.history.LastUser(); ok && t.User != nil {
		sc.Accepts = t.User.Accept
		sc.Bails = t.User.Bail
	}

	closeIt, err := e.referee.ShouldClose(ctx, sc)
	if err != nil {
		kind, wrapped := classify(err)
		observe.Logger(ctx).Warn("referee failed, continuing intervention",
			"session_id", s.id,
			"intervention", s.active.Name,
			"error", wrapped,
		)
		e.metrics.RecordFallback(ctx, "referee", kind)
		return "", false
	}
	if closeIt {
		return ReasonReferee, true
	}
	return "", false
}

func (e *Engine) recall(ctx context.Context, s *Session, text string) []string {
	mems, err := e.memory.Recall(ctx, s.userID, text, e.settings.RecallTopK, nil)
	if err != nil {
		observe.Logger(ctx).Warn("memory recall failed, continuing without",
			"session_id", s.id,
			"error", fmt.Errorf("%w: %w", ErrCollaboratorUnavailable, err))
		e.metrics.RecordFallback(ctx, "memory", "unavailable")
		return nil
	}
	return mems
}

// remember hands the exchange to the background writer.
func (e *Engine) remember(ctx context.Context, s *Session, user, assistant string, md map[string]any) {
	if err := e.memory.Remember(s.userID, user, assistant, md); err != nil {
		observe.Logger(ctx).Warn("memory write not queued",
			"session_id", s.id,
			"error", err,
		)
	}
}

// complete calls the generation backend and records its latency.
func (e *Engine) complete(ctx context.Context, purpose string, req llm.CompletionRequest) (resp *llm.CompletionResponse, err error) {
	ctx, span := observe.StartSpan(ctx, "llm.complete", observe.AttrPurpose.String(purpose))
	defer observe.EndSpan(span, &err)

	start := e.now()
	resp, err = e.llm.Complete(ctx, req)
	e.metrics.LLMDuration.Record(ctx, e.now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("purpose", purpose)))

	model := e.llm.ModelID()
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		e.metrics.RecordProviderRequest(ctx, model, purpose, observe.StatusError)
		e.metrics.RecordProviderError(ctx, model, purpose)
		return nil, err
	}
	e.metrics.RecordProviderRequest(ctx, model, purpose, observe.StatusOK)
	return resp, nil
}

// emit logs and counts an applied transition, then verifies the state.
func (e *Engine) emit(ctx context.Context, s *Session, c modeChange) {
	observe.Logger(ctx).Info("mode changed",
		"session_id", s.id,
		"from", string(c.from),
		"to", string(c.to),
		"intervention", c.intervention,
		"reason", c.reason,
	)
	e.metrics.RecordTransition(ctx, string(c.from), string(c.to), c.reason)
	e.checkInvariants(ctx, s)
}

func (e *Engine) checkInvariants(ctx context.Context, s *Session) {
	if err := s.checkInvariants(); err != nil {
		observe.Logger(ctx).Error("session invariant violated", "session_id", s.id, "error", err)
		if e.strict {
			panic(err)
		}
	}
}

// finish stamps the resulting session state onto r.
func (e *Engine) finish(s *Session, r Reply) Reply {
	r.Phase = s.phase
	r.Mode = s.mode
	if s.active != nil {
		r.Intervention = s.active.Name
	}
	return r
}

// classify labels a collaborator error and wraps it in the matching sentinel.
func classify(err error) (string, error) {
	if errors.Is(err, oracle.ErrMalformed) {
		return "malformed", fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return "unavailable", fmt.Errorf("%w: %w", ErrCollaboratorUnavailable, err)
}
