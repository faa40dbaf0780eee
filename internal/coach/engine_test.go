package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/moneycoach/internal/bridge"
	"github.com/MrWong99/moneycoach/internal/catalog"
	"github.com/MrWong99/moneycoach/internal/oracle"
	"github.com/MrWong99/moneycoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/moneycoach/pkg/provider/llm/mock"
)

// ─── test doubles ────────────────────────────────────────────────────────────

type remembered struct {
	UserID, User, Assistant string
	Metadata                map[string]any
}

type fakeMemory struct {
	mu         sync.Mutex
	profile    string
	primeErr   error
	recall     []string
	recallErr  error
	remembered []remembered
	recalls    int
}

func (f *fakeMemory) Prime(_ context.Context, _, _ string, _ int) (bridge.Primed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.primeErr != nil {
		return bridge.Primed{}, f.primeErr
	}
	return bridge.Primed{Profile: f.profile}, nil
}

func (f *fakeMemory) Recall(_ context.Context, _, _ string, _ int, _ map[string]any) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalls++
	return f.recall, f.recallErr
}

func (f *fakeMemory) Remember(userID, user, assistant string, md map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remembered = append(f.remembered, remembered{userID, user, assistant, md})
	return nil
}

func (f *fakeMemory) writes() []remembered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remembered(nil), f.remembered...)
}

// scripted returns a provider answering with replies in order, repeating the
// last one once exhausted.
func scripted(replies ...string) *llmmock.Provider {
	var (
		mu sync.Mutex
		i  int
	)
	return &llmmock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			r := replies[min(i, len(replies)-1)]
			i++
			return &llm.CompletionResponse{Content: r}, nil
		},
	}
}

type countingReferee struct {
	mu     sync.Mutex
	calls  []oracle.Scorecard
	decide func(oracle.Scorecard) (bool, error)
}

func (r *countingReferee) ShouldClose(_ context.Context, sc oracle.Scorecard) (bool, error) {
	r.mu.Lock()
	r.calls = append(r.calls, sc)
	r.mu.Unlock()
	if r.decide == nil {
		return false, nil
	}
	return r.decide(sc)
}

func (r *countingReferee) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// budgetRouter picks "Budget Reset" whenever the text mentions a budget.
var budgetRouter = oracle.RouterFunc(func(_ context.Context, text string, _ *catalog.Catalog) (string, error) {
	if strings.Contains(strings.ToLower(text), "budget") {
		return "Budget Reset", nil
	}
	return "", nil
})

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Record{
		{Name: "Budget Reset", Description: "Rebuild a calm budget.", Prompt: "BUDGET NOTES", CompletionIndicator: "✅"},
		{Name: "Breathing", Description: "Slow down.", Prompt: "BREATHE NOTES"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return cat
}

type fixture struct {
	engine  *Engine
	llm     *llmmock.Provider
	memory  *fakeMemory
	referee *countingReferee
}

func newFixture(t *testing.T, p *llmmock.Provider, router oracle.Router, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		llm:     p,
		memory:  &fakeMemory{profile: "Intake summary JSON: {}"},
		referee: &countingReferee{},
	}
	if router == nil {
		router = budgetRouter
	}
	e, err := NewEngine(Dependencies{
		LLM:     p,
		Router:  router,
		Referee: f.referee,
		Catalog: testCatalog(t),
		Memory:  f.memory,
	}, append([]Option{WithStrictInvariants(true)}, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	f.engine = e
	return f
}

func (f *fixture) start(t *testing.T) *Session {
	t.Helper()
	s, r := f.engine.Start(context.Background(), "user-1")
	if r.Phase != PhaseCoaching {
		t.Fatalf("Start phase = %q, want coaching", r.Phase)
	}
	return s
}

func (f *fixture) send(t *testing.T, s *Session, text string) Reply {
	t.Helper()
	r, err := f.engine.HandleMessage(context.Background(), s, text)
	if err != nil {
		t.Fatalf("HandleMessage(%q): %v", text, err)
	}
	return r
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(Dependencies{})
	if err == nil {
		t.Fatal("NewEngine with no dependencies succeeded")
	}
	for _, want := range []string{"generation backend", "router", "referee", "catalog", "memory"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestStart(t *testing.T) {
	tests := []struct {
		name      string
		profile   string
		primeErr  error
		wantPhase Phase
		wantMsgs  []string
	}{
		{
			name:      "returning user",
			profile:   "Intake summary JSON: {}",
			wantPhase: PhaseCoaching,
			wantMsgs:  []string{WelcomeBackMessage},
		},
		{
			name:      "first visit",
			wantPhase: PhaseIntake,
			wantMsgs:  []string{DefaultIntake().Greeting, DefaultIntake().Questions[0].Text},
		},
		{
			name:      "memory down",
			profile:   "ignored",
			primeErr:  errors.New("connection refused"),
			wantPhase: PhaseIntake,
			wantMsgs:  []string{DefaultIntake().Greeting, DefaultIntake().Questions[0].Text},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, scripted("hi"), nil)
			f.memory.profile = tt.profile
			f.memory.primeErr = tt.primeErr

			s, r := f.engine.Start(context.Background(), "user-1")
			if r.Phase != tt.wantPhase {
				t.Errorf("Phase = %q, want %q", r.Phase, tt.wantPhase)
			}
			if r.Mode != ModeNormal {
				t.Errorf("Mode = %q, want normal", r.Mode)
			}
			got := r.Messages()
			if fmt.Sprint(got) != fmt.Sprint(tt.wantMsgs) {
				t.Errorf("Messages() = %q, want %q", got, tt.wantMsgs)
			}
			if s.ID() == "" || s.UserID() != "user-1" {
				t.Errorf("session id=%q user=%q", s.ID(), s.UserID())
			}
		})
	}
}

func TestExitKeyword_InIntervention(t *testing.T) {
	f := newFixture(t, scripted("What feels heaviest about it?"), nil)
	s := f.start(t)

	r := f.send(t, s, "I want to fix my budget")
	if r.Mode != ModeIntervention || r.Intervention != "Budget Reset" {
		t.Fatalf("after routing: mode=%q intervention=%q", r.Mode, r.Intervention)
	}
	if r.Announcement != "💡 Let's try **Budget Reset**." {
		t.Errorf("Announcement = %q", r.Announcement)
	}

	callsBefore := len(f.llm.Calls())
	histBefore := s.Snapshot().History

	r = f.send(t, s, "  STOP ")
	if r.Text != PauseMessage {
		t.Errorf("Text = %q, want pause acknowledgment", r.Text)
	}
	if len(f.llm.Calls()) != callsBefore {
		t.Error("exit keyword reached the generation backend")
	}

	st := s.Snapshot()
	if st.Mode != ModeNormal || st.Intervention != "" || st.TurnsInIntervention != 0 || st.NotesInjected {
		t.Errorf("state after stop = %+v", st)
	}
	if len(st.History) != len(histBefore) {
		t.Errorf("history grew from %d to %d on exit", len(histBefore), len(st.History))
	}
}

func TestExitKeyword_InNormalModeIsOrdinaryTurn(t *testing.T) {
	f := newFixture(t, scripted("Stop what, exactly?"), nil)
	s := f.start(t)

	r := f.send(t, s, "stop")
	if r.Mode != ModeNormal {
		t.Errorf("Mode = %q", r.Mode)
	}
	if r.Text != "Stop what, exactly?" {
		t.Errorf("Text = %q, want backend reply", r.Text)
	}
	if len(f.llm.Calls()) != 1 {
		t.Errorf("backend calls = %d, want 1", len(f.llm.Calls()))
	}
}

func TestExitKeyword_OnlyWholeMessage(t *testing.T) {
	f := newFixture(t, scripted("Okay, tell me more?"), nil)
	s := f.start(t)
	f.send(t, s, "budget please")

	r := f.send(t, s, "please stop asking that")
	if r.Text == PauseMessage {
		t.Error("exit keyword inside a sentence paused the exercise")
	}
	if r.Mode != ModeIntervention {
		t.Errorf("Mode = %q, want intervention", r.Mode)
	}
}

func TestRouterNone_TenTurns(t *testing.T) {
	f := newFixture(t, scripted("Tell me more?"), nil)
	s := f.start(t)

	for i := range 10 {
		r := f.send(t, s, fmt.Sprintf("just chatting %d", i))
		if r.Mode != ModeNormal {
			t.Fatalf("turn %d: Mode = %q", i, r.Mode)
		}
	}
	if f.referee.count() != 0 {
		t.Errorf("referee called %d times in normal mode", f.referee.count())
	}
}

func TestCompletionIndicator_SkipsReferee(t *testing.T) {
	f := newFixture(t, scripted(
		"What is one expense that stresses you?",
		"And how does that feel?",
		"You named it and planned it ✅ nice.",
	), nil)
	s := f.start(t)

	r := f.send(t, s, "help with my budget")
	if r.Mode != ModeIntervention {
		t.Fatalf("Mode = %q", r.Mode)
	}
	f.send(t, s, "rent")
	r = f.send(t, s, "tight")

	if r.Mode != ModeNormal || r.Closing != ClosingMessage {
		t.Errorf("third reply: mode=%q closing=%q", r.Mode, r.Closing)
	}
	if got := f.referee.count(); got != 2 {
		t.Errorf("referee calls = %d, want 2 (not on the indicator turn)", got)
	}
	if got := r.Messages(); len(got) != 2 || got[1] != ClosingMessage {
		t.Errorf("Messages() = %q", got)
	}
}

func TestFailsafe(t *testing.T) {
	f := newFixture(t, scripted("Keep going?"), nil)
	s := f.start(t)

	f.send(t, s, "budget")
	for i := 2; i <= 9; i++ {
		if r := f.send(t, s, "more"); r.Mode != ModeIntervention {
			t.Fatalf("turn %d closed early", i)
		}
	}
	if got := s.Snapshot().TurnsInIntervention; got != 9 {
		t.Fatalf("TurnsInIntervention = %d, want 9", got)
	}

	r := f.send(t, s, "more")
	if r.Mode != ModeNormal || r.Closing != ClosingMessage {
		t.Errorf("10th turn: mode=%q closing=%q", r.Mode, r.Closing)
	}
	if got := f.referee.count(); got != 9 {
		t.Errorf("referee calls = %d, want 9", got)
	}
}

func TestReferee(t *testing.T) {
	tests := []struct {
		name     string
		decide   func(oracle.Scorecard) (bool, error)
		wantMode Mode
	}{
		{name: "close", decide: func(oracle.Scorecard) (bool, error) { return true, nil }, wantMode: ModeNormal},
		{name: "continue", decide: func(oracle.Scorecard) (bool, error) { return false, nil }, wantMode: ModeIntervention},
		{name: "unavailable", decide: func(oracle.Scorecard) (bool, error) { return true, errors.New("timeout") }, wantMode: ModeIntervention},
		{name: "malformed", decide: func(oracle.Scorecard) (bool, error) { return false, oracle.ErrMalformed }, wantMode: ModeIntervention},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, scripted("Great work, shall we wrap?"), nil)
			f.referee.decide = tt.decide
			s := f.start(t)

			r := f.send(t, s, "thanks, budget helps")
			if r.Mode != tt.wantMode {
				t.Errorf("Mode = %q, want %q", r.Mode, tt.wantMode)
			}
			sc := f.referee.calls[0]
			want := oracle.Scorecard{Intervention: "Budget Reset", Turns: 1, WrapUp: true, Accepts: true}
			if sc != want {
				t.Errorf("scorecard = %+v, want %+v", sc, want)
			}
		})
	}
}

func TestRouterFailuresDegradeToNone(t *testing.T) {
	tests := []struct {
		name   string
		router oracle.RouterFunc
	}{
		{name: "error", router: func(context.Context, string, *catalog.Catalog) (string, error) {
			return "", errors.New("backend down")
		}},
		{name: "malformed", router: func(context.Context, string, *catalog.Catalog) (string, error) {
			return "", fmt.Errorf("parse: %w", oracle.ErrMalformed)
		}},
		{name: "unknown name", router: func(context.Context, string, *catalog.Catalog) (string, error) {
			return "Crypto Mania", nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, scripted("Hmm?"), tt.router)
			s := f.start(t)
			r := f.send(t, s, "budget")
			if r.Mode != ModeNormal || r.Announcement != "" {
				t.Errorf("mode=%q announcement=%q", r.Mode, r.Announcement)
			}
			if r.Text != "Hmm?" {
				t.Errorf("Text = %q", r.Text)
			}
		})
	}
}

func systemContents(req llm.CompletionRequest) []string {
	var out []string
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestNotesInjectedOncePerActivation(t *testing.T) {
	f := newFixture(t, scripted("Go on?"), nil)
	f.referee.decide = func(sc oracle.Scorecard) (bool, error) { return sc.Turns >= 2, nil }
	s := f.start(t)

	f.send(t, s, "budget")       // activation 1, notes
	f.send(t, s, "ok")           // no notes, closes
	f.send(t, s, "budget again") // activation 2, notes

	calls := f.llm.Calls()
	wantNotes := []bool{true, false, true}
	for i, want := range wantNotes {
		sys := systemContents(calls[i].Req)
		hasNotes := len(sys) == 2 && sys[1] == "<COACH_NOTES>\nBUDGET NOTES\n</COACH_NOTES>"
		if hasNotes != want {
			t.Errorf("call %d: notes injected = %v, want %v (system=%q)", i, hasNotes, want, sys)
		}
	}
	if !s.Snapshot().NotesInjected {
		t.Error("NotesInjected false after activation")
	}
}

func TestBackendFailure_RollsBack(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("503")}
	f := newFixture(t, p, nil)
	s := f.start(t)

	r, err := f.engine.HandleMessage(context.Background(), s, "budget")
	if !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("err = %v, want ErrTurnFailed", err)
	}
	if r.Text != FailureMessage || r.Announcement != "" {
		t.Errorf("reply = %+v", r)
	}
	st := s.Snapshot()
	if st.Mode != ModeNormal || st.NotesInjected || st.Intervention != "" {
		t.Errorf("state not rolled back: %+v", st)
	}
	if len(st.History) != 1 || st.History[0].Role != "user" {
		t.Errorf("history = %+v, want only the user turn", st.History)
	}
	if len(f.memory.writes()) != 0 {
		t.Error("failed turn was persisted")
	}

	p.CompleteErr = nil
	p.CompleteResponse = &llm.CompletionResponse{Content: "Where shall we start?"}
	r = f.send(t, s, "budget")
	if r.Announcement == "" || r.Mode != ModeIntervention {
		t.Errorf("retry: %+v", r)
	}
	if sys := systemContents(p.Calls()[1].Req); len(sys) != 2 {
		t.Errorf("retry did not inject notes: %q", sys)
	}
}

func TestBackendFailure_MidInterventionRollsBack(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	p := &llmmock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 3 {
				return nil, errors.New("503")
			}
			return &llm.CompletionResponse{Content: "And then?"}, nil
		},
	}
	f := newFixture(t, p, nil)
	s := f.start(t)

	f.send(t, s, "budget")
	f.send(t, s, "rent is high")
	before := s.Snapshot()
	if before.Mode != ModeIntervention || before.TurnsInIntervention != 2 {
		t.Fatalf("before failure: %+v", before)
	}
	refereeCalls := f.referee.count()

	r, err := f.engine.HandleMessage(context.Background(), s, "groceries too")
	if !errors.Is(err, ErrTurnFailed) {
		t.Fatalf("err = %v, want ErrTurnFailed", err)
	}
	if r.Text != FailureMessage || r.Closing != "" {
		t.Errorf("reply = %+v", r)
	}
	st := s.Snapshot()
	if st.Mode != ModeIntervention || st.Intervention != "Budget Reset" {
		t.Errorf("intervention lost: mode=%q intervention=%q", st.Mode, st.Intervention)
	}
	if st.TurnsInIntervention != 2 {
		t.Errorf("TurnsInIntervention = %d, want 2", st.TurnsInIntervention)
	}
	if !st.NotesInjected {
		t.Error("NotesInjected reset by failed turn")
	}
	if got := f.referee.count(); got != refereeCalls {
		t.Errorf("referee calls = %d, want %d", got, refereeCalls)
	}
	if got := len(f.memory.writes()); got != 2 {
		t.Errorf("memory writes = %d, want 2", got)
	}
}

func TestPromptWindow(t *testing.T) {
	f := newFixture(t, scripted("Mm?"), nil, WithSettings(Settings{PromptWindow: 4}))
	s := f.start(t)

	for i := range 6 {
		f.send(t, s, fmt.Sprintf("msg %d", i))
	}
	calls := f.llm.Calls()
	last := calls[len(calls)-1].Req.Messages

	// system + 4 earlier turns + current message
	if len(last) != 6 {
		t.Fatalf("messages = %d, want 6: %+v", len(last), last)
	}
	if last[5].Content != "msg 5" || last[5].Role != llm.RoleUser {
		t.Errorf("final message = %+v", last[5])
	}
	if last[1].Content != "msg 3" || last[4].Content != "Mm?" {
		t.Errorf("window = %+v", last[1:5])
	}
	for _, m := range last[:5] {
		if m.Content == "msg 5" {
			t.Error("current message sent twice")
		}
	}
}

func TestHistoryBounded(t *testing.T) {
	f := newFixture(t, scripted("Ok?"), nil, WithSettings(Settings{HistoryLimit: 6}))
	s := f.start(t)
	for i := range 10 {
		f.send(t, s, fmt.Sprintf("m%d", i))
	}
	h := s.Snapshot().History
	if len(h) != 6 {
		t.Fatalf("history = %d, want 6", len(h))
	}
	if h[0].Text != "m7" || h[5].Text != "Ok?" {
		t.Errorf("oldest=%q newest=%q", h[0].Text, h[5].Text)
	}
}

func TestRecallPerTurn(t *testing.T) {
	f := newFixture(t, scripted("Ok?"), nil, WithSettings(Settings{RecallTopK: 2}))
	f.memory.recall = []string{"user: my dad hid bills"}
	s := f.start(t)
	f.send(t, s, "bills scare me")

	sys := systemContents(f.llm.Calls()[0].Req)[0]
	for _, want := range []string{DefaultPersona, "USER PROFILE:\nIntake summary JSON: {}", "- user: my dad hid bills"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system message missing %q:\n%s", want, sys)
		}
	}

	f.memory.recallErr = errors.New("down")
	if r := f.send(t, s, "again"); r.Text != "Ok?" {
		t.Errorf("recall failure broke the turn: %+v", r)
	}
}

func TestRemembersCoachTurns(t *testing.T) {
	f := newFixture(t, scripted("Noted?"), nil)
	s := f.start(t)
	f.send(t, s, "hello")

	w := f.memory.writes()
	if len(w) != 1 {
		t.Fatalf("writes = %d", len(w))
	}
	if w[0].User != "hello" || w[0].Assistant != "Noted?" || w[0].Metadata["phase"] != "coach_session" {
		t.Errorf("write = %+v", w[0])
	}
}

func TestSetPersona(t *testing.T) {
	f := newFixture(t, scripted("Ok?"), nil)
	s := f.start(t)
	f.engine.SetPersona(Persona{StyleRules: "BE BRIEF. ", Persona: "Pirate voice."})
	f.send(t, s, "hi")
	if sys := systemContents(f.llm.Calls()[0].Req)[0]; !strings.HasPrefix(sys, "BE BRIEF. Pirate voice.") {
		t.Errorf("system = %q", sys)
	}
}

func TestStrictInvariantsPanic(t *testing.T) {
	f := newFixture(t, scripted("Ok?"), nil)
	s := f.start(t)

	rec, _ := testCatalog(t).Lookup("Breathing")
	s.active = &rec // mode is still normal

	if err := s.CheckInvariants(); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("CheckInvariants = %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("strict engine did not panic")
		}
	}()
	f.engine.checkInvariants(context.Background(), s)
}

func TestClosedSession(t *testing.T) {
	f := newFixture(t, scripted("Ok?"), nil)
	s := f.start(t)
	s.close()
	if _, err := f.engine.HandleMessage(context.Background(), s, "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}
