package coach

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/moneycoach/internal/annotate"
	"github.com/MrWong99/moneycoach/internal/catalog"
)

// Mode is the conversational mode of a coaching session.
type Mode string

const (
	ModeNormal       Mode = "normal"
	ModeIntervention Mode = "intervention"
)

// Phase is the coarse stage of a session.
type Phase string

const (
	// PhaseIntake collects the intake answers of a first-time user.
	PhaseIntake Phase = "intake"
	// PhaseCoaching runs the open conversation with interventions.
	PhaseCoaching Phase = "coaching"
)

// Transition reasons, used as log fields and metric attributes.
const (
	ReasonRouter    = "router"
	ReasonUserExit  = "user_exit"
	ReasonIndicator = "completion_indicator"
	ReasonReferee   = "referee"
	ReasonFailsafe  = "failsafe"
)

// Session is the state of one conversation. It is created by [Engine.Start]
// and mutated only by [Engine.HandleMessage], which holds the session lock
// for the whole turn.
type Session struct {
	mu sync.Mutex

	id        string
	userID    string
	createdAt time.Time
	closed    bool

	// lastActive is the unix nano time of the latest turn. It is read
	// without the session lock so sweeping never waits on a running turn.
	lastActive atomic.Int64

	phase         Phase
	mode          Mode
	active        *catalog.Record
	turns         int
	notesInjected bool
	history       *annotate.History
	profile       string
	recalled      []string
	answers       []string
}

// State is an immutable view of a [Session].
type State struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	CreatedAt           time.Time       `json:"created_at"`
	Phase               Phase           `json:"phase"`
	Mode                Mode            `json:"mode"`
	Intervention        string          `json:"intervention,omitempty"`
	TurnsInIntervention int             `json:"turns_in_intervention"`
	NotesInjected       bool            `json:"notes_injected"`
	History             []annotate.Turn `json:"history"`
	StaticProfile       string          `json:"static_profile,omitempty"`
	IntakeAnswered      int             `json:"intake_answered"`
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the user the session belongs to.
func (s *Session) UserID() string { return s.userID }

// Snapshot returns a copy of the current state. It waits for an in-flight
// turn to finish.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

func (s *Session) state() State {
	st := State{
		ID:                  s.id,
		UserID:              s.userID,
		CreatedAt:           s.createdAt,
		Phase:               s.phase,
		Mode:                s.mode,
		TurnsInIntervention: s.turns,
		NotesInjected:       s.notesInjected,
		History:             s.history.Turns(),
		StaticProfile:       s.profile,
		IntakeAnswered:      len(s.answers),
	}
	if s.active != nil {
		st.Intervention = s.active.Name
	}
	return st
}

// CheckInvariants reports every violated state invariant, wrapped in
// [ErrInvariantViolation]. A nil result means the state is consistent.
func (s *Session) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkInvariants()
}

func (s *Session) checkInvariants() error {
	var problems []string
	switch s.mode {
	case ModeNormal:
		if s.active != nil {
			problems = append(problems, fmt.Sprintf("active intervention %q in normal mode", s.active.Name))
		}
		if s.turns != 0 {
			problems = append(problems, fmt.Sprintf("turn counter %d in normal mode", s.turns))
		}
		if s.notesInjected {
			problems = append(problems, "notes flag set in normal mode")
		}
	case ModeIntervention:
		if s.active == nil {
			problems = append(problems, "intervention mode without active intervention")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", s.mode))
	}
	if s.turns < 0 {
		problems = append(problems, fmt.Sprintf("negative turn counter %d", s.turns))
	}
	if s.history.Len() > s.history.Limit() {
		problems = append(problems, fmt.Sprintf("history length %d exceeds limit %d", s.history.Len(), s.history.Limit()))
	}
	if s.phase == PhaseIntake && s.mode != ModeNormal {
		problems = append(problems, "intervention during intake")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: session %s: %v", ErrInvariantViolation, s.id, problems)
}

func (s *Session) touch(t time.Time) { s.lastActive.Store(t.UnixNano()) }

// idle reports how long s has gone without a turn at now.
func (s *Session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActive.Load()))
}

// close marks s ended. Later turns fail with ErrSessionClosed.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// modeState is the part of the state a failed turn rolls back.
type modeState struct {
	mode          Mode
	active        *catalog.Record
	turns         int
	notesInjected bool
}

func (s *Session) saveMode() modeState {
	return modeState{mode: s.mode, active: s.active, turns: s.turns, notesInjected: s.notesInjected}
}

func (s *Session) restoreMode(m modeState) {
	s.mode, s.active, s.turns, s.notesInjected = m.mode, m.active, m.turns, m.notesInjected
}

// modeChange describes one applied transition, for logging and metrics.
type modeChange struct {
	from, to     Mode
	intervention string
	reason       string
}

// enter starts rec. Counter and notes flag reset with every activation.
func (s *Session) enter(rec catalog.Record, reason string) modeChange {
	from := s.mode
	s.mode = ModeIntervention
	s.active = &rec
	s.turns = 0
	s.notesInjected = false
	return modeChange{from: from, to: ModeIntervention, intervention: rec.Name, reason: reason}
}

// leave returns to normal mode.
func (s *Session) leave(reason string) modeChange {
	c := modeChange{from: s.mode, to: ModeNormal, reason: reason}
	if s.active != nil {
		c.intervention = s.active.Name
	}
	s.mode = ModeNormal
	s.active = nil
	s.turns = 0
	s.notesInjected = false
	return c
}
