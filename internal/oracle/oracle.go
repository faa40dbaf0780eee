// Package oracle holds the two generation-backed decision makers of a
// coaching session: the Router, which picks an intervention to start, and the
// Referee, which decides when an active intervention is finished.
//
// Both are non-deterministic external oracles behind narrow interfaces so that
// tests can substitute deterministic stand-ins through [RouterFunc] and
// [RefereeFunc].
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MrWong99/moneycoach/internal/catalog"
)

// ErrMalformed is wrapped when a backend answer cannot be interpreted, or
// names an intervention that is not in the catalog.
var ErrMalformed = errors.New("oracle: malformed response")

// Router selects at most one intervention for a user message.
type Router interface {
	// Choose returns the name of the intervention to start, or "" for none.
	// A non-nil error always comes with "".
	Choose(ctx context.Context, text string, cat *catalog.Catalog) (string, error)
}

// Referee decides whether the active intervention should close.
type Referee interface {
	// ShouldClose returns true only on an unambiguous close decision. Errors
	// always come with false.
	ShouldClose(ctx context.Context, sc Scorecard) (bool, error)
}

// RouterFunc adapts a function to [Router].
type RouterFunc func(ctx context.Context, text string, cat *catalog.Catalog) (string, error)

// Choose calls f.
func (f RouterFunc) Choose(ctx context.Context, text string, cat *catalog.Catalog) (string, error) {
	return f(ctx, text, cat)
}

// RefereeFunc adapts a function to [Referee].
type RefereeFunc func(ctx context.Context, sc Scorecard) (bool, error)

// ShouldClose calls f.
func (f RefereeFunc) ShouldClose(ctx context.Context, sc Scorecard) (bool, error) {
	return f(ctx, sc)
}

// Scorecard is the compact per-turn summary handed to the Referee. It is
// computed on demand and never stored.
type Scorecard struct {
	Intervention string
	Turns        int
	WrapUp       bool
	Accepts      bool
	Bails        bool
}

type scorecardJSON struct {
	IV        string `json:"iv"`
	Turns     int    `json:"turns"`
	Assistant struct {
		WrapUp int `json:"wrap_up"`
	} `json:"assistant"`
	User struct {
		Accepts int `json:"accepts"`
		Bails   int `json:"bails"`
	} `json:"user"`
}

// MarshalJSON encodes the scorecard with 0/1 flags, the shape the referee
// prompt describes.
func (s Scorecard) MarshalJSON() ([]byte, error) {
	var v scorecardJSON
	v.IV = s.Intervention
	v.Turns = s.Turns
	v.Assistant.WrapUp = b2i(s.WrapUp)
	v.User.Accepts = b2i(s.Accepts)
	v.User.Bails = b2i(s.Bails)
	return json.Marshal(v)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// firstObject returns the span from the first "{" to the last "}" of s.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}
