package annotate

import (
	"fmt"
	"testing"
	"time"
)

func TestHistory_FIFOTruncation(t *testing.T) {
	h := NewHistory(4)
	for i := range 10 {
		h.Append(Turn{Role: RoleUser, Text: fmt.Sprint(i)})
		if h.Len() > h.Limit() {
			t.Fatalf("after %d appends Len() = %d exceeds limit %d", i+1, h.Len(), h.Limit())
		}
	}
	got := h.Turns()
	want := []string{"6", "7", "8", "9"}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("Turns()[%d] = %q, want %q", i, got[i].Text, w)
		}
	}
}

func TestHistory_Last(t *testing.T) {
	h := NewHistory(10)
	for i := range 3 {
		h.Append(Turn{Role: RoleUser, Text: fmt.Sprint(i)})
	}
	tests := []struct {
		n    int
		want []string
	}{
		{0, nil},
		{2, []string{"1", "2"}},
		{5, []string{"0", "1", "2"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			got := h.Last(tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("len(Last(%d)) = %d, want %d", tt.n, len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Text != tt.want[i] {
					t.Errorf("Last(%d)[%d] = %q, want %q", tt.n, i, got[i].Text, tt.want[i])
				}
			}
		})
	}
}

func TestHistory_LastByRole(t *testing.T) {
	h := NewHistory(10)
	if _, ok := h.LastUser(); ok {
		t.Error("empty history has no user turn")
	}
	now := time.Now()
	h.Append(NewUserTurn("thanks", now))
	h.Append(NewAssistantTurn("Great work ✅", h.Turns(), now))

	u, ok := h.LastUser()
	if !ok || !u.User.Accept {
		t.Errorf("LastUser = %+v, %v", u, ok)
	}
	a, ok := h.LastAssistant()
	if !ok || !a.Assistant.WrapUp {
		t.Errorf("LastAssistant = %+v, %v", a, ok)
	}
}

func TestNewHistory_MinimumLimit(t *testing.T) {
	h := NewHistory(0)
	h.Append(Turn{Text: "a"})
	h.Append(Turn{Text: "b"})
	if h.Len() != 1 || h.Turns()[0].Text != "b" {
		t.Errorf("Turns() = %+v, want only b", h.Turns())
	}
}
