package turn_test

import (
	"testing"

	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/provider/live"
)

func TestBoundary_CommitsUserThenAssistant(t *testing.T) {
	t.Parallel()

	a := turn.New()
	a.Fragment(live.SpeakerUser, "سلام")
	a.Fragment(live.SpeakerUser, " علیکم")
	a.Fragment(live.SpeakerAssistant, "وعلیکم")

	added := a.Boundary()
	want := []turn.Entry{
		{Role: live.SpeakerUser, Text: "سلام علیکم"},
		{Role: live.SpeakerAssistant, Text: "وعلیکم"},
	}
	if len(added) != len(want) {
		t.Fatalf("Boundary() = %+v, want %+v", added, want)
	}
	for i := range want {
		if added[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, added[i], want[i])
		}
	}

	if again := a.Boundary(); len(again) != 0 {
		t.Errorf("second Boundary() = %+v, want nothing", again)
	}
	if h := a.History(); len(h) != 2 {
		t.Errorf("History() has %d entries, want 2", len(h))
	}
}

func TestBoundary_OrderIgnoresArrivalOrder(t *testing.T) {
	t.Parallel()

	a := turn.New()
	a.Fragment(live.SpeakerAssistant, "Hi!")
	a.Fragment(live.SpeakerUser, "Hello")

	added := a.Boundary()
	if len(added) != 2 || added[0].Role != live.SpeakerUser || added[1].Role != live.SpeakerAssistant {
		t.Fatalf("Boundary() = %+v, want user then assistant", added)
	}
}

func TestBoundary_SkipsEmptySpeaker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		user  []string
		asst  []string
		roles []live.Speaker
	}{
		{name: "assistant only", asst: []string{"Good ", "morning"}, roles: []live.Speaker{live.SpeakerAssistant}},
		{name: "user only", user: []string{"hey"}, roles: []live.Speaker{live.SpeakerUser}},
		{name: "whitespace user", user: []string{"  ", "\n"}, asst: []string{"ok"}, roles: []live.Speaker{live.SpeakerAssistant}},
		{name: "nothing", roles: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := turn.New()
			for _, f := range tt.user {
				a.Fragment(live.SpeakerUser, f)
			}
			for _, f := range tt.asst {
				a.Fragment(live.SpeakerAssistant, f)
			}
			added := a.Boundary()
			if len(added) != len(tt.roles) {
				t.Fatalf("Boundary() = %+v, want roles %v", added, tt.roles)
			}
			for i, r := range tt.roles {
				if added[i].Role != r {
					t.Errorf("entry %d role = %q, want %q", i, added[i].Role, r)
				}
			}
		})
	}
}

func TestFragment_CaptionIsLastWriter(t *testing.T) {
	t.Parallel()

	a := turn.New()
	if c := a.Fragment(live.SpeakerUser, "How "); c.Speaker != live.SpeakerUser || c.Text != "How " {
		t.Fatalf("caption = %+v", c)
	}
	a.Fragment(live.SpeakerUser, "are you")
	c := a.Fragment(live.SpeakerAssistant, "Fine")
	if c.Speaker != live.SpeakerAssistant || c.Text != "Fine" {
		t.Fatalf("caption = %+v, want assistant Fine", c)
	}
	// Switching back shows the full running user text.
	c = a.Fragment(live.SpeakerUser, "?")
	if c.Text != "How are you?" {
		t.Fatalf("caption = %+v, want running user text", c)
	}

	a.Boundary()
	if c := a.Caption(); c != (turn.Caption{}) {
		t.Fatalf("caption after boundary = %+v, want empty", c)
	}
}

func TestFragment_UnknownSpeakerIgnored(t *testing.T) {
	t.Parallel()

	a := turn.New()
	a.Fragment(live.SpeakerUser, "x")
	if c := a.Fragment(live.Speaker("system"), "y"); c.Text != "x" {
		t.Fatalf("caption = %+v, want unchanged", c)
	}
	if added := a.Boundary(); len(added) != 1 {
		t.Fatalf("Boundary() = %+v", added)
	}
}

func TestHistory_ReturnsCopy(t *testing.T) {
	t.Parallel()

	a := turn.New()
	a.Fragment(live.SpeakerUser, "one")
	a.Boundary()
	h := a.History()
	h[0].Text = "mutated"
	if a.History()[0].Text != "one" {
		t.Fatal("History() exposed internal slice")
	}
}
