// Package turn rebuilds whole utterances from the incremental transcription
// fragments a live backend emits, and commits them to a transcript history
// whenever the backend signals the end of a turn.
package turn

import (
	"strings"

	"github.com/MrWong99/parley/pkg/provider/live"
)

// Entry is one committed utterance.
type Entry struct {
	Role live.Speaker
	Text string
}

// Caption is the live, not yet committed text of the speaker that was
// updated most recently. The zero value means no caption.
type Caption struct {
	Speaker live.Speaker
	Text    string
}

// Aggregator accumulates fragments per speaker and commits them on
// [Aggregator.Boundary]. It is not safe for concurrent use.
type Aggregator struct {
	user      strings.Builder
	assistant strings.Builder
	caption   Caption
	history   []Entry
}

// New returns an empty Aggregator.
func New() *Aggregator { return &Aggregator{} }

// Fragment appends text to the pending utterance of sp and returns the new
// live caption, which is always the running text of sp.
func (a *Aggregator) Fragment(sp live.Speaker, text string) Caption {
	b := a.pending(sp)
	if b == nil {
		return a.caption
	}
	b.WriteString(text)
	a.caption = Caption{Speaker: sp, Text: b.String()}
	return a.caption
}

// Boundary commits the pending user utterance and then the pending assistant
// utterance, skipping any that is blank after trimming. Both accumulators and
// the caption are cleared. It returns the entries appended by this call.
func (a *Aggregator) Boundary() []Entry {
	var added []Entry
	for _, sp := range [...]live.Speaker{live.SpeakerUser, live.SpeakerAssistant} {
		b := a.pending(sp)
		if text := strings.TrimSpace(b.String()); text != "" {
			added = append(added, Entry{Role: sp, Text: text})
		}
		b.Reset()
	}
	a.history = append(a.history, added...)
	a.caption = Caption{}
	return added
}

// Caption returns the current live caption.
func (a *Aggregator) Caption() Caption { return a.caption }

// History returns a copy of every committed entry in commit order.
func (a *Aggregator) History() []Entry {
	out := make([]Entry, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Aggregator) pending(sp live.Speaker) *strings.Builder {
	switch sp {
	case live.SpeakerUser:
		return &a.user
	case live.SpeakerAssistant:
		return &a.assistant
	}
	return nil
}
