package livemode

import (
	"context"
	"time"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

type eventKind int

const (
	evOpen eventKind = iota
	evAudio
	evTranscript
	evTurnComplete
	evInterrupted
	evClosed
)

type event struct {
	kind    eventKind
	pcm     []byte
	speaker live.Speaker
	text    string
	err     error
}

// handler adapts transport callbacks to loop events. It never blocks past
// teardown.
type handler struct{ c *Controller }

func (h *handler) post(ev event) {
	select {
	case h.c.events <- ev:
	case <-h.c.ctx.Done():
	}
}

func (h *handler) OnOpen()            { h.post(event{kind: evOpen}) }
func (h *handler) OnAudio(pcm []byte) { h.post(event{kind: evAudio, pcm: pcm}) }
func (h *handler) OnTurnComplete()    { h.post(event{kind: evTurnComplete}) }
func (h *handler) OnInterrupted()     { h.post(event{kind: evInterrupted}) }
func (h *handler) OnClosed(err error) { h.post(event{kind: evClosed, err: err}) }
func (h *handler) OnTranscript(sp live.Speaker, text string) {
	h.post(event{kind: evTranscript, speaker: sp, text: text})
}

var _ live.Handler = (*handler)(nil)

// loop is the only writer of the aggregator. It exits on teardown.
func (c *Controller) loop() {
	seq := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			switch ev.kind {
			case evOpen:
				c.onOpen()
			case evAudio:
				c.onAudio(ev.pcm)
			case evTranscript:
				c.mu.Lock()
				caption := c.agg.Fragment(ev.speaker, ev.text)
				c.mu.Unlock()
				if caption.Speaker != "" && c.obs.OnCaption != nil {
					c.obs.OnCaption(caption)
				}
			case evTurnComplete:
				c.mu.Lock()
				added := c.agg.Boundary()
				c.mu.Unlock()
				seq = c.commit(added, seq)
				if c.obs.OnCaption != nil {
					c.obs.OnCaption(turn.Caption{})
				}
			case evInterrupted:
				c.deps.Player.Interrupt()
				c.metrics.PlaybackInterruptions.Add(c.ctx, 1)
			case evClosed:
				err := asTransportClosed(ev.err)
				c.log.Warn("livemode: transport closed", "err", err)
				c.notifyError(err)
				c.finish(err)
				return
			}
		}
	}
}

func (c *Controller) onOpen() {
	if !c.status.CompareAndSwap(int32(StatusConnecting), int32(StatusActive)) {
		return
	}
	c.notifyStatus(StatusActive)

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	// One frame of silence lets the backend start its input stream.
	sess.Send(audio.FloatToPCM16(make([]float32, audio.FrameSamples)))
	c.log.Info("livemode: session active")
}

func (c *Controller) onAudio(pcm []byte) {
	seg, err := audio.DecodeSegment(pcm, audio.OutputSampleRate)
	if err != nil {
		c.log.Warn("livemode: dropping undecodable audio", "bytes", len(pcm), "err", err)
		c.metrics.DecodeFailures.Add(c.ctx, 1)
		return
	}
	c.deps.Player.Enqueue(seg, c.rate)
	c.metrics.PlaybackSegments.Add(c.ctx, 1)
}

// commit publishes and queues entries the aggregator just committed. It returns the next
// sequence number.
func (c *Controller) commit(entries []turn.Entry, seq int) int {
	for _, e := range entries {
		c.metrics.RecordTurn(c.ctx, e.Role.String())
		if c.obs.OnEntry != nil {
			c.obs.OnEntry(e)
		}
		if c.store != nil {
			rec := history.Record{SessionID: c.id, Seq: seq, Role: e.Role, Text: e.Text, At: time.Now().UTC()}
			select {
			case c.persist <- rec:
			default:
				c.log.Warn("livemode: history queue full, dropping entry", "seq", seq)
			}
		}
		seq++
	}
	return seq
}

// forward encodes captured frames and hands them to the transport in
// capture order. It stops when capture stops or the session leaves
// Connecting/Active.
func (c *Controller) forward(frames <-chan audio.CaptureFrame, sess live.Session) {
	for f := range frames {
		if s := c.Status(); s == StatusError || s == StatusClosed {
			return
		}
		sess.Send(audio.FloatToPCM16(f.Samples))
		c.metrics.CaptureFrames.Add(c.ctx, 1)
	}
}

// persistLoop writes history records off the event loop. Records still
// queued at teardown are flushed before it exits.
func (c *Controller) persistLoop() {
	write := func(rec history.Record) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), persistTimeout)
		defer cancel()
		if err := c.store.Append(ctx, rec); err != nil {
			observe.Logger(ctx, "session_id", c.id).Warn("livemode: persist history", "seq", rec.Seq, "err", err)
		}
	}
	for {
		select {
		case rec := <-c.persist:
			write(rec)
		case <-c.ctx.Done():
			for {
				select {
				case rec := <-c.persist:
					write(rec)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) sampleLevel() {
	t := time.NewTicker(c.levelEvery)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			lvl := c.deps.Capture.Level()
			c.metrics.InputLevel.Record(c.ctx, lvl.RMS)
			c.obs.OnLevel(lvl)
		}
	}
}
