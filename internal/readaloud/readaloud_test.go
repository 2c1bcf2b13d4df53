package readaloud_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/readaloud"
	"github.com/MrWong99/parley/pkg/audio"
	amock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/playback"
	smock "github.com/MrWong99/parley/pkg/provider/speech/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestSay_QueuesSynthesizedAudio(t *testing.T) {
	t.Parallel()

	out := &amock.OutputDevice{}
	// 2400 samples at 24 kHz = 100 ms.
	synth := &smock.Provider{Audio: make([]byte, 4800)}
	p := readaloud.New(synth, audio.NewSharedOutput(out.Opener()),
		readaloud.WithVoice("Kore"), readaloud.WithPlaybackRate(0.5), readaloud.WithMetrics(testMetrics(t)))
	defer p.Close()

	dur, err := p.Say(context.Background(), "  hello world ")
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if dur != 200*time.Millisecond {
		t.Errorf("duration = %v, want 200ms", dur)
	}
	if len(synth.Calls) != 1 || synth.Calls[0].Text != "hello world" || synth.Calls[0].Voice != "Kore" {
		t.Errorf("synth calls = %+v", synth.Calls)
	}
	if n := len(out.Scheduled()); n != 1 {
		t.Fatalf("scheduled %d segments, want 1", n)
	}

	// A second utterance queues behind the first.
	if _, err := p.Say(context.Background(), "again"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if at := out.Scheduled()[1].At; at != 200*time.Millisecond {
		t.Errorf("second start = %v, want 200ms", at)
	}
	if p.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", p.Pending())
	}
}

func TestSay_SharesOutputWithLivePlayback(t *testing.T) {
	t.Parallel()

	out := &amock.OutputDevice{}
	shared := audio.NewSharedOutput(out.Opener())
	live := playback.New(shared, playback.WithName("live"))
	if err := live.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	p := readaloud.New(&smock.Provider{Audio: make([]byte, 480)}, shared, readaloud.WithMetrics(testMetrics(t)))
	if _, err := p.Say(context.Background(), "hi"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if shared.Holders() != 2 {
		t.Errorf("holders = %d, want 2", shared.Holders())
	}

	_ = p.Close()
	if out.Closes() != 0 {
		t.Error("device closed while the live scheduler still holds it")
	}
	live.Teardown()
	if out.Closes() != 1 {
		t.Errorf("device closes = %d, want 1", out.Closes())
	}
}

func TestSay_Errors(t *testing.T) {
	t.Parallel()

	synthErr := errors.New("quota")
	tests := []struct {
		name  string
		synth *smock.Provider
		text  string
		want  error
		calls int
	}{
		{name: "blank text", synth: &smock.Provider{Audio: []byte{0, 0}}, text: " \n", want: readaloud.ErrEmptyText},
		{name: "backend failure", synth: &smock.Provider{Err: synthErr}, text: "x", want: synthErr, calls: 1},
		{name: "odd length audio", synth: &smock.Provider{Audio: []byte{1, 2, 3}}, text: "x", want: audio.ErrDecodeFailure, calls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := &amock.OutputDevice{}
			p := readaloud.New(tt.synth, audio.NewSharedOutput(out.Opener()), readaloud.WithMetrics(testMetrics(t)))
			defer p.Close()

			_, err := p.Say(context.Background(), tt.text)
			if !errors.Is(err, tt.want) {
				t.Errorf("Say err = %v, want %v", err, tt.want)
			}
			if got := tt.synth.CallCount(); got != tt.calls {
				t.Errorf("synth calls = %d, want %d", got, tt.calls)
			}
			if len(out.Scheduled()) != 0 {
				t.Error("audio scheduled despite error")
			}
		})
	}
}

func TestSay_OutputUnavailable(t *testing.T) {
	t.Parallel()

	out := &amock.OutputDevice{OpenError: errors.New("no sink")}
	p := readaloud.New(&smock.Provider{Audio: make([]byte, 4)}, audio.NewSharedOutput(out.Opener()), readaloud.WithMetrics(testMetrics(t)))
	if _, err := p.Say(context.Background(), "x"); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Say err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestStopAndClose(t *testing.T) {
	t.Parallel()

	out := &amock.OutputDevice{}
	p := readaloud.New(&smock.Provider{Audio: make([]byte, 4800)}, audio.NewSharedOutput(out.Opener()), readaloud.WithMetrics(testMetrics(t)))
	if _, err := p.Say(context.Background(), "one"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	p.Stop()
	if !out.Scheduled()[0].Voice.Stopped() {
		t.Error("Stop did not stop the voice")
	}

	_ = p.Close()
	_ = p.Close()
	if _, err := p.Say(context.Background(), "two"); !errors.Is(err, readaloud.ErrClosed) {
		t.Errorf("Say after Close = %v, want ErrClosed", err)
	}
	if out.Closes() != 1 {
		t.Errorf("device closes = %d, want 1", out.Closes())
	}
}
