package mixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
)

// writeTone writes a stereo 440Hz WAV of the given length.
func writeTone(t *testing.T, dir string, seconds float64) string {
	t.Helper()
	format := beep.Format{SampleRate: 8000, NumChannels: 2, Precision: 2}
	n := format.SampleRate.N(time.Duration(seconds * float64(time.Second)))
	i := 0
	tone := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for k := range samples {
			v := 0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(format.SampleRate))
			samples[k] = [2]float64{v, v}
			i++
		}
		return len(samples), true
	})

	path := filepath.Join(dir, "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := wav.Encode(f, beep.Take(n, tone), format); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitEvent(t *testing.T, ch <-chan SourceEvent) SourceEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("source never signalled")
	}
	return SourceEvent{}
}

func TestBeepSourceLoadsAndSeeks(t *testing.T) {
	path := writeTone(t, t.TempDir(), 2)
	src := NewBeepSource(FileOpener, 0)
	defer src.Close()

	if src.Duration() != 0 || src.CurrentTime() != 0 {
		t.Errorf("accessors before ready = %v/%v, want 0/0", src.Duration(), src.CurrentTime())
	}
	src.Play() // no-op before ready

	events := make(chan SourceEvent, 2)
	src.Load(path, func(ev SourceEvent) { events <- ev })
	ev := waitEvent(t, events)
	if ev.Kind != SourceReady || math.Abs(ev.Duration-2) > 1e-3 {
		t.Fatalf("event = %+v, want ready with 2s", ev)
	}

	src.Seek(0.5)
	if got := src.CurrentTime(); math.Abs(got-1) > 1e-3 {
		t.Errorf("CurrentTime after Seek(0.5) = %v, want 1", got)
	}
	src.Seek(7)
	if got := src.CurrentTime(); math.Abs(got-2) > 1e-3 {
		t.Errorf("CurrentTime after Seek(7) = %v, want clamped to 2", got)
	}

	// paused sources stream silence and do not move
	src.Seek(0)
	buf := make([][2]float64, 800)
	if n, ok := src.Stream(buf); n != len(buf) || !ok {
		t.Fatalf("Stream() = %d, %v", n, ok)
	}
	if src.CurrentTime() != 0 {
		t.Errorf("paused source advanced to %v", src.CurrentTime())
	}

	src.Play()
	src.Stream(buf)
	if got := src.CurrentTime(); math.Abs(got-0.1) > 1e-3 {
		t.Errorf("CurrentTime after 800 samples = %v, want 0.1", got)
	}
	loud := false
	for _, s := range buf {
		if math.Abs(s[0]) > 0.1 {
			loud = true
			break
		}
	}
	if !loud {
		t.Errorf("playing source streamed silence")
	}

	src.SetVolume(0)
	src.Stream(buf)
	for _, s := range buf {
		if s[0] != 0 {
			t.Fatalf("volume 0 streamed %v", s[0])
		}
	}
}

func TestBeepSourceDecodeError(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(bad, []byte("not audio at all"), 0644); err != nil {
		t.Fatal(err)
	}

	src := NewBeepSource(FileOpener, 0)
	defer src.Close()
	events := make(chan SourceEvent, 1)
	src.Load(bad, func(ev SourceEvent) { events <- ev })

	ev := waitEvent(t, events)
	var de *DecodeError
	if ev.Kind != SourceFailed || !errors.As(ev.Err, &de) {
		t.Fatalf("event = %+v, want DecodeError failure", ev)
	}
	if de.Location != bad {
		t.Errorf("DecodeError location = %q, want %q", de.Location, bad)
	}
}

func TestBeepSourceClosedBeforeReadyNeverSignals(t *testing.T) {
	release := make(chan struct{})
	opened := make(chan struct{})
	path := writeTone(t, t.TempDir(), 0.5)
	open := func(ctx context.Context, location string) (io.ReadCloser, error) {
		close(opened)
		<-release
		return os.Open(location)
	}

	src := NewBeepSource(open, 0)
	events := make(chan SourceEvent, 1)
	src.Load(path, func(ev SourceEvent) { events <- ev })
	<-opened
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	close(release)

	select {
	case ev := <-events:
		t.Errorf("closed source signalled %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if n, ok := src.Stream(make([][2]float64, 10)); n != 0 || ok {
		t.Errorf("closed Stream() = %d, %v, want 0, false", n, ok)
	}
}

func TestLoadWaveform(t *testing.T) {
	path := writeTone(t, t.TempDir(), 1)
	w, err := LoadWaveform(context.Background(), FileOpener, vocals(1), path, 50)
	if err != nil {
		t.Fatalf("LoadWaveform() error = %v", err)
	}
	if len(w.Peaks) != 50 || math.Abs(w.Duration-1) > 1e-3 {
		t.Errorf("waveform = %d peaks / %vs, want 50 / 1s", len(w.Peaks), w.Duration)
	}
	for i, p := range w.Peaks {
		if p < 0.9 {
			t.Errorf("steady tone peak[%d] = %v, want near 1", i, p)
			break
		}
	}
}

func energy(buf [][2]float64) float64 {
	var e float64
	for _, s := range buf {
		e += s[0]*s[0] + s[1]*s[1]
	}
	return e
}

func TestBeepSourceReplaysAfterEndWhenResampling(t *testing.T) {
	for _, rate := range []beep.SampleRate{0, 44100} {
		t.Run(fmt.Sprint(rate), func(t *testing.T) {
			path := writeTone(t, t.TempDir(), 0.5)
			src := NewBeepSource(FileOpener, rate)
			defer src.Close()
			events := make(chan SourceEvent, 1)
			src.Load(path, func(ev SourceEvent) { events <- ev })
			if ev := waitEvent(t, events); ev.Kind != SourceReady {
				t.Fatalf("event = %+v", ev)
			}

			buf := make([][2]float64, 4096)
			src.Play()
			for i := 0; i < 20; i++ {
				src.Stream(buf)
			}
			if got := src.CurrentTime(); math.Abs(got-0.5) > 1e-3 {
				t.Fatalf("CurrentTime at end = %v, want 0.5", got)
			}
			if e := energy(buf); e != 0 {
				t.Errorf("source past its end streamed energy %v", e)
			}

			src.Seek(0)
			src.Play()
			src.Stream(buf)
			if e := energy(buf); e < 1 {
				t.Errorf("energy after Seek(0) = %v, want audible", e)
			}
			if src.CurrentTime() <= 0 {
				t.Errorf("CurrentTime after replay = %v, want > 0", src.CurrentTime())
			}
		})
	}
}
