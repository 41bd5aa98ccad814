package mixer

import (
	"errors"
	"math"
	"strings"
	"testing"
)

type transportRig struct {
	t       *testing.T
	factory *fakeFactory
	reg     *StemRegistry
	c       *TransportController
}

func newTransportRig(t *testing.T, ids ...int64) *transportRig {
	t.Helper()
	f := newFakeFactory()
	rig := &transportRig{t: t, factory: f, reg: newTestRegistry(t, ids...)}
	rig.c = NewTransportController(f.New, func(k ChannelKey, g Generation, ev SourceEvent) {
		rig.c.HandleSourceEvent(k, g, ev)
	}, DefaultTransportOptions())
	return rig
}

func (r *transportRig) activate(keys ...ChannelKey) {
	r.t.Helper()
	activate(r.t, r.reg, keys...)
	r.c.Resync(r.reg)
}

func (r *transportRig) ready(durations map[ChannelKey]float64) {
	for k, d := range durations {
		r.factory.source(k).finishLoad(d)
	}
}

func (r *transportRig) advance(dt float64, n int) {
	for i := 0; i < n; i++ {
		r.factory.clock.add(dt)
		r.c.Tick(dt)
	}
}

func (r *transportRig) play() {
	r.t.Helper()
	if err := r.c.Play(); err != nil {
		r.t.Fatalf("Play() error = %v", err)
	}
}

func TestTransportArmsOnlyAfterAllReady(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(2))

	if err := rig.c.Play(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Play() while loading error = %v, want ErrNotReady", err)
	}
	rig.ready(map[ChannelKey]float64{vocals(1): 100})
	if rig.c.Phase() != PhaseIdle {
		t.Fatalf("phase after 1/2 ready = %v, want idle", rig.c.Phase())
	}
	rig.ready(map[ChannelKey]float64{instrumental(2): 90})
	st := rig.c.State()
	if st.Phase != PhaseArmed || st.ReadyCount != 2 || st.ExpectedReadyCount != 2 {
		t.Errorf("state = %+v, want armed with 2/2", st)
	}
}

func TestTransportSingleStemDoesNotArm(t *testing.T) {
	rig := newTransportRig(t, 1)
	rig.activate(vocals(1))
	rig.ready(map[ChannelKey]float64{vocals(1): 30})
	if rig.c.Phase() != PhaseIdle {
		t.Errorf("phase with one stem = %v, want idle", rig.c.Phase())
	}
}

func TestTransportDurationIsMaxAndAutoStops(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(1), vocals(2))
	rig.ready(map[ChannelKey]float64{
		vocals(1):       120,
		instrumental(1): 95,
		vocals(2):       140,
	})
	if got := rig.c.State().Duration; got != 140 {
		t.Fatalf("duration = %v, want 140", got)
	}

	rig.play()
	rig.advance(0.25, 559) // 139.75s
	st := rig.c.State()
	if st.Phase != PhasePlaying || st.CurrentTime != 139.75 {
		t.Fatalf("at 139.75s state = %+v, want playing", st)
	}
	if rig.factory.source(instrumental(1)).isPlaying() {
		t.Errorf("95s channel still playing past its end")
	}
	if !rig.factory.source(vocals(2)).isPlaying() {
		t.Errorf("140s channel stopped early")
	}

	rig.advance(0.25, 1)
	st = rig.c.State()
	if st.Phase != PhaseArmed || st.IsPlaying || st.CurrentTime != 140 {
		t.Errorf("at end state = %+v, want armed at 140", st)
	}
	for _, k := range []ChannelKey{vocals(1), instrumental(1), vocals(2)} {
		if rig.factory.source(k).isPlaying() {
			t.Errorf("%s still playing after auto-stop", k)
		}
	}

	// play at the end starts over
	rig.play()
	if got := rig.c.State().CurrentTime; got != 0 {
		t.Errorf("play at end: currentTime = %v, want 0", got)
	}
}

func TestTransportOffsetFloor(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(2))
	if err := rig.reg.SetOffset(vocals(1), 2.0); err != nil {
		t.Fatal(err)
	}
	rig.c.Resync(rig.reg)
	rig.ready(map[ChannelKey]float64{vocals(1): 10, instrumental(2): 10})

	if got := rig.c.State().Duration; got != 12 {
		t.Errorf("duration with offset = %v, want 12", got)
	}
	if err := rig.c.Seek(1.0); err != nil {
		t.Fatal(err)
	}
	src := rig.factory.source(vocals(1))
	if got := src.lastSeek(); got != 0 {
		t.Errorf("offset channel seek fraction at t=1 = %v, want 0", got)
	}
	if got := rig.factory.source(instrumental(2)).lastSeek(); got != 0.1 {
		t.Errorf("plain channel seek fraction at t=1 = %v, want 0.1", got)
	}

	rig.play()
	if src.isPlaying() {
		t.Fatalf("offset channel playing before its offset")
	}
	rig.advance(0.25, 4) // t = 2.0
	if !src.isPlaying() {
		t.Fatalf("offset channel not playing once clock passed offset")
	}
	if got := src.lastSeek(); got != 0 {
		t.Errorf("offset channel start fraction = %v, want 0", got)
	}
}

func TestTransportDriftCorrectionIsRateLimited(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(2))
	rig.ready(map[ChannelKey]float64{vocals(1): 300, instrumental(2): 300})
	rig.play()

	const dt = 0.0625
	rig.advance(dt, 160) // 10s
	if got := rig.c.Corrections(); got != 0 {
		t.Fatalf("corrections without drift = %d, want 0", got)
	}

	a := rig.factory.source(vocals(1))
	b := rig.factory.source(instrumental(2))
	aSeeks, bSeeks := a.seekCount(), b.seekCount()

	a.nudge(0.15)
	rig.advance(dt, 1)
	if got := rig.c.Corrections(); got != 1 {
		t.Fatalf("corrections after drift = %d, want 1", got)
	}
	if a.seekCount() != aSeeks+1 {
		t.Errorf("drifted source seeks = %d, want %d", a.seekCount(), aSeeks+1)
	}
	if b.seekCount() != bSeeks {
		t.Errorf("in-sync source was re-seeked")
	}
	if got, want := a.CurrentTime(), rig.c.State().CurrentTime; math.Abs(got-want) > 1e-9 {
		t.Errorf("after correction source at %v, want %v", got, want)
	}

	// drifts again right away: must wait out the interval
	a.nudge(0.15)
	rig.advance(dt, 1)
	if got := rig.c.Corrections(); got != 1 {
		t.Errorf("corrections within interval = %d, want 1", got)
	}
	rig.advance(dt, 1)
	if got := rig.c.Corrections(); got != 2 {
		t.Errorf("corrections after interval = %d, want 2", got)
	}

	a.mu.Lock()
	times := append([]float64(nil), a.seekTimes...)
	a.mu.Unlock()
	for i := 1; i < len(times); i++ {
		if times[i]-times[i-1] <= DefaultReconcileInterval {
			t.Errorf("seeks at %v and %v are within the reconcile interval", times[i-1], times[i])
		}
	}
}

func TestTransportSmallDriftIsTolerated(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(2))
	rig.ready(map[ChannelKey]float64{vocals(1): 60, instrumental(2): 60})
	rig.play()
	rig.advance(0.0625, 16)
	rig.factory.source(vocals(1)).nudge(0.05)
	rig.advance(0.0625, 4)
	if got := rig.c.Corrections(); got != 0 {
		t.Errorf("corrections for 0.05s drift = %d, want 0", got)
	}
}

func TestTransportFailedChannelDoesNotBlock(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(1), vocals(2))
	rig.factory.source(instrumental(1)).failLoad(errors.New("bad header"))
	rig.ready(map[ChannelKey]float64{vocals(1): 50, vocals(2): 60})

	st := rig.c.State()
	if st.Phase != PhaseArmed || st.ExpectedReadyCount != 2 {
		t.Fatalf("state = %+v, want armed expecting 2", st)
	}
	warnings := rig.c.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "1:instrumental") {
		t.Errorf("warnings = %v, want one for 1:instrumental", warnings)
	}
	var de *DecodeError
	for _, ch := range rig.c.ChannelStates(rig.reg) {
		if ch.Key == instrumental(1) && (ch.Status != StatusFailed || ch.Audible) {
			t.Errorf("failed channel status = %s audible = %v, want failed and greyed out", ch.Status, ch.Audible)
		}
		if ch.Key == vocals(2) && !ch.Audible {
			t.Errorf("ready channel reported inaudible")
		}
	}
	if h := rig.c.handles[instrumental(1)]; !errors.As(h.err, &de) {
		t.Errorf("failure error = %v, want DecodeError", h.err)
	}
	rig.play()
	if rig.factory.source(instrumental(1)).isPlaying() {
		t.Errorf("failed channel playing")
	}
}

func TestTransportMuteWhilePlayingTouchesOneSource(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(2))
	rig.ready(map[ChannelKey]float64{vocals(1): 60, instrumental(2): 60})
	rig.play()
	rig.advance(0.25, 8)

	a, b := rig.factory.source(vocals(1)), rig.factory.source(instrumental(2))
	bSeeks := b.seekCount()

	_, _ = rig.reg.ToggleMute(vocals(1))
	rig.c.Resync(rig.reg)
	if a.isPlaying() {
		t.Errorf("muted source still playing")
	}
	if !b.isPlaying() || b.seekCount() != bSeeks {
		t.Errorf("other source disturbed: playing=%v seeks=%d want %d", b.isPlaying(), b.seekCount(), bSeeks)
	}
	if rig.c.Phase() != PhasePlaying {
		t.Errorf("phase = %v, want playing", rig.c.Phase())
	}

	rig.advance(0.25, 4)
	_, _ = rig.reg.ToggleMute(vocals(1))
	rig.c.Resync(rig.reg)
	if !a.isPlaying() {
		t.Fatalf("unmuted source not resumed")
	}
	if got, want := a.CurrentTime(), rig.c.State().CurrentTime; math.Abs(got-want) > 1e-9 {
		t.Errorf("resumed source at %v, want realigned to %v", got, want)
	}
}

func TestTransportSoloSwitchWhilePlaying(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(2))
	rig.ready(map[ChannelKey]float64{vocals(1): 60, instrumental(2): 60})
	rig.play()

	a, b := rig.factory.source(vocals(1)), rig.factory.source(instrumental(2))
	_, _ = rig.reg.SetSolo(1)
	rig.c.Resync(rig.reg)
	if !a.isPlaying() || b.isPlaying() {
		t.Errorf("solo 1: a=%v b=%v, want true false", a.isPlaying(), b.isPlaying())
	}
	_, _ = rig.reg.SetSolo(2)
	rig.c.Resync(rig.reg)
	if a.isPlaying() || !b.isPlaying() {
		t.Errorf("solo 2: a=%v b=%v, want false true", a.isPlaying(), b.isPlaying())
	}
}

func TestTransportSeekKeepsPlayState(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(2))
	rig.ready(map[ChannelKey]float64{vocals(1): 40, instrumental(2): 80})

	if err := rig.c.Seek(20); err != nil {
		t.Fatal(err)
	}
	if rig.c.Phase() != PhaseArmed {
		t.Errorf("seek changed phase to %v", rig.c.Phase())
	}
	if got := rig.factory.source(vocals(1)).lastSeek(); got != 0.5 {
		t.Errorf("seek fraction of 40s source = %v, want 0.5", got)
	}
	if got := rig.factory.source(instrumental(2)).lastSeek(); got != 0.25 {
		t.Errorf("seek fraction of 80s source = %v, want 0.25", got)
	}

	rig.play()
	if err := rig.c.Seek(500); err != nil {
		t.Fatal(err)
	}
	st := rig.c.State()
	if st.CurrentTime != 80 || st.Phase != PhasePlaying {
		t.Errorf("seek past end state = %+v, want playing clamped to 80", st)
	}
}

func TestTransportStaleGenerationIgnored(t *testing.T) {
	rig := newTransportRig(t, 1, 2)
	rig.activate(vocals(1), instrumental(2))
	old := rig.factory.source(instrumental(2))

	_, _ = rig.reg.SetStemActive(2, StemInstrumental, false)
	rig.c.Resync(rig.reg)
	if !old.isClosed() {
		t.Fatalf("deactivated source not closed")
	}
	rig.activate(instrumental(2))
	fresh := rig.factory.source(instrumental(2))
	if fresh == old {
		t.Fatalf("re-activation reused the old source")
	}

	old.finishLoad(30)
	if got := rig.c.State().ReadyCount; got != 0 {
		t.Errorf("stale ready counted: readyCount = %d", got)
	}
	rig.ready(map[ChannelKey]float64{vocals(1): 30})
	if rig.c.Phase() != PhaseIdle {
		t.Errorf("armed before fresh source reported")
	}
	fresh.finishLoad(30)
	if rig.c.Phase() != PhaseArmed {
		t.Errorf("phase = %v, want armed", rig.c.Phase())
	}
}
