package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
)

// writeWAV writes a stereo sine of the given length and amplitude.
func writeWAV(t *testing.T, path string, rate beep.SampleRate, seconds, amp float64) {
	t.Helper()
	format := beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2}
	n := rate.N(time.Duration(seconds * float64(time.Second)))
	i := 0
	tone := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for k := range samples {
			v := amp * math.Sin(2*math.Pi*220*float64(i)/float64(rate))
			samples[k] = [2]float64{v, v}
			i++
		}
		return len(samples), true
	})
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := wav.Encode(f, beep.Take(n, tone), format); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func readWAV(t *testing.T, path string) (beep.StreamSeekCloser, beep.Format) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	s, f, err := Decode(data, path)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s, f
}

// writeScript writes a shell script run through /bin/sh in place of python.
func writeScript(t *testing.T, body string) (*ScriptRunner, string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "script.sh")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return NewScriptRunner("/bin/sh"), path
}
