package mixer

import (
	"math"
	"strings"

	"github.com/gopxl/beep/v2"
)

// Waveform is the peak representation of one channel, laid out on the
// channel's own timeline.
type Waveform struct {
	Key      ChannelKey
	Peaks    []float64 // normalized to [0,1]
	Duration float64
	Offset   float64
}

// Scrub converts a gesture at fraction of the waveform into a logical seek time.
func (w Waveform) Scrub(fraction float64) float64 {
	return ScrubPosition(fraction, w.Offset, w.Duration)
}

var bars = []rune(" ▁▂▃▄▅▆▇█")

// Bars draws the peaks as a row of block glyphs resampled to width.
func (w Waveform) Bars(width int) string {
	if width <= 0 {
		return ""
	}
	if len(w.Peaks) == 0 {
		return strings.Repeat(string(bars[0]), width)
	}
	var b strings.Builder
	for i := 0; i < width; i++ {
		lo := i * len(w.Peaks) / width
		hi := (i + 1) * len(w.Peaks) / width
		if hi <= lo {
			hi = lo + 1
		}
		peak := 0.0
		for _, p := range w.Peaks[lo:hi] {
			peak = math.Max(peak, p)
		}
		b.WriteRune(bars[int(math.Round(clamp01(peak)*float64(len(bars)-1)))])
	}
	return b.String()
}

// Playhead returns the column of logical time t on a row of width columns,
// or -1 when t falls outside this channel.
func (w Waveform) Playhead(t float64, width int) int {
	if w.Duration <= 0 || width <= 0 {
		return -1
	}
	pos := (t - w.Offset) / w.Duration
	if pos < 0 || pos > 1 {
		return -1
	}
	col := int(pos * float64(width))
	if col >= width {
		col = width - 1
	}
	return col
}

// ScrubPosition maps a fraction of a channel's own duration to logical time.
func ScrubPosition(fraction, offset, duration float64) float64 {
	return offset + clamp01(fraction)*duration
}

// Peaks reduces frames to buckets of peak amplitude normalized to [0,1].
func Peaks(samples [][2]float64, buckets int) []float64 {
	acc := newPeakAccumulator(len(samples), buckets)
	acc.add(samples)
	return acc.result()
}

// PeaksFromStreamer streams s to the end without holding its samples.
func PeaksFromStreamer(s beep.StreamSeeker, buckets int) ([]float64, error) {
	acc := newPeakAccumulator(s.Len(), buckets)
	buf := make([][2]float64, 4096)
	for {
		n, ok := s.Stream(buf)
		acc.add(buf[:n])
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return acc.result(), nil
}

type peakAccumulator struct {
	peaks []float64
	per   int
	n     int
}

func newPeakAccumulator(total, buckets int) *peakAccumulator {
	if buckets <= 0 {
		buckets = 1
	}
	per := (total + buckets - 1) / buckets
	if per < 1 {
		per = 1
	}
	return &peakAccumulator{peaks: make([]float64, buckets), per: per}
}

func (a *peakAccumulator) add(samples [][2]float64) {
	for _, s := range samples {
		idx := a.n / a.per
		if idx >= len(a.peaks) {
			idx = len(a.peaks) - 1
		}
		v := math.Max(math.Abs(s[0]), math.Abs(s[1]))
		if v > a.peaks[idx] {
			a.peaks[idx] = v
		}
		a.n++
	}
}

func (a *peakAccumulator) result() []float64 {
	max := 0.0
	for _, p := range a.peaks {
		max = math.Max(max, p)
	}
	out := make([]float64, len(a.peaks))
	if max == 0 {
		return out
	}
	for i, p := range a.peaks {
		out[i] = clamp01(p / max)
	}
	return out
}
