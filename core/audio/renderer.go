package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/wav"

	"musicmashup/logger"
)

const resampleQuality = 4

// BeepRenderer mixes in-process and writes WAV.
type BeepRenderer struct {
	// SkipMuted drops inputs flagged muted instead of rendering them.
	SkipMuted bool
}

func NewBeepRenderer(skipMuted bool) *BeepRenderer {
	return &BeepRenderer{SkipMuted: skipMuted}
}

func (r *BeepRenderer) Ext() string { return ".wav" }

func (r *BeepRenderer) Render(ctx context.Context, job RenderJob) error {
	inputs := selectInputs(job.Inputs, r.SkipMuted)
	if len(inputs) == 0 {
		return errors.New("nothing to render")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return MixDown(inputs, job.OutputPath)
}

func selectInputs(in []RenderInput, skipMuted bool) []RenderInput {
	out := make([]RenderInput, 0, len(in))
	for _, i := range in {
		if skipMuted && i.Muted {
			continue
		}
		out = append(out, i)
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// MixDown overlays inputs (gain, leading silence for offsets) into a WAV
// file at the sample rate of the first input.
func MixDown(inputs []RenderInput, outPath string) error {
	var (
		format  beep.Format
		streams []beep.Streamer
		total   int
	)
	for i, in := range inputs {
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return fmt.Errorf("read %s: %w", in.Path, err)
		}
		s, f, err := Decode(data, in.Path)
		if err != nil {
			return fmt.Errorf("decode %s: %w", in.Path, err)
		}
		defer s.Close()

		if i == 0 {
			format = beep.Format{SampleRate: f.SampleRate, NumChannels: 2, Precision: 2}
		}
		var st beep.Streamer = s
		n := s.Len()
		if f.SampleRate != format.SampleRate {
			st = beep.Resample(resampleQuality, f.SampleRate, format.SampleRate, st)
			n = format.SampleRate.N(f.SampleRate.D(n))
		}
		st = &effects.Gain{Streamer: st, Gain: in.Volume - 1}
		if in.Offset > 0 {
			pad := format.SampleRate.N(seconds(in.Offset))
			st = beep.Seq(beep.Silence(pad), st)
			n += pad
		}
		if n > total {
			total = n
		}
		// resampled inputs may come up a few samples short of n
		streams = append(streams, beep.Seq(st, beep.Silence(-1)))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	if err := wav.Encode(f, beep.Take(total, beep.Mix(streams...)), format); err != nil {
		f.Close()
		os.Remove(outPath)
		return fmt.Errorf("encode mix: %w", err)
	}
	return f.Close()
}

// ScriptRenderer runs audio_processor.py. The script takes a JSON list of
// files, a JSON map of index -> volume and an output path, and prints
// "success" when it wrote the file.
type ScriptRenderer struct {
	runner    *ScriptRunner
	script    string
	skipMuted bool
}

func NewScriptRenderer(runner *ScriptRunner, script string, skipMuted bool) *ScriptRenderer {
	return &ScriptRenderer{runner: runner, script: script, skipMuted: skipMuted}
}

func (r *ScriptRenderer) Ext() string { return ".mp3" }

func (r *ScriptRenderer) Render(ctx context.Context, job RenderJob) error {
	inputs := selectInputs(job.Inputs, r.skipMuted)
	if len(inputs) == 0 {
		return errors.New("nothing to render")
	}

	// the script has no notion of offsets, so shifted inputs are padded first
	tmpDir, err := os.MkdirTemp("", "mashup-render-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	files := make([]string, 0, len(inputs))
	volumes := make(map[string]float64, len(inputs))
	for i, in := range inputs {
		p := in.Path
		if in.Offset > 0 {
			p = filepath.Join(tmpDir, strconv.Itoa(i)+".wav")
			if err := MixDown([]RenderInput{{Path: in.Path, Volume: 1, Offset: in.Offset}}, p); err != nil {
				return fmt.Errorf("pad input %d: %w", i, err)
			}
		}
		files = append(files, p)
		volumes[strconv.Itoa(i)] = in.Volume
	}

	filesJSON, err := json.Marshal(files)
	if err != nil {
		return err
	}
	volumesJSON, err := json.Marshal(volumes)
	if err != nil {
		return err
	}

	out, err := r.runner.Run(ctx, r.script, string(filesJSON), string(volumesJSON), job.OutputPath)
	if err != nil {
		return err
	}
	if !scriptSucceeded(out) {
		logger.Error("render script reported failure", logger.String("output", out))
		return fmt.Errorf("render script: %s", out)
	}
	return nil
}

// scriptSucceeded checks the final line of output; the script may print
// progress before it.
func scriptSucceeded(out string) bool {
	last := ""
	for _, l := range splitLines(out) {
		last = l
	}
	return last == "success"
}
