package audio

import "context"

// Analysis is the tempo/key detection result. Either field may be nil when
// the analyzer could not decide.
type Analysis struct {
	BPM *float64 `json:"bpm"`
	Key *string  `json:"key"`
}

// TempoAnalyzer detects tempo and key of a local audio file.
type TempoAnalyzer interface {
	Analyze(ctx context.Context, path string) (Analysis, error)
}

// StemFunc receives a finished stem file while separation is still running.
type StemFunc func(kind, path string)

// StemSeparator splits a local audio file into named stems written under
// outDir. The result maps a stem kind ("vocals", "instrumental") to a file.
// onStem may be nil.
type StemSeparator interface {
	Separate(ctx context.Context, path, outDir string, onStem StemFunc) (map[string]string, error)
}

// RenderInput is one stem of a render job.
type RenderInput struct {
	Path   string
	Volume float64 // linear gain in [0,1]
	Offset float64 // seconds of leading silence
	Muted  bool
}

// RenderJob mixes Inputs into OutputPath. The output format follows the
// path's extension.
type RenderJob struct {
	Inputs     []RenderInput
	OutputPath string
}

// Renderer produces a single mixed file from a job.
type Renderer interface {
	Render(ctx context.Context, job RenderJob) error
	// Ext is the file extension the renderer writes, with the leading dot.
	Ext() string
}
