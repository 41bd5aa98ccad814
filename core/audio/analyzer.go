package audio

import (
	"context"
	"strconv"
	"strings"

	"musicmashup/logger"
)

// ScriptAnalyzer runs the bpm detection script. The script prints the tempo,
// optionally followed by a key label: "128.0" or "128.0 A minor".
type ScriptAnalyzer struct {
	runner *ScriptRunner
	script string
}

func NewScriptAnalyzer(runner *ScriptRunner, script string) *ScriptAnalyzer {
	return &ScriptAnalyzer{runner: runner, script: script}
}

func (a *ScriptAnalyzer) Analyze(ctx context.Context, path string) (Analysis, error) {
	out, err := a.runner.Run(ctx, a.script, path)
	if err != nil {
		return Analysis{}, err
	}
	res := ParseAnalysis(out)
	if res.BPM == nil {
		logger.Warn("tempo analyzer returned no number", logger.String("output", out))
	}
	return res, nil
}

// ParseAnalysis reads the last non-empty line of the script output. A
// non-numeric tempo yields a nil BPM rather than an error.
func ParseAnalysis(out string) Analysis {
	var line string
	for _, l := range splitLines(out) {
		line = l
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Analysis{}
	}
	var res Analysis
	if bpm, err := strconv.ParseFloat(fields[0], 64); err == nil && bpm > 0 {
		res.BPM = &bpm
	}
	if len(fields) > 1 {
		key := strings.Join(fields[1:], " ")
		res.Key = &key
	}
	return res
}
