package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"musicmashup/logger"
)

// ScriptRunner runs the python processing scripts.
type ScriptRunner struct {
	pythonPath string
}

// NewScriptRunner creates a runner; an empty path means "python3" from PATH.
func NewScriptRunner(pythonPath string) *ScriptRunner {
	if pythonPath == "" {
		pythonPath = "python3"
	}
	return &ScriptRunner{pythonPath: pythonPath}
}

// Run executes script with args and returns trimmed stdout.
func (r *ScriptRunner) Run(ctx context.Context, script string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.pythonPath, append([]string{script}, args...)...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	logger.Debug("script finished",
		logger.String("script", script),
		logger.Duration("elapsed", time.Since(start)),
		logger.Bool("ok", err == nil))
	if err != nil {
		return "", fmt.Errorf("%s failed: %w\nstderr: %s", script, err, strings.TrimSpace(stderr.String()))
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		logger.Debug("script stderr", logger.String("script", script), logger.String("stderr", msg))
	}
	return strings.TrimSpace(out.String()), nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
