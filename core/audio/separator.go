package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"musicmashup/logger"
)

// defaultStemSettle is how long a stem file must go without fsnotify events
// before it is reported as finished.
const defaultStemSettle = 2 * time.Second

// ScriptSeparator runs the stem separation script with an output directory
// and collects the stem files it writes there.
//
// Two-stem models write vocals + no_vocals; four-stem models write vocals,
// drums, bass and other, which are mixed down into one instrumental.
type ScriptSeparator struct {
	runner *ScriptRunner
	script string
	settle time.Duration
}

func NewScriptSeparator(runner *ScriptRunner, script string) *ScriptSeparator {
	return &ScriptSeparator{runner: runner, script: script, settle: defaultStemSettle}
}

// stemName maps an output file to a stem name, or "" for unrelated files.
func stemName(path string) string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".mp3":
	default:
		return ""
	}
	switch base {
	case "vocals":
		return "vocals"
	case "instrumental", "no_vocals", "accompaniment":
		return "instrumental"
	case "drums", "bass", "other", "piano", "guitar":
		return base
	}
	return ""
}

type pendingStem struct {
	path string
	last time.Time
}

// Separate runs the script. While it runs, a vocals or instrumental file that
// has stopped changing for the settle time is passed to onStem, at most once
// per stem and never after Separate returns. The returned map is built from
// the final directory listing.
func (s *ScriptSeparator) Separate(ctx context.Context, path, outDir string, onStem StemFunc) (map[string]string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create stem dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create stem watcher: %w", err)
	}
	if err := watcher.Add(outDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch stem dir: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watch(watcher, onStem)
	}()

	_, runErr := s.runner.Run(ctx, s.script, path, outDir)
	watcher.Close()
	wg.Wait()
	if runErr != nil {
		return nil, runErr
	}

	// events can be coalesced; the directory listing is authoritative
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("list stem dir: %w", err)
	}
	found := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		full := filepath.Join(outDir, e.Name())
		if name := stemName(full); name != "" {
			found[name] = full
		}
	}
	return collectStems(found, outDir)
}

// watch runs until the watcher is closed.
func (s *ScriptSeparator) watch(watcher *fsnotify.Watcher, onStem StemFunc) {
	pending := make(map[string]pendingStem)
	reported := make(map[string]bool)
	tick := time.NewTicker(s.settle / 4)
	defer tick.Stop()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := stemName(ev.Name)
			if name == "" || reported[name] {
				continue
			}
			if _, seen := pending[name]; !seen {
				logger.Info("stem produced", logger.String("stem", name), logger.String("file", ev.Name))
			}
			pending[name] = pendingStem{path: ev.Name, last: time.Now()}
		case now := <-tick.C:
			for name, p := range pending {
				if now.Sub(p.last) < s.settle {
					continue
				}
				delete(pending, name)
				reported[name] = true
				// 四轨模型的 drums/bass 等要等结束后才混成伴奏
				if onStem != nil && (name == "vocals" || name == "instrumental") {
					onStem(name, p.path)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("stem watcher error", logger.ErrorField(err))
		}
	}
}

// collectStems reduces the produced files to vocals + instrumental.
func collectStems(found map[string]string, outDir string) (map[string]string, error) {
	stems := make(map[string]string, 2)
	if v, ok := found["vocals"]; ok {
		stems["vocals"] = v
	}
	if inst, ok := found["instrumental"]; ok {
		stems["instrumental"] = inst
	} else {
		var parts []RenderInput
		for _, name := range []string{"drums", "bass", "other", "piano", "guitar"} {
			if p, ok := found[name]; ok {
				parts = append(parts, RenderInput{Path: p, Volume: 1})
			}
		}
		if len(parts) > 0 {
			out := filepath.Join(outDir, "instrumental.wav")
			if err := MixDown(parts, out); err != nil {
				return nil, fmt.Errorf("mix instrumental: %w", err)
			}
			stems["instrumental"] = out
		}
	}
	if len(stems) == 0 {
		return nil, fmt.Errorf("separator produced no stems in %s", outDir)
	}
	return stems, nil
}
