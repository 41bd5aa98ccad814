package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"musicmashup/core/audio"
	"musicmashup/core/mixer"
	"musicmashup/logger"
)

// LocalStem is one file on disk previewed as a stem of its own track.
type LocalStem struct {
	Path string
	Kind mixer.StemKind
}

// Loader is the part of *mixer.Engine a library is loaded through.
type Loader interface {
	SetTracks(ctx context.Context, tracks []mixer.Track) error
	SetStemOptions(ctx context.Context, trackID int64, options map[mixer.StemKind]string) error
	SetStemActive(ctx context.Context, trackID int64, kind mixer.StemKind, active bool) error
}

// LocalLibrary maps local files to tracks and renders mixes of them.
type LocalLibrary struct {
	tracks   []mixer.Track
	stems    []LocalStem
	paths    map[mixer.ChannelKey]string
	renderer audio.Renderer
	outDir   string
}

// NewLocalLibrary gives every stem its own track, numbered from 1.
func NewLocalLibrary(stems []LocalStem, renderer audio.Renderer, outDir string) (*LocalLibrary, error) {
	if len(stems) == 0 {
		return nil, fmt.Errorf("no stems given")
	}
	l := &LocalLibrary{
		stems:    stems,
		paths:    make(map[mixer.ChannelKey]string, len(stems)),
		renderer: renderer,
		outDir:   outDir,
	}
	for i, s := range stems {
		info, err := os.Stat(s.Path)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", s.Path)
		}
		id := int64(i + 1)
		l.tracks = append(l.tracks, mixer.Track{ID: id, Name: filepath.Base(s.Path), Location: s.Path})
		l.paths[mixer.ChannelKey{TrackID: id, Kind: s.Kind}] = s.Path
	}
	return l, nil
}

func (l *LocalLibrary) Tracks() []mixer.Track { return l.tracks }

// Load registers the tracks and activates every stem.
func (l *LocalLibrary) Load(ctx context.Context, e Loader) error {
	if err := e.SetTracks(ctx, l.tracks); err != nil {
		return err
	}
	for i, s := range l.stems {
		id := l.tracks[i].ID
		if err := e.SetStemOptions(ctx, id, map[mixer.StemKind]string{s.Kind: s.Path}); err != nil {
			return err
		}
		if err := e.SetStemActive(ctx, id, s.Kind, true); err != nil {
			return err
		}
	}
	return nil
}

// Render implements mixer.Renderer by mixing the local files into outDir.
func (l *LocalLibrary) Render(ctx context.Context, req mixer.MixRequest) (*mixer.RenderResult, error) {
	job := audio.RenderJob{}
	for _, e := range req.Entries {
		path, ok := l.paths[e.Key()]
		if !ok {
			return nil, fmt.Errorf("%w: %s", mixer.ErrStemUnavailable, e.Key())
		}
		job.Inputs = append(job.Inputs, audio.RenderInput{
			Path:   path,
			Volume: e.Volume,
			Offset: e.Offset,
			Muted:  e.Muted,
		})
	}
	if err := os.MkdirAll(l.outDir, 0755); err != nil {
		return nil, err
	}
	job.OutputPath = uniquePath(filepath.Join(l.outDir, slug(req.Name)), l.renderer.Ext())
	if err := l.renderer.Render(ctx, job); err != nil {
		os.Remove(job.OutputPath)
		return nil, err
	}

	f, err := os.Open(job.OutputPath)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mixer.RenderResult{
		Body:        f,
		Filename:    job.OutputPath,
		ContentType: audio.ContentType(job.OutputPath),
		Size:        info.Size(),
	}, nil
}

// Submit renders through a MixSubmitter and reports the written path.
func (l *LocalLibrary) Submit() SubmitFunc {
	submitter := mixer.NewMixSubmitter(l)
	return func(ctx context.Context, req mixer.MixRequest) (string, error) {
		res, err := submitter.Submit(ctx, req)
		if err != nil {
			return "", err
		}
		res.Body.Close()
		logger.Info("preview mix rendered",
			logger.String("path", res.Filename),
			logger.Int64("size", res.Size))
		return res.Filename, nil
	}
}

// slug keeps letters, digits, '-' and '_' of a mashup name.
func slug(name string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			return r
		case unicode.IsSpace(r):
			return '-'
		}
		return -1
	}, strings.TrimSpace(name))
	if s == "" {
		return "mashup"
	}
	return s
}

// uniquePath appends -1, -2, ... until base+ext does not exist.
func uniquePath(base, ext string) string {
	p := base + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p
		}
		p = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}
