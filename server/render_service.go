package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"musicmashup/core/audio"
	"musicmashup/core/mixer"
	"musicmashup/logger"
	"musicmashup/repository"
	"musicmashup/storage"
)

// RenderService 把混音请求落到本地文件后交给 audio.Renderer。
// It implements mixer.Renderer.
type RenderService struct {
	tracks   repository.TrackRepository
	store    storage.ObjectStore
	renderer audio.Renderer
	workDir  string
}

func NewRenderService(tracks repository.TrackRepository, store storage.ObjectStore, renderer audio.Renderer, workDir string) *RenderService {
	return &RenderService{tracks: tracks, store: store, renderer: renderer, workDir: workDir}
}

// renderedFile removes the scratch directory once the body is consumed.
type renderedFile struct {
	*os.File
	dir string
}

func (f *renderedFile) Close() error {
	err := f.File.Close()
	if rmErr := os.RemoveAll(f.dir); rmErr != nil {
		logger.Warn("failed to clean render dir", logger.String("dir", f.dir), logger.ErrorField(rmErr))
	}
	return err
}

func (s *RenderService) Render(ctx context.Context, req mixer.MixRequest) (*mixer.RenderResult, error) {
	if err := os.MkdirAll(s.workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.workDir, "render-")
	if err != nil {
		return nil, fmt.Errorf("create render dir: %w", err)
	}

	job, err := s.stage(ctx, dir, req)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := s.renderer.Render(ctx, job); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	f, err := os.Open(job.OutputPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("open rendered mix: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	filename := mixer.DownloadFilename(s.renderer.Ext())
	return &mixer.RenderResult{
		Body:        &renderedFile{File: f, dir: dir},
		Filename:    filename,
		ContentType: audio.ContentType(filename),
		Size:        size,
	}, nil
}

// stage downloads every entry's stem into dir.
func (s *RenderService) stage(ctx context.Context, dir string, req mixer.MixRequest) (audio.RenderJob, error) {
	job := audio.RenderJob{OutputPath: filepath.Join(dir, "mashup"+s.renderer.Ext())}
	for i, e := range req.Entries {
		stem, err := s.tracks.GetStem(ctx, e.TrackID, string(e.Kind))
		if err != nil {
			return job, fmt.Errorf("lookup stem %s: %w", e.Key(), err)
		}
		if stem == nil {
			return job, fmt.Errorf("stem %s: %w", e.Key(), mixer.ErrStemUnavailable)
		}
		local := filepath.Join(dir, fmt.Sprintf("%02d-%d-%s%s", i, e.TrackID, e.Kind, filepath.Ext(stem.ObjectKey)))
		if err := s.store.FGet(ctx, stem.ObjectKey, local); err != nil {
			return job, fmt.Errorf("fetch stem %s: %w", e.Key(), err)
		}
		job.Inputs = append(job.Inputs, audio.RenderInput{
			Path:   local,
			Volume: e.Volume,
			Offset: e.Offset,
			Muted:  e.Muted,
		})
	}
	return job, nil
}
