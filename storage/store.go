package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Open/Stat for a missing object.
var ErrNotFound = errors.New("object not found")

// Object is a seekable object body; http.ServeContent serves ranges from it.
type Object interface {
	io.ReadSeekCloser
	Info() ObjectInfo
}

type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ContentType  string    `json:"contentType"`
	ETag         string    `json:"etag"`
}

type BucketStats struct {
	TotalObjects int       `json:"totalObjects"`
	TotalSize    int64     `json:"totalSize"`
	LastModified time.Time `json:"lastModified"`
}

// ObjectStore holds uploaded audio, separated stems and rendered mixes.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (Object, error)
	// FGet downloads an object to a local file for the python scripts.
	FGet(ctx context.Context, key, filePath string) error
	Remove(ctx context.Context, key string) error
	RemovePrefix(ctx context.Context, prefix string) (int, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error)
}

const (
	AudioPrefix  = "audio/"
	StemPrefix   = "stems/"
	RenderPrefix = "renders/"
)

// AudioKey names a new upload; ext includes the dot.
func AudioKey(ext string) string {
	return AudioPrefix + uuid.NewString() + ext
}

// StemDir is the prefix holding every stem of a track.
func StemDir(trackID int64) string {
	return fmt.Sprintf("%s%d/", StemPrefix, trackID)
}

func StemKey(trackID int64, kind, ext string) string {
	return StemDir(trackID) + kind + "-" + uuid.NewString()[:8] + ext
}

func RenderKey(ext string) string {
	return RenderPrefix + time.Now().UTC().Format("20060102") + "/" + uuid.NewString() + ext
}

// Stats folds a listing into totals.
func Stats(objects []ObjectInfo) *BucketStats {
	stats := &BucketStats{}
	for _, o := range objects {
		stats.TotalObjects++
		stats.TotalSize += o.Size
		if o.LastModified.After(stats.LastModified) {
			stats.LastModified = o.LastModified
		}
	}
	return stats
}

// UsageByPrefix sums object sizes per top-level prefix ("audio", "stems", ...).
func UsageByPrefix(objects []ObjectInfo) map[string]int64 {
	usage := make(map[string]int64)
	for _, o := range objects {
		top, _, found := strings.Cut(o.Key, "/")
		if !found {
			top = "other"
		}
		usage[top] += o.Size
	}
	return usage
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// Base returns the file name part of key.
func Base(key string) string {
	return path.Base(key)
}
