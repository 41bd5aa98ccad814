package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

// ErrUnsupportedFormat is returned for anything that is neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Format names a container we can decode.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// DetectFormat sniffs the header first and falls back to the hint, which may
// be a file name, an extension or a content type.
func DetectFormat(head []byte, hint string) (Format, error) {
	switch {
	case len(head) >= 12 && string(head[0:4]) == "RIFF" && string(head[8:12]) == "WAVE":
		return FormatWAV, nil
	case len(head) >= 3 && string(head[0:3]) == "ID3":
		return FormatMP3, nil
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return FormatMP3, nil
	}

	h := strings.ToLower(hint)
	switch {
	case strings.Contains(h, "wav"), strings.Contains(h, "wave"):
		return FormatWAV, nil
	case strings.Contains(h, "mp3"), strings.Contains(h, "mpeg"):
		return FormatMP3, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, hint)
}

// Decode decodes a complete file held in memory. The returned streamer is
// seekable.
func Decode(data []byte, hint string) (beep.StreamSeekCloser, beep.Format, error) {
	head := data
	if len(head) > 12 {
		head = head[:12]
	}
	f, err := DetectFormat(head, hint)
	if err != nil {
		return nil, beep.Format{}, err
	}
	r := bytes.NewReader(data)
	switch f {
	case FormatWAV:
		return wav.Decode(r)
	default:
		return mp3.Decode(io.NopCloser(r))
	}
}

// DecodeReader reads rc to the end and decodes it.
func DecodeReader(rc io.ReadCloser, hint string) (beep.StreamSeekCloser, beep.Format, error) {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, beep.Format{}, fmt.Errorf("read audio: %w", err)
	}
	return Decode(data, hint)
}

// ContentType maps a file name to the content type we serve it with.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Ext maps a content type or name back to a file extension.
func Ext(contentTypeOrName string) string {
	switch e := strings.ToLower(filepath.Ext(contentTypeOrName)); e {
	case ".wav", ".mp3":
		return e
	}
	f, err := DetectFormat(nil, contentTypeOrName)
	if err != nil {
		return ""
	}
	return "." + string(f)
}
