// Package media downloads and persists binary attachments. Protocol
// media fetch is the least reliable step of ingestion, so everything
// here degrades instead of failing: full download, then embedded
// thumbnail, then nothing.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tidehub/wagate/internal/protocol"
	"go.uber.org/zap"
)

// Downloader is the slice of the protocol connection media acquisition needs.
type Downloader interface {
	Download(ctx context.Context, ref *protocol.MediaRef) ([]byte, error)
}

// thumbSuffix marks a fallback thumbnail so downstream consumers can
// tell it apart from full media.
const thumbSuffix = "_thumb.jpg"

// Store persists attachments under a shared media directory, one
// subdirectory per session, named deterministically by message id.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a media store rooted at dir.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger}
}

// Fetch acquires the media behind msg and returns the stored file path.
// On download failure it falls back to the embedded thumbnail when one
// exists; when that also fails it returns "" and the original error, and
// the caller persists the message without an attachment.
func (s *Store) Fetch(ctx context.Context, dl Downloader, sessionID string, msg *protocol.Message) (string, error) {
	if msg.Media == nil || !msg.Kind.HasMedia() {
		return "", nil
	}

	data, err := dl.Download(ctx, msg.Media)
	if err == nil {
		path := filepath.Join(s.dir, sessionID, msg.ID+s.extension(msg, data))
		if werr := writeFile(path, data); werr != nil {
			return "", fmt.Errorf("persist media: %w", werr)
		}
		return path, nil
	}

	if len(msg.Media.Thumbnail) > 0 {
		path := filepath.Join(s.dir, sessionID, msg.ID+thumbSuffix)
		if werr := writeFile(path, msg.Media.Thumbnail); werr != nil {
			return "", fmt.Errorf("persist thumbnail: %w", werr)
		}
		s.logger.Warn("media download failed, kept thumbnail",
			zap.String("session", sessionID), zap.String("msg_id", msg.ID), zap.Error(err))
		return path, nil
	}

	return "", fmt.Errorf("download media: %w", err)
}

// extension picks a filename extension: declared MIME type first, the
// original filename for documents, sniffed content as a backstop, and a
// kind-specific default last.
func (s *Store) extension(msg *protocol.Message, data []byte) string {
	ref := msg.Media
	if msg.Kind == protocol.KindDocument && ref.FileName != "" {
		if ext := filepath.Ext(ref.FileName); ext != "" {
			return ext
		}
	}
	if ref.Mime != "" {
		// Declared types may carry parameters ("audio/ogg; codecs=opus").
		mime, _, _ := strings.Cut(ref.Mime, ";")
		if m := mimetype.Lookup(strings.TrimSpace(mime)); m != nil && m.Extension() != "" {
			return m.Extension()
		}
	}
	if len(data) > 0 {
		if m := mimetype.Detect(data); m.Extension() != "" {
			return m.Extension()
		}
	}
	switch msg.Kind {
	case protocol.KindVoice:
		return ".ogg"
	case protocol.KindAudio:
		return ".mp3"
	case protocol.KindImage:
		return ".jpg"
	case protocol.KindVideo:
		return ".mp4"
	case protocol.KindSticker:
		return ".webp"
	default:
		return ".bin"
	}
}

// KindForFile classifies a local file for outbound sends by sniffing
// its content.
func KindForFile(path string) protocol.Kind {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return protocol.KindDocument
	}
	mime := m.String()
	switch {
	case strings.HasPrefix(mime, "image/"):
		return protocol.KindImage
	case strings.HasPrefix(mime, "video/"):
		return protocol.KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return protocol.KindAudio
	default:
		return protocol.KindDocument
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
