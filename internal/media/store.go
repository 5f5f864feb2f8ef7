// Package media archives inbound media files on a local filesystem.
package media

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/wahub-io/wahub/internal/models"
)

// Store writes downloaded media under a base directory and serves it back
// by relative path.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore creates a disk-backed store rooted at dir.
func NewStore(dir string) (*Store, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{fs: fs, dir: dir}, nil
}

// NewMemStore creates an in-memory store for tests.
func NewMemStore() *Store {
	return &Store{fs: afero.NewMemMapFs(), dir: "media"}
}

// Save writes data under a name derived from the message id and mime type
// and returns the relative path recorded on the message.
func (s *Store) Save(messageID string, mediaType models.MessageType, mimeType string, data []byte) (string, error) {
	name := fmt.Sprintf("%s.%s", sanitize(messageID), ExtensionFor(mediaType, mimeType))
	full := path.Join(s.dir, name)
	if err := afero.WriteFile(s.fs, full, data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// Open returns a reader for a previously saved file.
func (s *Store) Open(relPath string) (io.ReadCloser, error) {
	return s.fs.Open(path.Join(s.dir, path.Base(relPath)))
}

// Provider message ids can contain characters that are awkward in
// filenames (WAHA ids embed '@').
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

var mimeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"video/mp4":  "mp4",
	"video/3gpp": "3gp",
	"audio/aac":  "aac",
	"audio/mp4":  "m4a",
	"audio/mpeg": "mp3",
	"audio/amr":  "amr",
	"audio/ogg":  "ogg",
	"application/pdf":          "pdf",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-powerpoint": "ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"text/plain": "txt",
}

// ExtensionFor picks a file extension from the mime type, falling back to a
// default per media type.
func ExtensionFor(mediaType models.MessageType, mimeType string) string {
	if mimeType != "" {
		// Strip parameters like "; codecs=opus".
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
		if ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mimeType))]; ok {
			return ext
		}
	}

	switch mediaType {
	case models.TypeImage:
		return "jpg"
	case models.TypeVideo:
		return "mp4"
	case models.TypeAudio:
		return "mp3"
	case models.TypeDocument:
		return "pdf"
	case models.TypeSticker:
		return "webp"
	}
	return "bin"
}
