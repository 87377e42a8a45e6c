// Package dump writes fetched post records to disk for debugging.
package dump

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/jaam8/piazza_poll_bot/internal/models"
	"go.uber.org/zap"
)

type Writer struct {
	dir string
	l   *zap.Logger
}

func New(dir string, l *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dump: failed to create %s: %w", dir, err)
	}
	return &Writer{dir: dir, l: l}, nil
}

// Dump replaces <dir>/<post id>.json for every post, atomically per file.
func (w *Writer) Dump(posts []models.RawPost) error {
	for _, post := range posts {
		name := fileName(post.ID)
		if name == "" {
			w.l.Debug("skipping post without id in dump")
			continue
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, post.Payload, "", "  "); err != nil {
			return fmt.Errorf("dump: post %s is not valid json: %w", post.ID, err)
		}
		buf.WriteByte('\n')
		path := filepath.Join(w.dir, name)
		if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("dump: failed to write %s: %w", path, err)
		}
	}
	w.l.Debug("dumped posts", zap.String("dir", w.dir), zap.Int("count", len(posts)))
	return nil
}

func fileName(postID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return -1
		}
	}, postID)
	if id == "" {
		return ""
	}
	return id + ".json"
}
