// Package archive keeps a copy of every generated message body.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/pavelanni/studycoach/internal/model"
)

// Store persists message bodies under a key.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key returns {YYYYMMDD}/{id}_{lower_snake_name}_{variant}.txt.
func Key(day time.Time, student model.StudentRecord, variant model.Variant) string {
	return fmt.Sprintf("%s/%s_%s_%s.txt", day.Format("20060102"), safe(student.ID), snake(student.DisplayName()), variant)
}

// AttachBodies loads the archived body of every delivery that has an archive
// key. A body that cannot be read is logged and left empty.
func AttachBodies(ctx context.Context, s Store, deliveries []model.DeliveryRecord) int {
	n := 0
	for i := range deliveries {
		key := deliveries[i].ArchiveKey
		if key == "" {
			continue
		}
		body, err := s.Get(ctx, key)
		if err != nil {
			slog.Warn("archived body unavailable", "key", key, "error", err)
			continue
		}
		deliveries[i].Body = string(body)
		n++
	}
	return n
}

func snake(name string) string {
	var sb strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && sb.Len() > 0 {
			sb.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(sb.String(), "_")
}

func safe(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
}

// DirStore writes bodies below a local directory.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir %s: %w", root, err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) path(key string) (string, error) {
	p := filepath.Join(d.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(d.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("archive key %q escapes root", key)
	}
	return p, nil
}

func (d *DirStore) Put(ctx context.Context, key string, body []byte) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create archive subdir: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return fmt.Errorf("write archive %s: %w", key, err)
	}
	return nil
}

func (d *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", key, err)
	}
	return data, nil
}
