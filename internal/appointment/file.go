package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileStore writes one JSON document per appointment into a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create appointments dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode appointment: %w", err)
	}

	name := FileName(record)
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("save appointment: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save appointment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save appointment: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save appointment: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// FileName is the file a record is stored under. The creation time leads so a
// directory listing sorts chronologically.
func FileName(record Record) string {
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(record.CreatedAt.UTC().Format(time.RFC3339Nano))
	return ts + "_" + record.ID + ".json"
}
