package recording

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/supabase-community/supabase-go"
)

// LocalStorage writes recordings into a directory that the HTTP server also
// exposes under /recordings/.
type LocalStorage struct {
	dir string
}

func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

func (s *LocalStorage) Dir() string { return s.dir }

func (s *LocalStorage) Put(ctx context.Context, name string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name != filepath.Base(name) {
		return fmt.Errorf("invalid recording name %q", name)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// SupabaseStorage uploads recordings into a Supabase Storage bucket.
type SupabaseStorage struct {
	client *supabase.Client
	bucket string
}

func NewSupabaseStorage(url, key, bucket string) (*SupabaseStorage, error) {
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStorage{client: client, bucket: bucket}, nil
}

// Put uploads the recording. The storage client has no context support, so
// cancellation is only honored before the upload starts.
func (s *SupabaseStorage) Put(ctx context.Context, name string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.Storage.UploadFile(s.bucket, name, body); err != nil {
		return fmt.Errorf("upload to bucket %s: %w", s.bucket, err)
	}
	return nil
}

// NewStorage picks the Supabase bucket when credentials are configured and the
// local directory otherwise.
func NewStorage(dir, supabaseURL, supabaseKey, bucket string) (Storage, error) {
	if supabaseURL != "" && supabaseKey != "" {
		return NewSupabaseStorage(supabaseURL, supabaseKey, bucket)
	}
	return NewLocalStorage(dir)
}
