package appointment

import (
	"context"
	"strings"
)

// NewStore picks postgres when a database URL is configured, then a JSON file
// directory, then in-memory.
func NewStore(ctx context.Context, databaseURL, dir string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(dir) != "" {
		return NewFileStore(dir)
	}
	return NewInMemoryStore(), nil
}
