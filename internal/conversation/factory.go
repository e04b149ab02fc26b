package conversation

import (
	"context"
	"strings"
)

// NewStore picks a backend from the database URL: postgres URLs use pgx,
// sqlite:// and file: URLs use SQLite, and an empty URL stays in memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStore(ctx, url)
	default:
		return NewPostgresStore(ctx, url)
	}
}

// Mode names the backend a URL resolves to, for health output.
func Mode(databaseURL string) string {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return "in-memory"
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"):
		return "sqlite"
	default:
		return "postgres"
	}
}
