package devserver

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPostgresStore needs a disposable database; every subtest starts from empty tables.
func TestPostgresStore(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}

	runStoreTests(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, dbURL)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		_, err = s.db.ExecContext(ctx, "TRUNCATE messages, users RESTART IDENTITY")
		require.NoError(t, err)
		return s
	})
}
