package database

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDB connects to TEST_DATABASE_URL and skips when it is unset.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := NewFromURL(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestSavepoint_WithoutTransactionRunsDirectly(t *testing.T) {
	var db DB
	calls := 0
	err := db.Savepoint(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("lookup failed")
	})
	assert.EqualError(t, err, "lookup failed")
	assert.Equal(t, 1, calls)
}

func TestSavepoint_FailureKeepsTransactionUsable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.InTransaction(ctx, func(ctx context.Context) error {
		_, err := db.Exec(ctx, `CREATE TEMP TABLE savepoint_items (n int) ON COMMIT DROP`)
		require.NoError(t, err)
		_, err = db.Exec(ctx, `INSERT INTO savepoint_items VALUES (1)`)
		require.NoError(t, err)

		spErr := db.Savepoint(ctx, func(ctx context.Context) error {
			if _, err := db.Exec(ctx, `INSERT INTO savepoint_items VALUES (2)`); err != nil {
				return err
			}
			var n int
			return db.QueryRow(ctx, `SELECT 1/0`).Scan(&n)
		})
		require.Error(t, spErr)

		_, err = db.Exec(ctx, `INSERT INTO savepoint_items VALUES (3)`)
		require.NoError(t, err, "outer transaction is still usable")

		var count int
		require.NoError(t, db.QueryRow(ctx, `SELECT count(*) FROM savepoint_items`).Scan(&count))
		assert.Equal(t, 2, count, "the savepoint's insert is rolled back")
		return nil
	})
	require.NoError(t, err)
}
