package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/database"
)

var errRollback = fmt.Errorf("rollback")

func TestInvoiceRepository_CreateAfterFailedLookup(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := database.NewFromURL(ctx, url)
	require.NoError(t, err)
	defer db.Close()
	_, err = Migrate(ctx, db)
	require.NoError(t, err)

	repo := NewInvoiceRepository(db)
	tenant := fmt.Sprintf("tenant-%d", time.Now().UnixNano())
	now := time.Now().UTC()

	err = db.InTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, repo.LockNumbering(ctx, tenant))

		// A failing statement inside the lookup's savepoint must not abort
		// the generation transaction.
		lookupErr := db.Savepoint(ctx, func(ctx context.Context) error {
			var n int
			return db.QueryRow(ctx, `SELECT 1/0`).Scan(&n)
		})
		require.Error(t, lookupErr)

		inv := &Invoice{
			TenantID:      tenant,
			InvoiceNumber: fmt.Sprintf("INV-%d", now.UnixMilli()),
			CustomerID:    "cust-1",
			IssueDate:     now,
			DueDate:       now.AddDate(0, 0, 30),
			Currency:      "USD",
			TotalAmount:   decimal.RequireFromString("10.00"),
			Status:        "draft",
		}
		require.NoError(t, repo.Create(ctx, inv))
		assert.NotEmpty(t, inv.ID)

		latest, err := repo.LatestNumber(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, inv.InvoiceNumber, latest)
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)
}
