package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
)

func TestInTransaction_RollbackDiscardsOwnWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.InTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Expenses.Create(ctx, &repository.Expense{TenantID: "t1", Currency: "EUR"}))
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.Empty(t, s.Expenses.All("t1"))
}

func TestInTransaction_RollbackKeepsOutsideWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	inTx := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.InTransaction(ctx, func(ctx context.Context) error {
			if err := s.Expenses.Create(ctx, &repository.Expense{TenantID: "t1", Currency: "EUR"}); err != nil {
				return err
			}
			close(inTx)
			<-release
			return fmt.Errorf("boom")
		})
	}()
	<-inTx

	wf := &repository.ApprovalWorkflow{TenantID: "t1", Name: "Outside", WorkflowType: "expense", IsActive: true}
	wfDone := make(chan error, 1)
	go func() { wfDone <- s.Workflows.Create(ctx, wf) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	require.Error(t, <-txDone)
	require.NoError(t, <-wfDone)

	got, err := s.Workflows.GetByID(ctx, wf.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Outside", got.Name)
	assert.Empty(t, s.Expenses.All("t1"))

	_, err = s.Workflows.GetByID(ctx, "missing", "t1")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}
