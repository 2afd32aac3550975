package budget_test

import (
	"context"
	"testing"

	"github.com/ignatij/docflow/pkg/budget"
	"github.com/ignatij/docflow/pkg/models"
	"github.com/ignatij/docflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadCount(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		available int
		ceiling   int
		text      bool
		expected  int
	}{
		{name: "document count caps the request", requested: 50, available: 10, ceiling: 3, expected: 3},
		{name: "available caps the request", requested: 8, available: 4, ceiling: 100, expected: 4},
		{name: "request below both", requested: 2, available: 4, ceiling: 100, expected: 2},
		{name: "inline text uses one worker", requested: 50, available: 10, ceiling: 1, text: true, expected: 1},
		{name: "inline text ignores a large ceiling", requested: 50, available: 10, ceiling: 20, text: true, expected: 1},
		{name: "zero request still yields one", requested: 0, available: 10, ceiling: 5, expected: 1},
		{name: "zero budget still clamps to one", requested: 5, available: 0, ceiling: 5, expected: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, budget.ThreadCount(tt.requested, tt.available, tt.ceiling, tt.text))
		})
	}
}

func TestController(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveUser(ctx, models.User{ID: "u1", WorkerCount: 10}))
	c := budget.NewController(store)

	require.NoError(t, c.Acquire(ctx, "u1", 3))
	available, err := c.Available(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, available)

	require.NoError(t, c.Acquire(ctx, "u1", 0))
	require.NoError(t, c.Release(ctx, "u1", 3))
	available, err = c.Available(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, available)

	_, err = c.Available(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
