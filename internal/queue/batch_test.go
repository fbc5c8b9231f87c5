package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchQueue_FlushesFullBatches(t *testing.T) {
	ctx := context.Background()
	var batches [][]int

	q := NewBatchQueue(3, func(_ context.Context, batch []int) error {
		batches = append(batches, batch)
		return nil
	})

	for i := 1; i <= 7; i++ {
		require.NoError(t, q.Push(ctx, i))
	}

	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, batches)
	assert.Equal(t, 1, q.Size())

	require.NoError(t, q.Close(ctx))
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, batches)
	assert.Equal(t, 3, q.Batches())

	assert.ErrorIs(t, q.Push(ctx, 8), ErrBatcherClosed)
}

func TestBatchQueue_FlushEmptyIsNoop(t *testing.T) {
	calls := 0
	q := NewBatchQueue(2, func(context.Context, []string) error {
		calls++
		return nil
	})

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, calls)
}

func TestBatchQueue_PropagatesFlushError(t *testing.T) {
	boom := errors.New("boom")
	q := NewBatchQueue(1, func(context.Context, []string) error { return boom })

	assert.ErrorIs(t, q.Push(context.Background(), "a"), boom)
	assert.Equal(t, 0, q.Size())
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name     string
		items    []int
		size     int
		expected [][]int
	}{
		{"even", []int{1, 2, 3, 4}, 2, [][]int{{1, 2}, {3, 4}}},
		{"remainder", []int{1, 2, 3}, 2, [][]int{{1, 2}, {3}}},
		{"empty", nil, 5, nil},
		{"invalid size", []int{1, 2}, 0, [][]int{{1}, {2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Chunk(tt.items, tt.size))
		})
	}
}
