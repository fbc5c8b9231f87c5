// Package queue buffers items into fixed-size batches.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrBatcherClosed = errors.New("batcher is closed")

// FlushFunc receives each full batch, and the remainder on Flush. The slice
// is owned by the callee.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// BatchQueue collects items and hands them to flush in groups of size.
type BatchQueue[T any] struct {
	mu        sync.Mutex
	batchSize int
	items     []T
	flush     FlushFunc[T]
	closed    bool
	flushed   int
}

func NewBatchQueue[T any](batchSize int, flush FlushFunc[T]) *BatchQueue[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchQueue[T]{
		batchSize: batchSize,
		items:     make([]T, 0, batchSize),
		flush:     flush,
	}
}

// Push appends item and flushes once the batch is full. The flush error is
// returned to the caller; the batch is not retried.
func (b *BatchQueue[T]) Push(ctx context.Context, item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatcherClosed
	}

	b.items = append(b.items, item)
	var batch []T
	if len(b.items) >= b.batchSize {
		batch = b.take()
	}
	b.mu.Unlock()

	if batch == nil {
		return nil
	}
	return b.flush(ctx, batch)
}

// Flush hands any buffered items to flush.
func (b *BatchQueue[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.take()
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.flush(ctx, batch)
}

// Close flushes the remainder and rejects further pushes.
func (b *BatchQueue[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	batch := b.take()
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.flush(ctx, batch)
}

func (b *BatchQueue[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Batches returns how many batches have been handed to flush.
func (b *BatchQueue[T]) Batches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed
}

func (b *BatchQueue[T]) take() []T {
	if len(b.items) == 0 {
		return nil
	}
	batch := b.items
	b.items = make([]T, 0, b.batchSize)
	b.flushed++
	return batch
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
