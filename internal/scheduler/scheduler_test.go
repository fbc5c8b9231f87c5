package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/stories-scraper/internal/runs"
)

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Run(ctx context.Context, trigger string) (*runs.Run, error) {
	args := m.Called(ctx, trigger)
	run, _ := args.Get(0).(*runs.Run)
	return run, args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := New(&MockExecutor{}, Config{Spec: "every now and then"}, discardLogger())

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "failed to schedule")
}

func TestScheduler_RunOnStart(t *testing.T) {
	executor := &MockExecutor{}
	called := make(chan struct{})
	executor.On("Run", mock.Anything, Trigger).
		Return(&runs.Run{ID: "run-1", Status: runs.StatusCompleted}, nil).
		Run(func(mock.Arguments) { close(called) }).
		Once()

	s := New(executor, Config{Spec: "@every 24h", RunOnStart: true}, discardLogger())
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	executor.AssertExpectations(t)
}

func TestScheduler_RunOnce(t *testing.T) {
	tests := []struct {
		name string
		run  *runs.Run
		err  error
	}{
		{"completed", &runs.Run{ID: "run-1", Status: runs.StatusCompleted}, nil},
		{"run in progress", nil, runs.ErrRunInProgress},
		{"factory failure", nil, errors.New("failed to create runner")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := &MockExecutor{}
			executor.On("Run", mock.Anything, Trigger).Return(tt.run, tt.err).Once()

			s := New(executor, Config{Spec: "@every 1h"}, discardLogger())
			s.runOnce(context.Background())

			executor.AssertExpectations(t)
		})
	}
}

func TestScheduler_RunOnceSkipsCancelledContext(t *testing.T) {
	executor := &MockExecutor{}
	s := New(executor, Config{Spec: "@every 1h"}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.runOnce(ctx)

	executor.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}
