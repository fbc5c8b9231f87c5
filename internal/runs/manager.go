// Package runs tracks pipeline runs started by the API and the scheduler.
// At most one run is active at a time.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/maltedev/stories-scraper/internal/pipeline"
)

var (
	ErrRunInProgress = errors.New("a run is already in progress")
	ErrRunNotFound   = errors.New("run not found")
)

// MaxHistory is the number of finished runs kept in memory.
const MaxHistory = 100

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run represents one pipeline execution
type Run struct {
	ID          string            `json:"id"`
	Trigger     string            `json:"trigger"`
	Status      Status            `json:"status"`
	State       pipeline.State    `json:"state"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Summary     *pipeline.Summary `json:"summary,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Runner is one full pipeline run. A new Runner is built per run.
type Runner interface {
	RunFull(ctx context.Context) (*pipeline.Result, error)
	State() pipeline.State
	Snapshot() pipeline.Summary
}

type RunnerFactory func() (Runner, error)

type Manager struct {
	newRunner RunnerFactory
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	order  []string
	active *activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	id     string
	runner Runner
	cancel context.CancelFunc
}

func NewManager(newRunner RunnerFactory, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		newRunner: newRunner,
		clock:     clk,
		logger:    logger.With("component", "run_manager"),
		runs:      make(map[string]*Run),
	}
}

// Start launches a run in the background. The run outlives ctx's
// cancellation; use Cancel or Shutdown to stop it.
func (m *Manager) Start(ctx context.Context, trigger string) (*Run, error) {
	run, runCtx, err := m.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(runCtx, run.ID)
	}()

	return run, nil
}

// Run executes a run and blocks until it finishes.
func (m *Manager) Run(ctx context.Context, trigger string) (*Run, error) {
	run, runCtx, err := m.begin(ctx, trigger)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	defer m.wg.Done()
	m.execute(runCtx, run.ID)

	return m.Get(run.ID)
}

func (m *Manager) begin(ctx context.Context, trigger string) (*Run, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, nil, ErrRunInProgress
	}

	runner, err := m.newRunner()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create runner: %w", err)
	}

	run := &Run{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Status:    StatusRunning,
		State:     runner.State(),
		StartedAt: m.clock.Now(),
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.active = &activeRun{id: run.ID, runner: runner, cancel: cancel}
	m.runs[run.ID] = run
	m.order = append(m.order, run.ID)
	m.trim()

	m.logger.Info("run started", "run_id", run.ID, "trigger", trigger)
	return run.copy(), runCtx, nil
}

func (m *Manager) execute(ctx context.Context, id string) {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	res, err := active.runner.RunFull(ctx)
	active.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.runs[id]
	now := m.clock.Now()
	run.CompletedAt = &now
	run.State = active.runner.State()

	summary := active.runner.Snapshot()
	if res != nil {
		summary = res.Summary
	}
	run.Summary = &summary

	switch {
	case err == nil && !summary.Cancelled:
		run.Status = StatusCompleted
	case errors.Is(err, context.Canceled) || summary.Cancelled:
		run.Status = StatusCancelled
	default:
		run.Status = StatusFailed
	}
	if err != nil {
		run.Error = err.Error()
	}
	m.active = nil

	m.logger.Info("run finished",
		"run_id", id,
		"status", string(run.Status),
		"persisted", summary.Persisted,
		"skipped", summary.ProductsSkipped)
}

// trim drops the oldest finished runs beyond MaxHistory. Caller holds mu.
func (m *Manager) trim() {
	for len(m.order) > MaxHistory {
		oldest := m.order[0]
		if m.active != nil && m.active.id == oldest {
			return
		}
		delete(m.runs, oldest)
		m.order = m.order[1:]
	}
}

// Get returns a copy of the run. An active run reports its live state and
// a snapshot of the summary.
func (m *Manager) Get(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return m.view(run), nil
}

// List returns all known runs, newest first.
func (m *Manager) List() []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Run, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.view(m.runs[m.order[i]]))
	}
	return out
}

// Active reports the id of the run in progress, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return "", false
	}
	return m.active.id, true
}

// Cancel stops the run with the given id. The run finishes the item it is on.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return ErrRunNotFound
	}
	if m.active == nil || m.active.id != id {
		return fmt.Errorf("run %s is not active", id)
	}

	m.logger.Info("cancelling run", "run_id", id)
	m.active.cancel()
	return nil
}

// Shutdown cancels the active run and waits for background runs to return
// or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.active != nil {
		m.active.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for active run: %w", ctx.Err())
	}
}

func (m *Manager) view(run *Run) *Run {
	out := run.copy()
	if m.active != nil && m.active.id == run.ID {
		out.State = m.active.runner.State()
		summary := m.active.runner.Snapshot()
		out.Summary = &summary
	}
	return out
}

func (r *Run) copy() *Run {
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Summary != nil {
		s := *r.Summary
		out.Summary = &s
	}
	return &out
}
