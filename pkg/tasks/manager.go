// Package tasks implements the resumable-task manager (spec §4.8): a
// durable scheduler for long or fallible background operations —
// permission-revocation cascades and recursive prune, primarily — that
// must survive a process restart mid-flight.
//
// Grounded on the ambient codebase's regwatch.Swarm: a ticker-driven
// poll loop started with Start(ctx) and stopped with Stop(), guarded by
// a running flag and a stop channel, fanning work out under a bounded
// concurrency semaphore.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opendwn/core/pkg/store"
)

// Runner executes one task kind. Implementations must be idempotent
// given identical inputs (spec §4.8: "the name and payload of the task
// are the sole durable state").
type Runner func(ctx context.Context, t store.Task) error

// Manager runs the lease loop: sweep for pending/expired-lease tasks,
// grab a bounded batch, execute each with a background lease-extend
// timer, delete on success, leave in place on failure for retry.
type Manager struct {
	store          store.TaskStore
	runners        map[string]Runner
	ownerID        string
	leaseDuration  time.Duration
	extendInterval time.Duration
	pollInterval   time.Duration
	maxConcurrency int
	log            *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewManager builds a Manager with a fresh random owner id, so distinct
// processes racing for the same lease never appear to be the same owner.
func NewManager(taskStore store.TaskStore, leaseDuration, extendInterval, pollInterval time.Duration, maxConcurrency int) *Manager {
	return &Manager{
		store:          taskStore,
		runners:        make(map[string]Runner),
		ownerID:        uuid.NewString(),
		leaseDuration:  leaseDuration,
		extendInterval: extendInterval,
		pollInterval:   pollInterval,
		maxConcurrency: maxConcurrency,
		log:            slog.Default(),
	}
}

// Register binds a Runner to a task kind. Must be called before Start.
func (m *Manager) Register(kind string, runner Runner) {
	m.runners[kind] = runner
}

// Start begins the poll loop: an immediate startup sweep (spec §4.8
// "on DWN startup, sweep ... for tasks whose lease has expired and
// re-dispatch them"), then a ticker-driven Grab/execute cycle.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("tasks: manager already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	go m.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop. In-flight tasks are not cancelled; they
// reach a terminal state on their own (spec §5 "Cancellation").
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.running = false
}

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep grabs a bounded batch of leasable tasks and executes each under
// its own lease-extend goroutine, capped at maxConcurrency in flight.
func (m *Manager) sweep(ctx context.Context) {
	grabbed, err := m.store.Grab(ctx, m.ownerID, m.maxConcurrency, m.leaseDuration)
	if err != nil {
		m.log.Warn("tasks: grab failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, t := range grabbed {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.execute(ctx, t)
		}()
	}
	wg.Wait()
}

// execute runs one task's Runner while a background timer keeps its
// lease alive, then deletes it on success or leaves it in place on
// failure for a later sweep to retry (spec §4.8).
func (m *Manager) execute(ctx context.Context, t store.Task) {
	runner, ok := m.runners[t.Kind]
	if !ok {
		m.log.Warn("tasks: no runner registered for kind", "kind", t.Kind, "id", t.ID)
		return
	}

	extendDone := make(chan struct{})
	go m.extendLoop(ctx, t.ID, extendDone)
	defer close(extendDone)

	if err := runner(ctx, t); err != nil {
		m.log.Warn("tasks: run failed, left for retry", "kind", t.Kind, "id", t.ID, "error", err)
		return
	}

	if err := m.store.Delete(ctx, t.ID); err != nil {
		m.log.Warn("tasks: delete after success failed", "kind", t.Kind, "id", t.ID, "error", err)
	}
}

func (m *Manager) extendLoop(ctx context.Context, id string, done <-chan struct{}) {
	ticker := time.NewTicker(m.extendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.Extend(ctx, id, m.ownerID, m.leaseDuration); err != nil {
				m.log.Warn("tasks: lease extend failed", "id", id, "error", err)
			}
		}
	}
}
