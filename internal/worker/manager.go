// Package worker supervises externally spawned worker processes, one per
// task, and tracks their executions and completion context.
package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Status is the lifecycle status of a tracked execution. It transitions
// exactly once from running to a terminal value.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Execution is the public view of one tracked worker run.
type Execution struct {
	TaskID      string
	Description string
	Status      Status
	PID         int
	StartedAt   time.Time
	CompletedAt *time.Time
	Summary     string
	WorkDir     string
}

// Context is the cross-channel handoff payload for a finished task. It only
// exists once a completion summary has been recorded.
type Context struct {
	TaskID  string
	Summary string
	WorkDir string
}

// execution is the internal record, pairing the public view with the
// process handle.
type execution struct {
	Execution
	proc   Process
	onExit func(Status)
}

// Manager tracks worker executions, spawns processes, and reaps stale
// entries. It exclusively owns the execution table.
type Manager struct {
	spawner    ProcessSpawner
	out        io.Writer
	onTerminal func(taskID string, status Status, detail string)

	mu         sync.Mutex
	executions map[string]*execution
	callbacks  map[string]string // follow-up task id → originating task id
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Spawner ProcessSpawner
	Out     io.Writer // defaults to os.Stdout
	// OnTerminal is invoked after an execution reaches a terminal status
	// (exit, kill, or reap). Optional; used for operator notifications.
	OnTerminal func(taskID string, status Status, detail string)
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Spawner == nil {
		return nil, fmt.Errorf("worker: manager: spawner is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Manager{
		spawner:    opts.Spawner,
		out:        out,
		onTerminal: opts.OnTerminal,
		executions: make(map[string]*execution),
		callbacks:  make(map[string]string),
	}, nil
}

// Spawn launches exactly one worker process for the task and records a
// running execution. On termination the execution is marked completed
// (clean exit) or failed (non-zero exit), and onExit is invoked with the
// result. Spawning a task id that is already running is an error.
func (m *Manager) Spawn(ctx context.Context, taskID, prompt, workDir, resume string, onExit func(Status)) error {
	e := &execution{
		Execution: Execution{
			TaskID:      taskID,
			Description: truncate(prompt, 120),
			Status:      StatusRunning,
			StartedAt:   time.Now(),
			WorkDir:     workDir,
		},
		onExit: onExit,
	}

	// Reserve the task id before launching. Webhook delivery is
	// at-least-once, so duplicate Spawn calls for one task id can race;
	// the reservation makes the loser hit the already-running branch
	// instead of launching a second process.
	m.mu.Lock()
	if prev, exists := m.executions[taskID]; exists && prev.Status == StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("worker: task %s already running", taskID)
	}
	m.executions[taskID] = e
	m.mu.Unlock()

	proc, err := m.spawner.Spawn(ctx, SpawnOpts{
		TaskID:  taskID,
		Prompt:  prompt,
		WorkDir: workDir,
		Resume:  resume,
	})
	if err != nil {
		// Launch failure is recorded, never auto-retried.
		now := time.Now()
		m.mu.Lock()
		e.Status = StatusFailed
		e.CompletedAt = &now
		e.onExit = nil
		m.mu.Unlock()
		m.notifyTerminal(taskID, StatusFailed, err.Error())
		return fmt.Errorf("worker: spawn %s: %w", taskID, err)
	}

	m.mu.Lock()
	if e.Status != StatusRunning {
		// Killed or reaped while the process was launching.
		m.mu.Unlock()
		proc.Kill()
		return nil
	}
	e.PID = proc.PID()
	e.proc = proc
	m.mu.Unlock()

	fmt.Fprintf(m.out, "worker: spawned task %s [pid=%d dir=%s]\n", taskID, proc.PID(), workDir)
	go m.watch(taskID, proc)
	return nil
}

// watch waits for process exit and marks the execution terminal, unless a
// kill or reap got there first. The exit callback fires exactly once, from
// whichever path reaches the terminal transition; it is cleared on firing.
func (m *Manager) watch(taskID string, proc Process) {
	err := <-proc.Done()

	status := StatusCompleted
	detail := "exited cleanly"
	if err != nil {
		status = StatusFailed
		detail = err.Error()
	}

	m.mu.Lock()
	e, ok := m.executions[taskID]
	if !ok || e.Status != StatusRunning {
		// Killed or reaped while we were waiting; terminal status already
		// set and the exit callback already fired.
		m.mu.Unlock()
		return
	}
	e.Status = status
	now := time.Now()
	e.CompletedAt = &now
	onExit := e.onExit
	e.onExit = nil
	m.mu.Unlock()

	fmt.Fprintf(m.out, "worker: task %s %s\n", taskID, status)
	m.notifyTerminal(taskID, status, detail)
	if onExit != nil {
		onExit(status)
	}
}

// LinkCallback records that callbackID's context resolves through originalID.
func (m *Manager) LinkCallback(callbackID, originalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[callbackID] = originalID
}

// GetContext returns the handoff context for a task, resolving callback
// links. It returns ok=false when no completion summary has been recorded;
// callers must treat that as "no prior context", not as an error.
func (m *Manager) GetContext(id string) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	for {
		orig, linked := m.callbacks[id]
		if !linked || seen[id] {
			break
		}
		seen[id] = true
		id = orig
	}

	e, ok := m.executions[id]
	if !ok || e.Summary == "" {
		return Context{}, false
	}
	return Context{TaskID: e.TaskID, Summary: e.Summary, WorkDir: e.WorkDir}, true
}

// RecordCompletion attaches a human-readable result to the execution, used
// for cross-channel handoff and follow-up continuation.
func (m *Manager) RecordCompletion(id, summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		log.Printf("worker: record completion for unknown task %s (ignored)", id)
		return
	}
	e.Summary = summary
}

// GetLatestContext returns the context of the most recently started
// execution that has a recorded summary, across all channels. This lets a
// new channel pick up recent work with no explicit link.
func (m *Manager) GetLatestContext() (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *execution
	for _, e := range m.executions {
		if e.Summary == "" {
			continue
		}
		if latest == nil || e.StartedAt.After(latest.StartedAt) {
			latest = e
		}
	}
	if latest == nil {
		return Context{}, false
	}
	return Context{TaskID: latest.TaskID, Summary: latest.Summary, WorkDir: latest.WorkDir}, true
}

// IsRunning reports whether the task has a running execution.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	return ok && e.Status == StatusRunning
}

// Get returns the public view of one execution.
func (m *Manager) Get(id string) (Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return Execution{}, false
	}
	return e.Execution, true
}

// Kill forcibly terminates a running execution and marks it failed. The exit
// callback still fires: callers driving work off worker exits (the chat
// queue) must see a kill the same as a crash.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	e, ok := m.executions[id]
	if !ok || e.Status != StatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("worker: task %s is not running", id)
	}
	e.Status = StatusFailed
	now := time.Now()
	e.CompletedAt = &now
	proc := e.proc
	onExit := e.onExit
	e.onExit = nil
	m.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	fmt.Fprintf(m.out, "worker: killed task %s\n", id)
	m.notifyTerminal(id, StatusFailed, "killed")
	if onExit != nil {
		onExit(StatusFailed)
	}
	return nil
}

// Reap deletes terminal executions older than maxIdleAge and force-kills,
// marks failed, and deletes executions still running past maxRunningAge
// (zombies). It must run periodically to bound memory and orphaned
// processes. Returns (zombies killed, entries removed).
func (m *Manager) Reap(maxIdleAge, maxRunningAge time.Duration) (killed, removed int) {
	now := time.Now()
	var zombies []Process
	var zombieIDs []string
	var zombieExits []func(Status)

	m.mu.Lock()
	for id, e := range m.executions {
		switch e.Status {
		case StatusRunning:
			if now.Sub(e.StartedAt) > maxRunningAge {
				e.Status = StatusFailed
				t := now
				e.CompletedAt = &t
				zombies = append(zombies, e.proc)
				zombieIDs = append(zombieIDs, id)
				zombieExits = append(zombieExits, e.onExit)
				e.onExit = nil
				delete(m.executions, id)
				killed++
				removed++
			}
		default:
			if e.CompletedAt != nil && now.Sub(*e.CompletedAt) > maxIdleAge {
				delete(m.executions, id)
				removed++
			}
		}
	}
	m.mu.Unlock()

	for i, proc := range zombies {
		if proc != nil {
			proc.Kill()
		}
		fmt.Fprintf(m.out, "worker: reaped zombie task %s\n", zombieIDs[i])
		m.notifyTerminal(zombieIDs[i], StatusFailed, "zombie reaped")
		if zombieExits[i] != nil {
			zombieExits[i](StatusFailed)
		}
	}
	return killed, removed
}

// KillAll forcibly terminates every running execution. Used only at
// shutdown; exit callbacks are not invoked, nothing should start new work.
func (m *Manager) KillAll() {
	m.mu.Lock()
	var procs []Process
	now := time.Now()
	for _, e := range m.executions {
		if e.Status == StatusRunning {
			e.Status = StatusFailed
			t := now
			e.CompletedAt = &t
			e.onExit = nil
			procs = append(procs, e.proc)
		}
	}
	m.mu.Unlock()

	for _, proc := range procs {
		if proc != nil {
			proc.Kill()
		}
	}
	if len(procs) > 0 {
		fmt.Fprintf(m.out, "worker: killed %d running task(s) at shutdown\n", len(procs))
	}
}

func (m *Manager) notifyTerminal(taskID string, status Status, detail string) {
	if m.onTerminal != nil {
		m.onTerminal(taskID, status, detail)
	}
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
