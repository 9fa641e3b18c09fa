package worker

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ProcessSpawner abstracts subprocess creation for testability.
type ProcessSpawner interface {
	// Spawn starts a worker subprocess and returns a handle for it.
	Spawn(ctx context.Context, opts SpawnOpts) (Process, error)
}

// Process is a running worker subprocess.
type Process interface {
	// PID returns the OS process id, or 0 if unknown.
	PID() int
	// Done returns a channel that receives the exit result exactly once.
	Done() <-chan error
	// Kill terminates the subprocess.
	Kill() error
}

// SpawnOpts holds parameters for spawning a worker subprocess.
type SpawnOpts struct {
	TaskID    string
	SessionID string // log correlation id, generated when empty
	Prompt    string // one-shot prompt, passed via -p
	WorkDir   string
	Resume    string // worker-native session id to resume, usually empty
}

// ClaudeSpawner implements ProcessSpawner by launching claude CLI
// subprocesses. Each process is one-shot: the prompt is passed via -p,
// Claude works until done and exits. Replies travel through the HTTP
// call-back surface, not stdout.
type ClaudeSpawner struct {
	Binary       string     // path to claude binary; defaults to "claude"
	SystemPrompt string     // appended via --append-system-prompt
	Logs         *LogWriter // optional output capture; see logwriter.go
}

// Spawn starts a claude subprocess with the given prompt.
func (s *ClaudeSpawner) Spawn(ctx context.Context, opts SpawnOpts) (Process, error) {
	binary := s.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--dangerously-skip-permissions",
		"--output-format", "text",
	}
	if s.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", s.SystemPrompt)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	args = append(args, "-p", opts.Prompt)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binary, args...)

	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	// Use a process group so SIGTERM kills the entire tree (shell + children).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if s.Logs != nil {
		sessionID := opts.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		stdout, stderr := s.Logs.Writers(opts.TaskID, sessionID)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("worker: start %s: %w", binary, err)
	}

	doneCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		if s.Logs != nil {
			s.Logs.Flush(opts.TaskID)
		}
		doneCh <- err
	}()

	return &claudeProcess{pid: cmd.Process.Pid, cancel: cancel, doneCh: doneCh}, nil
}

// claudeProcess implements Process for a running claude subprocess.
type claudeProcess struct {
	pid    int
	cancel context.CancelFunc
	doneCh chan error
}

func (p *claudeProcess) PID() int { return p.pid }

func (p *claudeProcess) Done() <-chan error { return p.doneCh }

// Kill terminates the subprocess via context cancellation (SIGTERM to the
// process group, SIGKILL after WaitDelay).
func (p *claudeProcess) Kill() error {
	p.cancel()
	return nil
}
