package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	readChunkSize = 4096

	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the process group was killed.
	waitDelay = 2 * time.Second
)

// Local runs jobs as child processes on this host. Each run gets a fresh
// temporary workspace and its own process group, so cancellation kills the
// program and anything it spawned.
type Local struct {
	// WorkDir is the parent of per-run workspaces. Empty means os.TempDir.
	WorkDir string

	// Env is appended to the server's environment for every child.
	Env []string
}

func NewLocal(workDir string) *Local {
	return &Local{WorkDir: workDir}
}

func (l *Local) Interactive() bool { return true }

func (l *Local) Execute(ctx context.Context, job *Job) (int, error) {
	if l.WorkDir != "" {
		if err := os.MkdirAll(l.WorkDir, 0o755); err != nil {
			return -1, fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(l.WorkDir, "run-*")
	if err != nil {
		return -1, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, job.Language.File), []byte(job.Source), 0o644); err != nil {
		return -1, fmt.Errorf("write source: %w", err)
	}

	if job.Language.Compiled() {
		job.enter(PhaseCompiling)
		if err := l.compile(ctx, dir, job.Language.Compile); err != nil {
			return -1, err
		}
	}

	job.enter(PhaseRunning)
	return l.run(ctx, dir, job)
}

func (l *Local) compile(ctx context.Context, dir string, argv []string) error {
	cmd := l.command(ctx, dir, argv)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &CompileError{Output: string(out)}
	}
	return fmt.Errorf("start %s: %w", argv[0], err)
}

func (l *Local) run(ctx context.Context, dir string, job *Job) (int, error) {
	argv := job.Language.Run
	cmd := l.command(ctx, dir, argv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return -1, fmt.Errorf("stdin pipe: %w", err)
	}

	// stdout and stderr are deliberately merged into one stream.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return -1, fmt.Errorf("start %s: %w", argv[0], err)
	}

	exited := make(chan struct{})
	go feedInput(stdin, job, exited)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		buf := make([]byte, readChunkSize)
		for {
			n, err := pr.Read(buf)
			if n > 0 && job.Emit != nil {
				job.Emit(string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	close(exited)
	pw.Close()
	<-drained

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if waitErr == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		return cmd.ProcessState.ExitCode(), nil
	}
	return -1, waitErr
}

// feedInput writes the initial stdin, then forwarded lines until the process
// exits. Batch jobs get EOF right after the initial input.
func feedInput(stdin io.WriteCloser, job *Job, exited <-chan struct{}) {
	if job.Stdin != "" {
		text := job.Stdin
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		if _, err := io.WriteString(stdin, text); err != nil {
			return
		}
	}

	if job.Input == nil {
		stdin.Close()
		return
	}

	for {
		select {
		case line := <-job.Input:
			if _, err := io.WriteString(stdin, line+"\n"); err != nil {
				return
			}
		case <-exited:
			return
		}
	}
}

func (l *Local) command(ctx context.Context, dir string, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), l.Env...)

	// Own process group so that a kill reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}
