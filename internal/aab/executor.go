package aab

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

	"golang.org/x/sys/unix"
)

// Invocation is a single external tool call. It is built right before the
// call and dropped afterwards.
type Invocation struct {
	Path   string
	Args   []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the invocation the way it would be typed in a shell.
func (inv Invocation) String() string {
	s := inv.Path
	for _, a := range inv.Args {
		s += " " + a
	}
	return s
}

// Runner runs external tools. Executor is the production implementation.
type Runner interface {
	Execute(ctx context.Context, inv Invocation) error
}

// Executor launches external tools as child processes.
type Executor struct {
	Stdout            io.Writer     // default sink when the invocation has none
	Stderr            io.Writer     // default sink when the invocation has none
	Env               []string      // inherited from the parent when empty
	Timeout           time.Duration // per invocation; zero means no limit
	ApplyIdlePriority bool          // Apply nice -n 19 to each tool
}

// NewExecutor returns an Executor writing to the process stdio.
func NewExecutor() *Executor {
	return &Executor{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Execute runs inv and returns nil when the tool exits with status zero.
// A tool that cannot be started yields ErrToolLaunch, a non-zero exit
// yields ErrToolExit. Output is fully drained before Execute returns.
func (e *Executor) Execute(ctx context.Context, inv Invocation) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	// --- Phase 1: build the final command ---
	path, args := inv.Path, inv.Args
	if e.ApplyIdlePriority {
		// nice reports a missing tool as exit 127; resolve it first so the
		// failure stays a launch error.
		if _, err := exec.LookPath(toolPath(inv)); err != nil {
			return &StageError{Kind: ErrToolLaunch, Err: fmt.Errorf("failed to start %s: %w", inv.Path, err)}
		}
		args = append([]string{"-n", "19", path}, args...)
		path = "nice"
	}
	cmd := exec.Command(path, args...)
	cmd.Dir = inv.Dir
	if len(e.Env) > 0 {
		cmd.Env = e.Env
	} else {
		cmd.Env = os.Environ()
	}

	// --- Phase 2: wire up stdio ---
	cmd.Stdout = firstWriter(inv.Stdout, e.Stdout, os.Stdout)
	cmd.Stderr = firstWriter(inv.Stderr, e.Stderr, os.Stderr)

	// --- Phase 3: isolate process group for context-based cleanup ---
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	debugf("=> %s\n", inv)

	// --- Phase 4: start and watch for cancel ---
	if err := cmd.Start(); err != nil {
		return &StageError{Kind: ErrToolLaunch, Err: fmt.Errorf("failed to start %s: %w", inv.Path, err)}
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pgid, unix.SIGKILL)
		case <-done:
		}
	}()

	// --- Phase 5: wait and return ---
	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &StageError{Kind: ErrToolExit, ExitCode: -1, Err: fmt.Errorf("%s aborted: %w", inv.Path, ctx.Err())}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &StageError{
			Kind:     ErrToolExit,
			ExitCode: exitErr.ExitCode(),
			Err:      fmt.Errorf("%s exited with status %d", inv.Path, exitErr.ExitCode()),
		}
	}
	return &StageError{Kind: ErrToolLaunch, Err: fmt.Errorf("%s: %w", inv.Path, waitErr)}
}

// toolPath resolves a relative path with a directory component against the
// invocation's working directory, matching what the child would see.
func toolPath(inv Invocation) string {
	if inv.Dir == "" || filepath.IsAbs(inv.Path) || !strings.ContainsRune(inv.Path, filepath.Separator) {
		return inv.Path
	}
	return filepath.Join(inv.Dir, inv.Path)
}

func firstWriter(ws ...io.Writer) io.Writer {
	for _, w := range ws {
		if w != nil {
			return w
		}
	}
	return io.Discard
}
