package run

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// maxLineBytes bounds a single scanned output line.
const maxLineBytes = 1 << 20

// outputLine is one line of process output tagged with its stream.
type outputLine struct {
	stderr bool
	text   string
}

// processHandle owns one spawned external command: its output pumps,
// its termination, and its exit code.
type processHandle struct {
	cmd   *exec.Cmd
	lines chan outputLine

	killOnce sync.Once

	doneCh   chan struct{}
	exitCode int
}

// spawn validates the working directory and the executable before
// starting the process. On error no process exists and nothing needs
// cleanup.
func spawn(argv []string, workDir string) (*processHandle, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if workDir != "" {
		info, err := os.Stat(workDir)
		if err != nil {
			return nil, fmt.Errorf("work dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("work dir %s is not a directory", workDir)
		}
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("resolve command: %w", err)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Dir = workDir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	h := &processHandle{
		cmd:    cmd,
		lines:  make(chan outputLine, 64),
		doneCh: make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go h.pump(stdout, false, &pumps)
	go h.pump(stderr, true, &pumps)
	go func() {
		pumps.Wait()
		close(h.lines)
		err := cmd.Wait()
		h.exitCode = resolveExitCode(cmd, err)
		close(h.doneCh)
	}()
	return h, nil
}

// pump scans one stream line by line. A trailing line without a final
// newline is still delivered. A scan error (an oversized line) stops
// the scanner, so the rest of the stream is drained to keep the child
// from blocking on a full pipe.
func (h *processHandle) pump(r io.Reader, stderr bool, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		h.lines <- outputLine{stderr: stderr, text: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		h.lines <- outputLine{stderr: stderr, text: "[output truncated: " + err.Error() + "]"}
		_, _ = io.Copy(io.Discard, r)
	}
}

func (h *processHandle) pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// terminate kills the process. Safe to call any number of times, from
// any goroutine, before or after exit.
func (h *processHandle) terminate() {
	h.killOnce.Do(func() {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
}

// wait blocks until the process has exited and both output pumps have
// drained, then returns the exit code.
func (h *processHandle) wait() int {
	<-h.doneCh
	return h.exitCode
}

func resolveExitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		if cmd.ProcessState == nil {
			return ExitCodeKilled
		}
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return ExitCodeKilled
}
