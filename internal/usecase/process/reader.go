package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"robo/internal/domain"
)

const (
	// DefaultGracePeriod is how long a cancelled process may run after the
	// terminate signal before it is killed.
	DefaultGracePeriod = 3 * time.Second
	// DefaultMaxBufferedLines bounds the unconsumed line queue.
	DefaultMaxBufferedLines = 100_000

	readBufferSize = 64 * 1024
	// maxLineBytes splits pathological lines that never end in a newline.
	maxLineBytes = 1024 * 1024
)

// Callbacks are optional hooks fired from the reader goroutines. They must
// not block.
type Callbacks struct {
	OnStart func(info domain.ProcessInfo)
	OnLine  func(stream domain.Stream)
	OnExit  func(info domain.ProcessInfo)
}

// RunnerConfig holds defaults applied to every started process.
type RunnerConfig struct {
	Shell            string        // shell override; empty selects the platform shell
	Env              []string      // extra KEY=VALUE pairs appended to the inherited environment
	StripANSI        bool          // remove terminal escape sequences from output lines
	GracePeriod      time.Duration // terminate-to-kill window (default: 3s)
	MaxBufferedLines int           // queue bound before oldest lines are dropped (default: 100000)
}

// Spec describes one process to start.
type Spec struct {
	// Command is a free-form command line run through the shell.
	Command string
	// Args, when set, runs Args[0] directly with the remaining arguments
	// instead of going through the shell.
	Args []string
	// Dir is the working directory; empty inherits the runner's.
	Dir string
}

// Runner starts processes and streams their output line by line.
type Runner struct {
	config    RunnerConfig
	callbacks Callbacks
	logger    *slog.Logger

	// wrapStdout, when set, sits between the stdout pipe and its reader.
	wrapStdout func(io.Reader) io.Reader
}

// NewRunner creates a Runner with defaults filled in.
func NewRunner(cfg RunnerConfig, cb Callbacks, logger *slog.Logger) *Runner {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxBufferedLines <= 0 {
		cfg.MaxBufferedLines = DefaultMaxBufferedLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{config: cfg, callbacks: cb, logger: logger}
}

// Handle is a running (or finished) child process. Lines from stdout and
// stderr are delivered in arrival order on Lines; the exit code is recorded
// exactly once, after the process has terminated and both streams are drained.
type Handle struct {
	spec     Spec
	shell    shellInfo
	cmd      *exec.Cmd
	pipes    []io.Closer
	logger   *slog.Logger
	cfg      RunnerConfig
	cb       Callbacks
	queue    *lineQueue
	lines    chan domain.LineEvent
	done     chan struct{}
	release  chan struct{}
	started  time.Time
	cancelOn sync.Once
	relOnce  sync.Once

	cancelled atomic.Bool
	aborted   atomic.Bool

	mu       sync.Mutex
	exitCode *int
	status   domain.ProcessStatus
	ended    *time.Time
}

// Start spawns the process described by spec. Reader goroutines begin
// draining both pipes immediately. If ctx is cancelled while the process
// runs, the process is cancelled as if Cancel had been called.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Handle, error) {
	const op = "process.Start"

	if spec.Command == "" && len(spec.Args) == 0 {
		return nil, domain.NewSubSystemError("process", op, domain.ErrInvalidInput, "empty command")
	}
	if spec.Dir != "" {
		fi, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, domain.NewSubSystemError("process", op, domain.ErrSpawn, err.Error())
		}
		if !fi.IsDir() {
			return nil, domain.NewSubSystemError("process", op, domain.ErrSpawn,
				fmt.Sprintf("%s is not a directory", spec.Dir))
		}
	}

	shell, err := resolveShell(r.config.Shell)
	if err != nil && len(spec.Args) == 0 {
		return nil, domain.NewSubSystemError("process", op, domain.ErrSpawn, "no usable shell: "+err.Error())
	}

	var cmd *exec.Cmd
	if len(spec.Args) > 0 {
		path, err := exec.LookPath(spec.Args[0])
		if err != nil {
			return nil, domain.NewSubSystemError("process", op, domain.ErrSpawn, err.Error())
		}
		cmd = exec.Command(path, spec.Args[1:]...)
		if spec.Command == "" {
			spec.Command = strings.Join(spec.Args, " ")
		}
	} else {
		cmd = exec.Command(shell.path, append(append([]string{}, shell.args...), spec.Command)...)
	}
	cmd.Dir = spec.Dir
	if len(r.config.Env) > 0 {
		cmd.Env = append(os.Environ(), r.config.Env...)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.NewSubSystemError("process", op, domain.ErrSpawn, "stdout pipe: "+err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.NewSubSystemError("process", op, domain.ErrSpawn, "stderr pipe: "+err.Error())
	}
	if err := cmd.Start(); err != nil {
		return nil, domain.NewSubSystemError("process", op, domain.ErrSpawn, err.Error())
	}

	h := &Handle{
		spec:    spec,
		shell:   shell,
		cmd:     cmd,
		pipes:   []io.Closer{stdout, stderr},
		logger:  r.logger.With("pid", cmd.Process.Pid),
		cfg:     r.config,
		cb:      r.callbacks,
		queue:   newLineQueue(r.config.MaxBufferedLines),
		lines:   make(chan domain.LineEvent),
		done:    make(chan struct{}),
		release: make(chan struct{}),
		started: time.Now(),
		status:  domain.ProcessStatusRunning,
	}

	h.logger.Info("process started", "command", spec.Command, "dir", spec.Dir)
	if h.cb.OnStart != nil {
		h.cb.OnStart(h.Info())
	}

	var wg sync.WaitGroup
	wg.Add(2)
	var out io.Reader = stdout
	if r.wrapStdout != nil {
		out = r.wrapStdout(stdout)
	}
	go h.readStream(&wg, out, domain.StreamStdout)
	go h.readStream(&wg, stderr, domain.StreamStderr)
	go h.reap(&wg)
	go h.pump()

	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, h.Cancel)
		go func() {
			<-h.done
			stop()
		}()
	}

	return h, nil
}

// readStream drains one pipe into the shared queue. A read failure other
// than EOF aborts the process.
func (h *Handle) readStream(wg *sync.WaitGroup, pipe io.Reader, stream domain.Stream) {
	defer wg.Done()

	br := bufio.NewReaderSize(pipe, readBufferSize)
	var buf []byte
	emit := func() {
		h.queue.Push(stream, cleanLine(buf, h.cfg.StripANSI))
		if h.cb.OnLine != nil {
			h.cb.OnLine(stream)
		}
		buf = buf[:0]
	}

	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			emit()
		case errors.Is(err, bufio.ErrBufferFull):
			if len(buf) >= maxLineBytes {
				emit()
			}
		case errors.Is(err, io.EOF):
			if len(buf) > 0 {
				emit()
			}
			return
		default:
			if len(buf) > 0 {
				emit()
			}
			if h.cancelled.Load() {
				return
			}
			h.logger.Warn("output stream failed, aborting process", "stream", stream, "error", err)
			if h.aborted.CompareAndSwap(false, true) {
				if kerr := killProcess(h.cmd); kerr != nil {
					h.logger.Warn("kill after stream failure", "error", kerr)
				}
			}
			return
		}
	}
}

// reap waits for both streams, then for the process, and records the exit
// code. The queue is closed only after the code is set.
func (h *Handle) reap(wg *sync.WaitGroup) {
	wg.Wait()
	waitErr := h.cmd.Wait()

	code, ok := exitCodeOf(waitErr)
	status := domain.ProcessStatusExited
	switch {
	case h.cancelled.Load():
		code, status = domain.ExitCancelled, domain.ProcessStatusCancelled
	case h.aborted.Load() || !ok:
		code, status = domain.ExitIOAbort, domain.ProcessStatusAborted
	}

	now := time.Now()
	h.mu.Lock()
	h.exitCode = &code
	h.status = status
	h.ended = &now
	h.mu.Unlock()

	h.queue.Close()
	close(h.done)

	h.logger.Info("process exited", "exit_code", code, "status", status, "duration", now.Sub(h.started))
	if h.cb.OnExit != nil {
		h.cb.OnExit(h.Info())
	}
}

// pump moves queued lines onto the unbuffered Lines channel so that
// producers are never blocked by a slow consumer.
func (h *Handle) pump() {
	defer close(h.lines)
	for {
		ev, ok := h.queue.Pop(h.release)
		if !ok {
			return
		}
		select {
		case h.lines <- ev:
		case <-h.release:
			return
		}
	}
}

// Lines returns the channel of output lines. It is closed after the process
// has terminated and every buffered line was delivered, or after Close.
func (h *Handle) Lines() <-chan domain.LineEvent { return h.lines }

// Done is closed once the exit code is recorded.
func (h *Handle) Done() <-chan struct{} { return h.done }

// CloseCode returns the recorded exit code. The second result is false
// while the process is still running.
func (h *Handle) CloseCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitCode == nil {
		return 0, false
	}
	return *h.exitCode, true
}

// Wait blocks until the process finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		code, _ := h.CloseCode()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Cancel requests termination: the process group receives a terminate
// signal, then a kill after the grace period. Idempotent, and a no-op once
// the process has exited.
func (h *Handle) Cancel() {
	select {
	case <-h.done:
		return
	default:
	}
	h.cancelOn.Do(func() {
		h.cancelled.Store(true)
		h.logger.Info("cancelling process")
		go h.terminate()
	})
}

func (h *Handle) terminate() {
	if err := interruptProcess(h.cmd); err != nil {
		h.logger.Warn("terminate signal failed", "error", err)
	}

	t := time.NewTimer(h.cfg.GracePeriod)
	defer t.Stop()
	select {
	case <-h.done:
		return
	case <-t.C:
	}

	h.logger.Warn("process ignored terminate, killing", "grace", h.cfg.GracePeriod)
	if err := killProcess(h.cmd); err != nil {
		h.logger.Warn("kill failed", "error", err)
	}

	// A detached grandchild can keep the pipes open after the group is gone.
	t.Reset(h.cfg.GracePeriod)
	select {
	case <-h.done:
	case <-t.C:
		for _, p := range h.pipes {
			_ = p.Close()
		}
	}
}

// Close cancels a running process and stops delivery on Lines. Safe to call
// more than once; the process is still reaped in the background.
func (h *Handle) Close() {
	h.Cancel()
	h.relOnce.Do(func() { close(h.release) })
}

// PID returns the operating system process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Command returns the command line as given.
func (h *Handle) Command() string { return h.spec.Command }

// Dir returns the working directory, empty when inherited.
func (h *Handle) Dir() string { return h.spec.Dir }

// Prompt is the shell prompt shown in front of the echoed command.
func (h *Handle) Prompt() string {
	if h.shell.prompt == "" {
		return "$"
	}
	return h.shell.prompt
}

// Language is the code block language used when rendering the output.
func (h *Handle) Language() string {
	if h.shell.language == "" {
		return "sh"
	}
	return h.shell.language
}

// Status returns the lifecycle state.
func (h *Handle) Status() domain.ProcessStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Dropped returns how many lines were discarded on queue overflow.
func (h *Handle) Dropped() uint64 {
	_, d := h.queue.Stats()
	return d
}

// Info returns a snapshot of the handle.
func (h *Handle) Info() domain.ProcessInfo {
	pushed, dropped := h.queue.Stats()
	h.mu.Lock()
	defer h.mu.Unlock()
	info := domain.ProcessInfo{
		PID:       h.cmd.Process.Pid,
		Command:   h.spec.Command,
		Dir:       h.spec.Dir,
		Status:    h.status,
		StartedAt: h.started,
		Lines:     pushed,
		Dropped:   dropped,
	}
	if h.exitCode != nil {
		c := *h.exitCode
		info.ExitCode = &c
	}
	if h.ended != nil {
		e := *h.ended
		info.EndedAt = &e
	}
	return info
}
