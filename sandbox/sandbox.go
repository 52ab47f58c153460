package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrResourceExhausted means the global sandbox concurrency cap is reached
// and no slot freed up within the acquire window. Callers should retry later
// rather than treat this as a hard failure.
var ErrResourceExhausted = errors.New("sandbox concurrency limit reached, retry later")

// ErrUnsupportedLanguage means no interpreter is configured for the language.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// State is the sandbox lifecycle position.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateCrashed   State = "crashed"
	StateReaped    State = "reaped"
)

// Limits are the per-execution resource ceilings.
type Limits struct {
	CPUSeconds  int
	MemoryBytes int64
	WallClock   time.Duration
}

// Request is one code execution job.
type Request struct {
	Language string
	FileName string
	Code     string
	Stdin    string
	Env      map[string]string
}

// ExecutionResult carries everything captured from a run, including partial
// output from timed-out or crashed executions.
type ExecutionResult struct {
	SandboxID   string        `json:"sandbox_id"`
	State       State         `json:"state"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	ExitCode    int           `json:"exit_code"`
	Duration    time.Duration `json:"duration"`
	Screenshots [][]byte      `json:"-"`
	Error       string        `json:"error,omitempty"`
}

// Engine runs untrusted generated code in per-request sandboxes: an
// ephemeral workdir, a virtual display, and OS-level resource ceilings.
type Engine struct {
	root      string
	limits    Limits
	retention time.Duration

	slots       chan struct{}
	acquireWait time.Duration

	displays *displayPool
	reaper   *reaper

	mu     sync.Mutex
	active map[string]*sandboxRecord
}

type sandboxRecord struct {
	id      string
	state   State
	workdir string
	display *Display
	created time.Time
}

// NewEngine builds an Engine. maxConcurrent bounds simultaneous sandboxes;
// requests beyond the cap wait up to acquireWait before ErrResourceExhausted.
func NewEngine(root string, limits Limits, maxConcurrent int, retention time.Duration) (*Engine, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if limits.WallClock <= 0 {
		limits.WallClock = 2 * time.Minute
	}
	if limits.CPUSeconds <= 0 {
		limits.CPUSeconds = 60
	}
	if limits.MemoryBytes <= 0 {
		limits.MemoryBytes = 512 * 1024 * 1024
	}
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	e := &Engine{
		root:        root,
		limits:      limits,
		retention:   retention,
		slots:       make(chan struct{}, maxConcurrent),
		acquireWait: 5 * time.Second,
		displays:    newDisplayPool(),
		active:      make(map[string]*sandboxRecord),
	}
	e.reaper = newReaper(e)
	return e, nil
}

// StartReaper begins the periodic sweep for leaked sandboxes. Mandatory in
// production: repeated sandbox creation without reaping exhausts the host.
func (e *Engine) StartReaper(interval time.Duration) { e.reaper.start(interval) }

// StopReaper halts the sweep.
func (e *Engine) StopReaper() { e.reaper.stop() }

// Run executes the request inside a fresh sandbox and always reaps it before
// returning, whatever the outcome.
func (e *Engine) Run(ctx context.Context, req *Request) (*ExecutionResult, error) {
	// Global concurrency gate.
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.acquireWait):
		log.Printf("🚫 [SANDBOX] Concurrency cap reached, rejecting request")
		return nil, ErrResourceExhausted
	}
	defer func() { <-e.slots }()

	interpreter, err := interpreterFor(req.Language)
	if err != nil {
		return nil, err
	}

	rec, err := e.create()
	if err != nil {
		return nil, err
	}
	defer e.reap(rec)

	fileName := req.FileName
	if fileName == "" {
		fileName = "main." + extensionFor(req.Language)
	}
	codePath := filepath.Join(rec.workdir, fileName)
	if err := os.WriteFile(codePath, []byte(req.Code), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write code file: %w", err)
	}

	return e.run(ctx, rec, interpreter, fileName, req), nil
}

// create allocates the workdir and virtual display for one sandbox.
func (e *Engine) create() (*sandboxRecord, error) {
	workdir, err := os.MkdirTemp(e.root, "sbx-")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox workdir: %w", err)
	}

	display, err := e.displays.allocate()
	if err != nil {
		os.RemoveAll(workdir)
		return nil, err
	}

	rec := &sandboxRecord{
		id:      uuid.New().String(),
		state:   StateCreated,
		workdir: workdir,
		display: display,
		created: time.Now(),
	}
	e.mu.Lock()
	e.active[rec.id] = rec
	e.mu.Unlock()

	log.Printf("📦 [SANDBOX] Created sandbox %s (workdir %s)", rec.id[:8], workdir)
	return rec, nil
}

// run spawns the code under the resource ceilings and captures its output.
func (e *Engine) run(ctx context.Context, rec *sandboxRecord, interpreter, fileName string, req *Request) *ExecutionResult {
	runCtx, cancel := context.WithTimeout(ctx, e.limits.WallClock)
	defer cancel()

	// ulimit enforces the CPU-time and address-space ceilings inside the
	// shell that execs the interpreter; the context enforces wall clock.
	memKB := e.limits.MemoryBytes / 1024
	shellCmd := fmt.Sprintf("ulimit -t %d -v %d; exec %s %s",
		e.limits.CPUSeconds, memKB, interpreter, fileName)

	cmd := exec.CommandContext(runCtx, "sh", "-c", shellCmd)
	cmd.Dir = rec.workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so GUI children die with the shell.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + rec.workdir,
	}
	if rec.display != nil {
		env = append(env, "DISPLAY="+rec.display.Env())
	}
	for k, v := range req.Env {
		if k = strings.TrimSpace(k); k != "" {
			env = append(env, k+"="+v)
		}
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	result := &ExecutionResult{SandboxID: rec.id}
	start := time.Now()

	rec.state = StateRunning
	if err := cmd.Start(); err != nil {
		rec.state = StateCrashed
		result.State = StateCrashed
		result.Error = fmt.Sprintf("failed to start process: %v", err)
		return result
	}

	// Best-effort periodic screenshots while the program runs.
	stopShots := make(chan struct{})
	var shotsWG sync.WaitGroup
	if rec.display != nil {
		shotsWG.Add(1)
		go func() {
			defer shotsWG.Done()
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-stopShots:
					return
				case <-ticker.C:
					if shot := rec.display.Screenshot(); shot != nil {
						result.Screenshots = append(result.Screenshots, shot)
					}
				}
			}
		}()
	}

	waitErr := cmd.Wait()
	close(stopShots)
	shotsWG.Wait()

	// One last capture so short-lived GUI programs leave a frame behind.
	if rec.display != nil {
		if shot := rec.display.Screenshot(); shot != nil {
			result.Screenshots = append(result.Screenshots, shot)
		}
	}

	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		rec.state = StateTimedOut
		result.State = StateTimedOut
		result.Error = fmt.Sprintf("execution exceeded wall-clock limit of %v", e.limits.WallClock)
		log.Printf("⏱️ [SANDBOX] Sandbox %s timed out after %v", rec.id[:8], result.Duration)
	case waitErr != nil:
		rec.state = StateCrashed
		result.State = StateCrashed
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
		}
		result.Error = fmt.Sprintf("process exited abnormally: %v", waitErr)
		log.Printf("❌ [SANDBOX] Sandbox %s crashed (exit %d)", rec.id[:8], result.ExitCode)
	default:
		rec.state = StateCompleted
		result.State = StateCompleted
		log.Printf("✅ [SANDBOX] Sandbox %s completed in %v", rec.id[:8], result.Duration)
	}
	return result
}

// reap releases everything a sandbox holds: workdir deleted, display freed.
func (e *Engine) reap(rec *sandboxRecord) {
	if rec.display != nil {
		rec.display.Release()
		rec.display = nil
	}
	if err := os.RemoveAll(rec.workdir); err != nil {
		log.Printf("⚠️ [SANDBOX] Failed to remove workdir %s: %v", rec.workdir, err)
	}
	rec.state = StateReaped

	e.mu.Lock()
	delete(e.active, rec.id)
	e.mu.Unlock()
}

// ActiveCount reports how many sandboxes currently exist.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func interpreterFor(language string) (string, error) {
	switch strings.ToLower(language) {
	case "python", "py":
		return "python3", nil
	case "javascript", "js", "node":
		return "node", nil
	case "sh", "bash", "shell":
		return "sh", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
}

func extensionFor(language string) string {
	switch strings.ToLower(language) {
	case "python", "py":
		return "py"
	case "javascript", "js", "node":
		return "js"
	case "sh", "bash", "shell":
		return "sh"
	default:
		return "txt"
	}
}
