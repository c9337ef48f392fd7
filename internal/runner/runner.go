// Package runner executes scripts and feeds their output through the stream
// manager. Successful results can be memoized in the result cache keyed by
// the script's content, so re-running an unchanged script is free.
package runner

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mavdaviddraughn/tasksmith/internal/cache"
	"github.com/mavdaviddraughn/tasksmith/internal/event"
	"github.com/mavdaviddraughn/tasksmith/internal/logger"
	"github.com/mavdaviddraughn/tasksmith/internal/output"
	"github.com/mavdaviddraughn/tasksmith/internal/recovery"
)

// Result captures one script run.
type Result struct {
	RunID     string        `json:"run_id"`
	Script    string        `json:"script"`
	Args      []string      `json:"args,omitempty"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Output    string        `json:"output"`
	Errors    int64         `json:"errors"`
	Warnings  int64         `json:"warnings"`
	Cached    bool          `json:"cached"`
}

// Config controls runner behavior.
type Config struct {
	// Manager configures the per-run output buffers.
	Manager output.ManagerConfig
	// Timeout bounds a single run. Zero means no timeout.
	Timeout time.Duration
	// UseCache memoizes successful runs and serves repeats from the cache.
	UseCache bool
	// CacheTTL is the memoized result's lifetime. Zero uses the cache default.
	CacheTTL time.Duration
}

// Runner executes scripts. The cache and handler are optional; the zero
// behavior is plain execution.
type Runner struct {
	cfg     Config
	bus     *event.Bus
	cache   *cache.Cache
	handler *recovery.Handler
	log     logger.Logger
}

// New creates a Runner. bus, results, handler, and log may be nil.
func New(cfg Config, bus *event.Bus, results *cache.Cache, handler *recovery.Handler, log logger.Logger) *Runner {
	if log == nil {
		log = logger.NoOp{}
	}
	return &Runner{
		cfg:     cfg,
		bus:     bus,
		cache:   results,
		handler: handler,
		log:     log,
	}
}

// Run executes the script with the given arguments. A non-zero exit status
// is reported in the Result, not as an error; errors mean the script could
// not be run at all. With caching enabled, an unchanged script+args pair is
// served from the cache without spawning a process.
func (r *Runner) Run(ctx context.Context, script string, args ...string) (*Result, error) {
	key, keyErr := r.cacheKey(script, args)

	if r.cache != nil && r.cfg.UseCache && keyErr == nil {
		var cached Result
		if ok, err := r.cache.GetInto(key, &cached); err == nil && ok {
			cached.Cached = true
			r.log.Infof("run %s served from cache", cached.RunID)
			return &cached, nil
		}
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var result *Result
	execute := func(ctx context.Context) (interface{}, error) {
		return r.execute(ctx, script, args)
	}

	if r.handler != nil {
		got, err := r.handler.Do(ctx, recovery.Context{Component: "runner", Operation: "execute"}, execute)
		if err != nil {
			return nil, err
		}
		result, _ = got.(*Result)
		if result == nil {
			// A fallback strategy degraded the run to an empty result.
			return nil, fmt.Errorf("run %s: no result after fallback", script)
		}
	} else {
		got, err := execute(ctx)
		if err != nil {
			return nil, err
		}
		result = got.(*Result)
	}

	if r.cache != nil && r.cfg.UseCache && keyErr == nil && result.ExitCode == 0 {
		ttl := r.cfg.CacheTTL
		if ttl == 0 {
			ttl = r.cache.DefaultTTL()
		}
		tags := []string{"run", "script:" + filepath.Base(script)}
		if err := r.cache.SetWithTTL(key, result, ttl, tags...); err != nil {
			r.log.Warnf("run %s: memoize failed: %v", result.RunID, err)
		}
	}
	return result, nil
}

// execute spawns the script and drains both pipes into a stream manager.
func (r *Runner) execute(ctx context.Context, script string, args []string) (*Result, error) {
	manager, err := output.NewManager(r.cfg.Manager, r.bus)
	if err != nil {
		return nil, err
	}
	defer manager.Destroy()

	cmd := exec.CommandContext(ctx, script, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	runID := uuid.New().String()
	startedAt := time.Now()
	r.log.Debugf("run %s: starting %s %s", runID, script, strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runner: start %s: %w", script, err)
	}

	// One producer per pipe; the buffers are mutex-guarded so the two may
	// interleave freely.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(stdout, manager.WriteStdout)
	}()
	go func() {
		defer wg.Done()
		drain(stderr, manager.WriteStderr)
	}()
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("runner: wait %s: %w", script, err)
		}
	}
	manager.Flush()

	metrics := manager.Metrics()
	result := &Result{
		RunID:     runID,
		Script:    script,
		Args:      args,
		ExitCode:  exitCode,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
		Output:    combinedContent(manager),
		Errors:    metrics.ErrorCount,
		Warnings:  metrics.WarningCount,
	}
	r.log.Infof("run %s: exit %d in %s (%d errors, %d warnings)",
		runID, exitCode, result.Duration.Round(time.Millisecond), result.Errors, result.Warnings)
	return result, nil
}

// drainSlabBytes bounds a single chunk fed to the stream. A line longer than
// this flows through in multiple slabs instead of stalling the reader.
const drainSlabBytes = 64 * 1024

// drain feeds a pipe into the given stream line by line. The pipe is always
// read to EOF: an oversized line is passed through in slab-sized chunks so
// the child never blocks writing to a full pipe.
func drain(pipe io.Reader, write func(string) *output.Chunk) {
	reader := bufio.NewReaderSize(pipe, drainSlabBytes)
	for {
		line, err := reader.ReadSlice('\n')
		if len(line) > 0 {
			write(string(line))
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return
		}
	}
}

// combinedContent renders the chronological merge of both streams.
func combinedContent(m *output.Manager) string {
	var sb strings.Builder
	for _, c := range m.Combined() {
		sb.WriteString(c.Content)
	}
	return sb.String()
}

// cacheKey derives a stable key from the script content and arguments, so an
// edited script never matches its stale memoized result.
func (r *Runner) cacheKey(script string, args []string) (string, error) {
	data, err := os.ReadFile(script)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(data)
	for _, a := range args {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}
	return "run:" + hex.EncodeToString(h.Sum(nil)), nil
}
