package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mavdaviddraughn/tasksmith/internal/cache"
	"github.com/mavdaviddraughn/tasksmith/internal/output"
	"github.com/mavdaviddraughn/tasksmith/internal/recovery"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func testRunnerConfig() Config {
	return Config{
		Manager: output.DefaultManagerConfig(),
		Timeout: 10 * time.Second,
	}
}

func TestRunCapturesOutput(t *testing.T) {
	script := writeScript(t, "echo hello\necho world\n")
	r := New(testRunnerConfig(), nil, nil, nil, nil)

	res, err := r.Run(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "hello\n")
	assert.Contains(t, res.Output, "world\n")
	assert.NotEmpty(t, res.RunID)
	assert.False(t, res.Cached)
}

func TestRunReportsNonZeroExit(t *testing.T) {
	script := writeScript(t, "exit 3\n")
	r := New(testRunnerConfig(), nil, nil, nil, nil)

	res, err := r.Run(context.Background(), script)
	require.NoError(t, err, "a failing script is a result, not an error")
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunCountsDetectedErrors(t *testing.T) {
	script := writeScript(t, "echo ok\necho 'ERROR: disk on fire' >&2\necho 'warning: low battery' >&2\n")
	r := New(testRunnerConfig(), nil, nil, nil, nil)

	res, err := r.Run(context.Background(), script)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Errors)
	assert.Equal(t, int64(1), res.Warnings)
	assert.Contains(t, res.Output, "ERROR: disk on fire")
}

func TestRunPassesArguments(t *testing.T) {
	script := writeScript(t, `echo "arg:$1"`+"\n")
	r := New(testRunnerConfig(), nil, nil, nil, nil)

	res, err := r.Run(context.Background(), script, "forty-two")
	require.NoError(t, err)
	assert.Contains(t, res.Output, "arg:forty-two")
}

func TestRunMemoizesSuccess(t *testing.T) {
	script := writeScript(t, "echo cached-me\n")

	results, err := cache.New(cache.Config{
		MaxItems:             10,
		MaxMemoryMB:          4,
		EnableCompression:    true,
		CompressionThreshold: 1024,
	}, nil, nil)
	require.NoError(t, err)
	defer results.Stop()

	cfg := testRunnerConfig()
	cfg.UseCache = true
	r := New(cfg, nil, results, nil, nil)

	first, err := r.Run(context.Background(), script)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := r.Run(context.Background(), script)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.Output, second.Output)

	// Editing the script changes the key, so the stale result is not served.
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho changed\n"), 0755))
	third, err := r.Run(context.Background(), script)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Contains(t, third.Output, "changed")
}

func TestRunDoesNotMemoizeFailures(t *testing.T) {
	script := writeScript(t, "exit 1\n")

	results, err := cache.New(cache.Config{MaxItems: 10, MaxMemoryMB: 4}, nil, nil)
	require.NoError(t, err)
	defer results.Stop()

	cfg := testRunnerConfig()
	cfg.UseCache = true
	r := New(cfg, nil, results, nil, nil)

	_, err = r.Run(context.Background(), script)
	require.NoError(t, err)
	assert.Zero(t, results.Stats().Items)
}

func TestRunHandlesOversizedLine(t *testing.T) {
	// A single line far larger than the drain slab must not stall the
	// reader; the child would otherwise block writing to a full pipe.
	script := writeScript(t, "head -c 4194304 /dev/zero | tr '\\0' 'x'\n")

	cfg := testRunnerConfig()
	cfg.Manager.Stdout.MaxBytes = 8 << 20
	r := New(cfg, nil, nil, nil, nil)

	done := make(chan struct{})
	var res *Result
	var runErr error
	go func() {
		res, runErr = r.Run(context.Background(), script)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return on a 4MiB single-line output")
	}
	require.NoError(t, runErr)
	assert.Equal(t, 0, res.ExitCode)
	assert.GreaterOrEqual(t, len(res.Output), 4<<20)
}

func TestRunMemoizeUsesCacheDefaultTTL(t *testing.T) {
	script := writeScript(t, "echo short-lived\n")

	results, err := cache.New(cache.Config{
		MaxItems:    10,
		MaxMemoryMB: 4,
		DefaultTTL:  50 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	defer results.Stop()

	cfg := testRunnerConfig()
	cfg.UseCache = true // CacheTTL left zero: the cache default applies
	r := New(cfg, nil, results, nil, nil)

	first, err := r.Run(context.Background(), script)
	require.NoError(t, err)
	require.False(t, first.Cached)

	time.Sleep(80 * time.Millisecond)

	second, err := r.Run(context.Background(), script)
	require.NoError(t, err)
	assert.False(t, second.Cached, "memoized result outlived the cache default TTL")
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, "sleep 10\n")

	cfg := testRunnerConfig()
	cfg.Timeout = 100 * time.Millisecond
	r := New(cfg, nil, nil, nil, nil)

	start := time.Now()
	res, err := r.Run(context.Background(), script)
	if err == nil {
		// The shell was killed; a non-zero exit is also acceptable.
		assert.NotEqual(t, 0, res.ExitCode)
	}
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunMissingScriptThroughHandler(t *testing.T) {
	h, err := recovery.New(recovery.Config{
		MaxRetries:       0,
		RetryDelay:       time.Millisecond,
		FallbackStrategy: recovery.StrategyFail,
	}, nil, nil)
	require.NoError(t, err)

	r := New(testRunnerConfig(), nil, nil, h, nil)

	_, runErr := r.Run(context.Background(), filepath.Join(t.TempDir(), "nope.sh"))
	require.Error(t, runErr)

	var f *recovery.Failure
	assert.ErrorAs(t, runErr, &f)
}

func TestCombinedOutputIsChronological(t *testing.T) {
	script := writeScript(t, strings.Join([]string{
		"echo one",
		"sleep 0.05",
		"echo two >&2",
		"sleep 0.05",
		"echo three",
	}, "\n") + "\n")
	r := New(testRunnerConfig(), nil, nil, nil, nil)

	res, err := r.Run(context.Background(), script)
	require.NoError(t, err)

	one := strings.Index(res.Output, "one")
	two := strings.Index(res.Output, "two")
	three := strings.Index(res.Output, "three")
	require.NotEqual(t, -1, one)
	require.NotEqual(t, -1, two)
	require.NotEqual(t, -1, three)
	assert.Less(t, one, two)
	assert.Less(t, two, three)
}
