package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildgo/internal/dagresolve"
	"buildgo/internal/digeststore"
	"buildgo/internal/freshness"
	"buildgo/internal/registry"
)

func newPlan(t *testing.T, reg *registry.Registry, goals []string) *dagresolve.Plan {
	t.Helper()
	plan, err := dagresolve.Resolve(reg, goals, dagresolve.OSFS{})
	require.NoError(t, err)
	return plan
}

func newOracle(t *testing.T, dir string) *freshness.Oracle {
	t.Helper()
	store, err := digeststore.Open(filepath.Join(dir, "digests.jsonl"))
	require.NoError(t, err)
	return freshness.New(dagresolve.OSFS{}, store)
}

func writeAction(path string) registry.Action {
	return func(context.Context, registry.JobContext) error {
		return os.WriteFile(path, []byte("built"), 0o644)
	}
}

func TestExecutorRunsSimpleChain(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	out := filepath.Join(dir, "out")
	_, err := reg.RegisterFile([]string{out}, nil, writeAction(out))
	require.NoError(t, err)

	plan := newPlan(t, reg, []string{out})
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 1, NSerial: 1, KeepGoing: true})
	result := ex.Run(context.Background())

	assert.True(t, result.OK())
	_, statErr := os.Stat(out)
	assert.NoError(t, statErr)
}

func TestExecutorGlobalParallelismCap(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	var running, maxRunning int32
	track := func(path string) registry.Action {
		return func(context.Context, registry.JobContext) error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxRunning)
				if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return os.WriteFile(path, []byte("built"), 0o644)
		}
	}

	var goals []string
	for i := 0; i < 6; i++ {
		out := filepath.Join(dir, "out"+string(rune('a'+i)))
		_, err := reg.RegisterFile([]string{out}, nil, track(out))
		require.NoError(t, err)
		goals = append(goals, out)
	}

	plan := newPlan(t, reg, goals)
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 2, NSerial: 1, KeepGoing: true})
	result := ex.Run(context.Background())

	assert.True(t, result.OK())
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxRunning)), 2)
}

func TestExecutorSerialClassBound(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	var running, maxRunning int32
	track := func(path string) registry.Action {
		return func(context.Context, registry.JobContext) error {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxRunning)
				if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return os.WriteFile(path, []byte("built"), 0o644)
		}
	}

	var goals []string
	for i := 0; i < 4; i++ {
		out := filepath.Join(dir, "gpu"+string(rune('a'+i)))
		_, err := reg.RegisterFile([]string{out}, nil, track(out), registry.SerialClass("gpu"))
		require.NoError(t, err)
		goals = append(goals, out)
	}

	plan := newPlan(t, reg, goals)
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 1000, NSerial: 2, KeepGoing: true})
	result := ex.Run(context.Background())

	assert.True(t, result.OK())
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxRunning)), 2)
}

func TestExecutorFailFastCancelsUnrelatedPending(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	// Both targets share a serial class under S=1, J=1: the failing
	// target is forced to run to completion before the unrelated one is
	// ever dispatched, so the unrelated target is still sitting Ready
	// when the failure lands and fail-fast must cancel it explicitly.
	failing := filepath.Join(dir, "fails")
	_, err := reg.RegisterFile([]string{failing}, nil, func(context.Context, registry.JobContext) error {
		time.Sleep(10 * time.Millisecond)
		return errors.New("boom")
	}, registry.SerialClass("same"))
	require.NoError(t, err)

	var unrelatedRan int32
	unrelated := filepath.Join(dir, "unrelated")
	_, err = reg.RegisterFile([]string{unrelated}, nil, func(context.Context, registry.JobContext) error {
		atomic.AddInt32(&unrelatedRan, 1)
		return os.WriteFile(unrelated, []byte("built"), 0o644)
	}, registry.SerialClass("same"))
	require.NoError(t, err)

	plan := newPlan(t, reg, []string{failing, unrelated})
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 1, NSerial: 1, KeepGoing: false})
	result := ex.Run(context.Background())

	assert.False(t, result.OK())
	assert.Contains(t, result.Failed, failing)
	assert.Contains(t, result.Cancelled, unrelated)
	assert.Equal(t, int32(0), atomic.LoadInt32(&unrelatedRan))
}

func TestExecutorKeepGoingRunsIndependentTargets(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	failing := filepath.Join(dir, "fails")
	_, err := reg.RegisterFile([]string{failing}, nil, func(context.Context, registry.JobContext) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	independent := filepath.Join(dir, "independent")
	_, err = reg.RegisterFile([]string{independent}, nil, writeAction(independent))
	require.NoError(t, err)

	plan := newPlan(t, reg, []string{failing, independent})
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 2, NSerial: 1, KeepGoing: true})
	result := ex.Run(context.Background())

	assert.False(t, result.OK())
	assert.Contains(t, result.Failed, failing)
	assert.NotContains(t, result.Failed, independent)
	assert.NotContains(t, result.Cancelled, independent)
	_, statErr := os.Stat(independent)
	assert.NoError(t, statErr)
}

func TestExecutorCancelsTransitiveDependentsOfFailure(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	base := filepath.Join(dir, "base")
	_, err := reg.RegisterFile([]string{base}, nil, func(context.Context, registry.JobContext) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	mid := filepath.Join(dir, "mid")
	_, err = reg.RegisterFile([]string{mid}, []string{base}, writeAction(mid))
	require.NoError(t, err)

	top := filepath.Join(dir, "top")
	_, err = reg.RegisterFile([]string{top}, []string{mid}, writeAction(top))
	require.NoError(t, err)

	plan := newPlan(t, reg, []string{top})
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 2, NSerial: 1, KeepGoing: true})
	result := ex.Run(context.Background())

	assert.False(t, result.OK())
	assert.Contains(t, result.Failed, base)
	assert.Contains(t, result.Cancelled, mid)
	assert.Contains(t, result.Cancelled, top)
}

func TestExecutorDiamondCancelledOnce(t *testing.T) {
	// Regression guard for the sync.Once-guarded cancellation: a diamond
	// where both branches fail must still mark the shared dependent
	// Cancelled exactly once without panicking or deadlocking.
	dir := t.TempDir()
	reg := registry.New()

	left := filepath.Join(dir, "left")
	_, err := reg.RegisterFile([]string{left}, nil, func(context.Context, registry.JobContext) error {
		return errors.New("left failed")
	})
	require.NoError(t, err)

	right := filepath.Join(dir, "right")
	_, err = reg.RegisterFile([]string{right}, nil, func(context.Context, registry.JobContext) error {
		return errors.New("right failed")
	})
	require.NoError(t, err)

	top := filepath.Join(dir, "top")
	_, err = reg.RegisterFile([]string{top}, []string{left, right}, writeAction(top))
	require.NoError(t, err)

	plan := newPlan(t, reg, []string{top})
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 4, NSerial: 1, KeepGoing: true})

	done := make(chan *Result, 1)
	go func() { done <- ex.Run(context.Background()) }()

	select {
	case result := <-done:
		assert.Contains(t, result.Failed, left)
		assert.Contains(t, result.Failed, right)
		assert.Contains(t, result.Cancelled, top)
	case <-time.After(5 * time.Second):
		t.Fatal("executor deadlocked on diamond double-failure")
	}
}

func TestExecutorCancelOnContextForcesFailFastAndDrains(t *testing.T) {
	// Regression guard for spec section 5's cancellation note: a
	// top-level interrupt (ctx cancellation, SIGINT in practice) forces
	// fail-fast even under KeepGoing: true, and Run still waits for the
	// already-Running target to actually return before unblocking.
	dir := t.TempDir()
	reg := registry.New()

	started := make(chan struct{})
	finished := make(chan struct{})
	running := filepath.Join(dir, "running")
	_, err := reg.RegisterFile([]string{running}, nil, func(ctx context.Context, job registry.JobContext) error {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return os.WriteFile(job.Outputs[0], []byte("built"), 0o644)
	})
	require.NoError(t, err)

	neverRan := filepath.Join(dir, "never-ran")
	var neverRanCount int32
	_, err = reg.RegisterFile([]string{neverRan}, []string{running}, func(context.Context, registry.JobContext) error {
		atomic.AddInt32(&neverRanCount, 1)
		return os.WriteFile(neverRan, []byte("built"), 0o644)
	})
	require.NoError(t, err)

	plan := newPlan(t, reg, []string{neverRan})
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 1, NSerial: 1, KeepGoing: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() { done <- ex.Run(ctx) }()

	<-started
	cancel()

	select {
	case result := <-done:
		select {
		case <-finished:
		default:
			t.Fatal("Run returned before the already-running action finished")
		}
		assert.False(t, result.OK())
		assert.Contains(t, result.Cancelled, neverRan)
		assert.Equal(t, int32(0), atomic.LoadInt32(&neverRanCount))
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not return after context cancellation")
	}
}

func TestExecutorUsesLexicographicTieBreak(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()

	var mu sync.Mutex
	var order []string
	record := func(path string) registry.Action {
		return func(context.Context, registry.JobContext) error {
			mu.Lock()
			order = append(order, filepath.Base(path))
			mu.Unlock()
			return os.WriteFile(path, []byte("built"), 0o644)
		}
	}

	var goals []string
	for _, name := range []string{"c", "a", "b"} {
		out := filepath.Join(dir, name)
		_, err := reg.RegisterFile([]string{out}, nil, record(out))
		require.NoError(t, err)
		goals = append(goals, out)
	}

	plan := newPlan(t, reg, goals)
	ex := New(plan, newOracle(t, dir), nil, Config{Jobs: 1, NSerial: 1, KeepGoing: true})
	result := ex.Run(context.Background())

	require.True(t, result.OK())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}
