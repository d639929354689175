// Package executor is the parallel scheduler of spec section 4.4: a
// work-pulling pool of J workers honoring per-target dependency order,
// a global parallelism cap, and a per-serial-class concurrency bound.
// The worker-pool shape (persistent goroutines pulling ready nodes from
// a shared heap, parking on a condition variable, sync.Once-guarded
// cancellation propagation, sync.WaitGroup completion tracking) is
// grounded on specialistvlad-burstgridgo's internal/dag/executor.go,
// the one pack example with a real concurrent DAG runner; the serial-
// class admission and keep-going/deferred-error behavior follow
// buildpy's _ThreadPool (_examples/original_source/buildpy).
package executor

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"buildgo/internal/bgerrors"
	"buildgo/internal/dagresolve"
	"buildgo/internal/freshness"
	"buildgo/internal/registry"
	"buildgo/internal/shexec"
)

// State is a target's lifecycle state, per spec section 4.4's table.
type State int

const (
	Pending State = iota
	Ready
	Running
	Done
	Failed
	Cancelled
)

// Config bounds the executor's concurrency, per spec section 6's
// embedding Config.
type Config struct {
	Jobs      int  // J, global parallelism cap; must be >= 1
	NSerial   int  // S, per-serial-class concurrency bound; must be >= 1
	KeepGoing bool // run to quiescence past a failure, vs. fail-fast
}

// Result summarizes one Run: whether anything failed, and which
// targets ended in Failed or Cancelled, for the driver to report.
type Result struct {
	Failed    []string
	Cancelled []string
	Elapsed   time.Duration
}

// OK reports whether every target reached Done.
func (r *Result) OK() bool { return len(r.Failed) == 0 && len(r.Cancelled) == 0 }

type nodeState struct {
	node      *dagresolve.Node
	state     State
	remaining int // predecessors not yet Done
	err       error
	cancelOnce sync.Once
}

// Executor runs a resolved plan to completion.
type Executor struct {
	plan    *dagresolve.Plan
	oracle  *freshness.Oracle
	shell   *shexec.Shell
	cfg     Config

	mu           sync.Mutex
	states       map[string]*nodeState
	ready        *readyHeap
	classRunning map[string]int
	running      int
	anyFailed    bool
	interrupted  bool
	wake         *sync.Cond
}

// New constructs an Executor for plan, using oracle for freshness
// decisions and shell to dispatch shell actions via job contexts.
func New(plan *dagresolve.Plan, oracle *freshness.Oracle, shell *shexec.Shell, cfg Config) *Executor {
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	if cfg.NSerial < 1 {
		cfg.NSerial = 1
	}
	e := &Executor{
		plan:         plan,
		oracle:       oracle,
		shell:        shell,
		cfg:          cfg,
		states:       make(map[string]*nodeState, len(plan.Order)),
		ready:        &readyHeap{},
		classRunning: make(map[string]int),
	}
	e.wake = sync.NewCond(&e.mu)
	for _, n := range plan.Order {
		e.states[n.Name] = &nodeState{node: n, state: Pending, remaining: len(n.Predecessors)}
	}
	heap.Init(e.ready)
	return e
}

// Run executes the plan to completion (or to the first failure, under
// fail-fast), respecting ctx cancellation as an additional source of
// abort alongside any in-run failure. Cancelling ctx (a top-level
// SIGINT per spec section 5) forces fail-fast regardless of
// Config.KeepGoing: no new target is dispatched, and Run still waits
// for whatever is already Running to return before it does.
func (e *Executor) Run(ctx context.Context) *Result {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	for _, st := range e.states {
		if st.remaining == 0 {
			e.markReadyLocked(st)
		}
	}
	e.mu.Unlock()

	go func() {
		// runCtx is done whenever ctx is, so ctx.Err tells an outer
		// interrupt apart from the executor's own fail-fast cancel or
		// Run's return.
		<-runCtx.Done()
		if ctx.Err() == nil {
			return
		}
		e.mu.Lock()
		e.interrupted = true
		e.cancelAllPendingLocked()
		e.wake.Broadcast()
		e.mu.Unlock()
	}()

	var wg sync.WaitGroup
	wg.Add(e.cfg.Jobs)
	for i := 0; i < e.cfg.Jobs; i++ {
		go func() {
			defer wg.Done()
			e.worker(runCtx, cancel)
		}()
	}
	wg.Wait()

	return e.result(time.Since(start))
}

// worker is one persistent goroutine's processing loop: pop a
// dispatchable ready target under the state mutex, run it outside the
// mutex, then fold its outcome back in. Exits once no target will ever
// become ready again (everything is Done/Failed/Cancelled).
func (e *Executor) worker(ctx context.Context, cancel context.CancelFunc) {
	for {
		st, ok := e.dequeue(ctx)
		if !ok {
			return
		}

		err := e.execute(ctx, st)

		e.mu.Lock()
		if st.node.Target != nil && st.node.Target.SerialClass != "" {
			e.classRunning[st.node.Target.SerialClass]--
		}
		e.running--

		if err != nil {
			st.state = Failed
			st.err = err
			e.anyFailed = true
			if !e.cfg.KeepGoing {
				cancel()
				e.cancelAllPendingLocked()
			}
			e.cancelDependentsLocked(st.node)
		} else {
			st.state = Done
			for _, dep := range st.node.Dependents {
				depState := e.states[dep.Name]
				depState.remaining--
				if depState.remaining == 0 && depState.state == Pending {
					e.markReadyLocked(depState)
				}
			}
		}
		e.wake.Broadcast()
		e.mu.Unlock()
	}
}

// dequeue blocks until a dispatchable ready target is available, or
// returns ok=false once no target can ever become ready again.
func (e *Executor) dequeue(ctx context.Context) (*nodeState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if st := e.popDispatchableLocked(); st != nil {
			return st, true
		}
		if e.quiescentLocked() {
			return nil, false
		}
		e.wake.Wait()
	}
}

// popDispatchableLocked pops and returns the lexicographically first
// ready target whose global and per-class admission bounds are
// currently satisfied, or nil if none qualifies right now. Must be
// called with e.mu held.
func (e *Executor) popDispatchableLocked() *nodeState {
	if e.ready.Len() == 0 {
		return nil
	}
	if e.interrupted || (!e.cfg.KeepGoing && e.anyFailed) {
		return nil
	}
	if e.running >= e.cfg.Jobs {
		return nil
	}

	// Scan in heap order (lexicographic) for the first target whose
	// serial class still has room; classless targets always qualify on
	// the class check.
	var skipped []*nodeState
	var chosen *nodeState
	for e.ready.Len() > 0 {
		st := heap.Pop(e.ready).(*nodeState)
		class := ""
		if st.node.Target != nil {
			class = st.node.Target.SerialClass
		}
		if class != "" && e.classRunning[class] >= e.cfg.NSerial {
			skipped = append(skipped, st)
			continue
		}
		chosen = st
		break
	}
	for _, st := range skipped {
		heap.Push(e.ready, st)
	}
	if chosen == nil {
		return nil
	}

	chosen.state = Running
	e.running++
	if chosen.node.Target != nil && chosen.node.Target.SerialClass != "" {
		e.classRunning[chosen.node.Target.SerialClass]++
	}
	return chosen
}

func (e *Executor) markReadyLocked(st *nodeState) {
	st.state = Ready
	heap.Push(e.ready, st)
	e.wake.Broadcast()
}

// cancelDependentsLocked marks node's transitive dependents Cancelled,
// each exactly once even if reached via two failing predecessors
// racing on a diamond dependency (sync.Once per node, grounded on
// burstgridgo's skipOnce pattern).
func (e *Executor) cancelDependentsLocked(node *dagresolve.Node) {
	for _, dep := range node.Dependents {
		depState := e.states[dep.Name]
		depState.cancelOnce.Do(func() {
			if depState.state == Done || depState.state == Failed {
				return
			}
			depState.state = Cancelled
			depState.err = fmt.Errorf("skipped due to upstream failure of %q", node.Name)
			e.cancelDependentsLocked(dep)
		})
	}
}

// cancelAllPendingLocked marks every not-yet-started target Cancelled
// and drains the ready heap. Used both when fail-fast (-k=false) sees
// its first failure and when a top-level interrupt arrives: no new
// work may be dispatched, including targets unrelated to the failure,
// per spec section 4.4's fail-fast note and section 5's cancellation
// note.
func (e *Executor) cancelAllPendingLocked() {
	reason := "not started: fail-fast after an earlier failure"
	if e.interrupted {
		reason = "not started: build was interrupted"
	}
	for _, st := range e.states {
		if st.state == Pending || st.state == Ready {
			st.state = Cancelled
			st.err = fmt.Errorf("%s", reason)
		}
	}
	*e.ready = (*e.ready)[:0]
}

func (e *Executor) quiescentLocked() bool {
	for _, st := range e.states {
		if st.state == Pending || st.state == Ready || st.state == Running {
			return false
		}
	}
	return true
}

// execute runs a single target's freshness check and, if needed, its
// action; it never holds e.mu.
func (e *Executor) execute(ctx context.Context, st *nodeState) error {
	n := st.node

	if n.IsSource {
		return nil
	}
	t := n.Target
	if t.Kind == registry.KindPhony {
		return nil
	}

	fresh, err := e.oracle.Check(n)
	if err != nil {
		return &bgerrors.ActionFailedError{Target: t.PrimaryOutput(), Err: err}
	}
	if fresh {
		return nil
	}

	job := registry.JobContext{Outputs: t.Outputs, Inputs: t.Deps, Shell: e.shell}
	if err := t.Action(ctx, job); err != nil {
		return &bgerrors.ActionFailedError{Target: t.PrimaryOutput(), Err: err}
	}

	for _, out := range t.Outputs {
		if _, statErr := e.oracle.FS().Stat(out); statErr != nil {
			return &bgerrors.OutputMissingError{Target: t.PrimaryOutput(), Output: out}
		}
	}

	if err := e.oracle.Record(t); err != nil {
		return &bgerrors.ActionFailedError{Target: t.PrimaryOutput(), Err: err}
	}
	return nil
}

func (e *Executor) result(elapsed time.Duration) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &Result{Elapsed: elapsed}
	for _, n := range e.plan.Order {
		st := e.states[n.Name]
		switch st.state {
		case Failed:
			r.Failed = append(r.Failed, n.Name)
		case Cancelled:
			r.Cancelled = append(r.Cancelled, n.Name)
		}
	}
	return r
}

// readyHeap is a container/heap ordering ready nodeStates
// lexicographically by primary output name, the tie-break spec
// section 4.4 requires among multiple dispatchable targets.
type readyHeap []*nodeState

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	return h[i].node.Name < h[j].node.Name
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*nodeState)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
