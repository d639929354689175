// Package engine is the embedding API of SPEC_FULL.md section 6: the
// small surface a host Go program calls to register targets and then
// drive a build, wrapping internal/registry, internal/dagresolve,
// internal/freshness, internal/digeststore, internal/executor and
// internal/dryrun behind the five entry points spec.md section 6
// describes. Generalized from cmd/make-lite/config.go and engine.go,
// which fused parsing, construction, and execution into one Engine
// type; here construction (New) is kept separate from driving
// (Engine.Main in cli.go, called by a host such as cmd/buildgo),
// matching the constructor/Main split decided in DESIGN.md's Open
// Question 2.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"buildgo/internal/bgerrors"
	"buildgo/internal/buildlog"
	"buildgo/internal/dagresolve"
	"buildgo/internal/digeststore"
	"buildgo/internal/dryrun"
	"buildgo/internal/executor"
	"buildgo/internal/freshness"
	"buildgo/internal/registry"
	"buildgo/internal/shexec"
)

// Re-exported so host programs only need to import this one package
// for the common case.
type (
	FileOption  = registry.FileOption
	PhonyOption = registry.PhonyOption
	JobContext  = registry.JobContext
	Action      = registry.Action
)

var (
	Desc        = registry.Desc
	UseHash     = registry.UseHash
	Serial      = registry.Serial
	SerialClass = registry.SerialClass
)

// DigestStoreFile is the default digest-store path, relative to the
// working directory the host runs in.
const DigestStoreFile = ".buildgo-digests.jsonl"

// Config holds the engine-wide defaults a host supplies at
// construction time, per SPEC_FULL.md section 6.
type Config struct {
	// UseHash is the default freshness policy for file targets that
	// don't override it with the UseHash FileOption.
	UseHash bool
	// NJobs is J, the global parallelism cap. Defaults to 1.
	NJobs int
	// NSerial is S, the per-serial-class concurrency bound. Defaults to 1.
	NSerial int
	// KeepGoing selects keep-going (true) vs. fail-fast (false). It is
	// not defaulted: a Config that leaves it unset runs fail-fast. Main
	// overwrites it from -k/--keep-going, whose default is true.
	KeepGoing bool
	// DigestStorePath overrides DigestStoreFile.
	DigestStorePath string
	// Cut names targets to remove from the registry before resolving,
	// as if they had never been registered — see Registry.ApplyCut.
	Cut []string
	// Log receives status and error output; defaults to a stderr
	// logger at Info level.
	Log *buildlog.Logger
}

func (c Config) withDefaults() Config {
	if c.NJobs < 1 {
		c.NJobs = 1
	}
	if c.NSerial < 1 {
		c.NSerial = 1
	}
	if c.DigestStorePath == "" {
		c.DigestStorePath = DigestStoreFile
	}
	if c.Log == nil {
		c.Log = buildlog.Default()
	}
	return c
}

// Engine is the host's handle to a registry under construction, and
// later to a driven build.
type Engine struct {
	cfg Config
	reg *registry.Registry
}

// New constructs an empty Engine. The host registers targets against
// it (File, Phony) and then calls Main to drive a build, or drives the
// pieces itself for embedding scenarios Main doesn't cover.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{cfg: cfg, reg: registry.New()}
}

// File registers a file target. Its freshness policy is the engine's
// Config.UseHash default unless opts gives an explicit UseHash
// override — resolved once at Build time via
// Registry.ApplyDefaultUseHash, since a host typically registers its
// whole graph before Main ever parses the --use-hash flag that can
// change the engine's default.
func (e *Engine) File(outputs, deps []string, action Action, opts ...FileOption) error {
	_, err := e.reg.RegisterFile(outputs, deps, action, opts...)
	return err
}

// Phony registers a named alias with no action of its own.
func (e *Engine) Phony(name string, deps []string, opts ...PhonyOption) error {
	_, err := e.reg.RegisterPhony(name, deps, opts...)
	return err
}

// Sh runs cmd under the job's resolved shell, streaming to the
// process's own stdout/stderr — the common case for a file target's
// action body.
func (e *Engine) Sh(ctx context.Context, job JobContext, cmd string) error {
	if job.Shell == nil {
		return fmt.Errorf("job context has no shell handle")
	}
	return job.Shell.Run(ctx, cmd, os.Stdout, os.Stderr)
}

// Rm removes each path, ignoring a not-exist error for any of them,
// for use inside a clean action or a host's own teardown target.
func (e *Engine) Rm(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Loop is a host-ergonomics helper with no engine semantics of its
// own: it exists so a host registering many similar targets can write
// engine.Loop(items, func(it Item) { ... e.File(...) ... }) instead of
// a bare range, mirroring buildpy's own DSL.loop convenience.
func Loop[T any](items []T, f func(T)) {
	for _, it := range items {
		f(it)
	}
}

// Targets returns every registered target, for hosts that want to
// inspect the registry directly (e.g. to build their own listing).
func (e *Engine) Targets() []*registry.Target { return e.reg.Targets() }

// Build is the programmatic equivalent of the driver's run mode:
// resolve goals, then execute them, returning the resolved plan and
// result for a host that wants to drive things without the CLI.
func (e *Engine) Build(ctx context.Context, goals []string, dryRun bool, out, errOut io.Writer) (*dagresolve.Plan, *executor.Result, error) {
	e.reg.ApplyDefaultUseHash(e.cfg.UseHash)
	e.reg.ApplyCut(e.cfg.Cut)

	fs := dagresolve.OSFS{}
	plan, err := dagresolve.Resolve(e.reg, goals, fs)
	if err != nil {
		return nil, nil, err
	}

	if dryRun {
		if err := dryrun.Print(out, plan); err != nil {
			return plan, nil, err
		}
		return plan, nil, nil
	}

	store, err := digeststore.Open(e.cfg.DigestStorePath)
	if err != nil {
		return plan, nil, fmt.Errorf("opening digest store: %w", err)
	}
	oracle := freshness.New(fs, store)

	shell, err := shexec.New()
	if err != nil {
		return plan, nil, err
	}

	execCfg := executor.Config{Jobs: e.cfg.NJobs, NSerial: e.cfg.NSerial, KeepGoing: e.cfg.KeepGoing}
	ex := executor.New(plan, oracle, shell, execCfg)
	result := ex.Run(ctx)

	if flushErr := store.Flush(); flushErr != nil {
		e.cfg.Log.Warnf("digest store flush failed: %v", flushErr)
	}

	for _, name := range result.Failed {
		e.cfg.Log.Errorf("%s: failed", name)
	}
	for _, name := range result.Cancelled {
		e.cfg.Log.Warnf("%s: cancelled", name)
	}

	return plan, result, nil
}

// Clean removes every file-target output reachable from goals
// (defaulting to "all"), optionally also dropping their digest-store
// entries, per SPEC_FULL.md section 4.6's clean mode.
func (e *Engine) Clean(goals []string, alsoCache bool) error {
	e.reg.ApplyCut(e.cfg.Cut)

	fs := dagresolve.OSFS{}
	plan, err := dagresolve.Resolve(e.reg, goals, fs)
	if err != nil {
		return err
	}

	var store *digeststore.Store
	if alsoCache {
		store, err = digeststore.Open(e.cfg.DigestStorePath)
		if err != nil {
			return fmt.Errorf("opening digest store: %w", err)
		}
	}

	for _, n := range plan.Order {
		if n.IsSource || n.Target.Kind != registry.KindFile {
			continue
		}
		for _, out := range n.Target.Outputs {
			if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		if store != nil {
			if err := store.Set(n.Target.PrimaryOutput(), nil); err != nil {
				return err
			}
		}
	}
	if store != nil {
		return store.Flush()
	}
	return nil
}

// List prints every registered target's name and description, sorted,
// for the driver's -t/--targets mode.
func (e *Engine) List(w io.Writer) {
	ts := e.reg.Targets()
	listable := make([]dryrun.Listable, len(ts))
	for i, t := range ts {
		listable[i] = t
	}
	dryrun.List(w, listable)
}

// ExitCode classifies err into the exit-code table of SPEC_FULL.md
// section 6: 0 success, 1 an action or I/O failure, 2 a usage or
// registration error, 3 a cycle or missing input.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch err.(type) {
	case *bgerrors.BadArgumentError, *bgerrors.DuplicateTargetError:
		return 2
	case *bgerrors.CycleError, *bgerrors.MissingInputError,
		*bgerrors.UnknownGoalError:
		return 3
	case *bgerrors.ActionFailedError, *bgerrors.OutputMissingError:
		return 1
	default:
		return 1
	}
}
