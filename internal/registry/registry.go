// Package registry accumulates target registrations and enforces the
// construction-time invariants of spec section 4.1: unique outputs,
// unique phony names, and no collision between the two. Generalized
// from cmd/make-lite/types.go's Makefile/Rule, which did the same
// bookkeeping for rules parsed out of Makefile text; here the
// rules arrive directly as Go values from the host program instead.
package registry

import (
	"context"

	"buildgo/internal/bgerrors"
	"buildgo/internal/shexec"
)

// Kind distinguishes a file-producing target from a phony alias.
type Kind int

const (
	KindFile Kind = iota
	KindPhony
)

// JobContext is passed to a file target's Action at execution time.
type JobContext struct {
	Outputs []string
	Inputs  []string
	Shell   *shexec.Shell
}

// Action is the opaque, host-supplied operation a file target runs
// when it is out of date. It receives a context for cancellation and
// the resolved job context.
type Action func(ctx context.Context, job JobContext) error

// Target is a single registered node: a file producer or a phony
// alias, distinguished by Kind. Modeled as one struct (rather than two
// types implementing a common interface) so the registry can hold a
// single map and still reject kind-crossing name collisions in one
// place, per SPEC_FULL.md section 3.
type Target struct {
	Kind Kind

	// Outputs is the ordered, distinct set of file outputs for a file
	// target, or the single-element slice holding the phony's name.
	Outputs []string
	// Deps is the ordered dependency list, in declaration order.
	Deps []string
	// Action is nil for phony targets.
	Action Action
	Desc   string

	// SerialClass is empty for targets with no serial constraint.
	// Set during registration per the FileOption/PhonyOption resolution
	// in SPEC_FULL.md section 6 (automatic class keyed on the first
	// output, unless an explicit class tag was given).
	SerialClass string
	// UseHash selects the freshness policy for this target; ignored for
	// phony targets, which are never "fresh". Left
	// at its zero value unless useHashSet is true or
	// ApplyDefaultUseHash is called.
	UseHash bool

	serialRequested bool // Serial(true) was given with no explicit class
	useHashSet      bool // an explicit UseHash FileOption was given
}

// PrimaryOutput is the name used for tie-breaking and error messages:
// the first output for a file target, the name for a phony.
func (t *Target) PrimaryOutput() string {
	if len(t.Outputs) == 0 {
		return ""
	}
	return t.Outputs[0]
}

// Description returns the target's Desc, satisfying internal/dryrun's
// Listable interface for -t/--targets listing.
func (t *Target) Description() string { return t.Desc }

// ApplyDefaultUseHash sets UseHash to def for every target that did
// not receive an explicit UseHash FileOption at registration time.
// Registration happens before the host's CLI flags are parsed (the
// host builds its graph, then calls Main), so the engine-wide default
// cannot be baked in at RegisterFile time; it is resolved once, here,
// right before a build runs.
func (r *Registry) ApplyDefaultUseHash(def bool) {
	for _, t := range r.all {
		if !t.useHashSet {
			t.UseHash = def
		}
	}
}

// ApplyCut removes each named target from the registry entirely, as
// if its file/phony call had never run. Mirrors buildpy's file/phony
// cut=True, which returns before the job is ever added to the graph:
// a name that downstream targets still depend on is then resolved as
// an ordinary source leaf, so build work for it — and everything
// upstream of it — is skipped. Like ApplyCut's sibling
// ApplyDefaultUseHash, this runs once the host's --cut flag has been
// parsed, after the whole graph is already registered. Unknown names
// are ignored.
func (r *Registry) ApplyCut(names []string) {
	for _, name := range names {
		t, ok := r.byName[name]
		if !ok {
			continue
		}
		for _, out := range t.Outputs {
			delete(r.byName, out)
		}
		for i, existing := range r.all {
			if existing == t {
				r.all = append(r.all[:i], r.all[i+1:]...)
				break
			}
		}
	}
}

// Registry holds every registered target, keyed by every name it owns
// (every file output, or the phony name). Construction is
// single-threaded per spec section 5; Registry is safe for concurrent
// reads once registration has finished, but registration itself is not
// safe for concurrent use.
type Registry struct {
	byName map[string]*Target
	all    []*Target // registration order, for deterministic iteration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*Target)}
}

// RegisterFile registers a file target producing outputs from deps by
// running action. Fails with DuplicateTargetError if any output is
// already registered to another target (file or phony).
func (r *Registry) RegisterFile(outputs, deps []string, action Action, opts ...FileOption) (*Target, error) {
	if len(outputs) == 0 {
		return nil, &bgerrors.BadArgumentError{Detail: "file target must declare at least one output"}
	}
	if action == nil {
		return nil, &bgerrors.BadArgumentError{Detail: "file target must have an action"}
	}
	t := &Target{
		Kind:    KindFile,
		Outputs: append([]string(nil), outputs...),
		Deps:    append([]string(nil), deps...),
		Action:  action,
	}
	for _, opt := range opts {
		opt.applyFile(t)
	}
	if t.SerialClass == "" && t.serialRequested {
		t.SerialClass = t.PrimaryOutput()
	}
	if err := r.add(t); err != nil {
		return nil, err
	}
	return t, nil
}

// RegisterPhony registers a named alias with dependencies and no
// action. Fails with DuplicateTargetError on name collision, including
// collision with any file output.
func (r *Registry) RegisterPhony(name string, deps []string, opts ...PhonyOption) (*Target, error) {
	if name == "" {
		return nil, &bgerrors.BadArgumentError{Detail: "phony target must have a name"}
	}
	t := &Target{
		Kind:    KindPhony,
		Outputs: []string{name},
		Deps:    append([]string(nil), deps...),
	}
	for _, opt := range opts {
		opt.applyPhony(t)
	}
	if err := r.add(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Registry) add(t *Target) error {
	for _, name := range t.Outputs {
		if owner, exists := r.byName[name]; exists {
			return &bgerrors.DuplicateTargetError{Name: name, ExistingOwner: owner.PrimaryOutput()}
		}
	}
	for _, name := range t.Outputs {
		r.byName[name] = t
	}
	r.all = append(r.all, t)
	return nil
}

// Lookup returns the target owning name, if any. A false result means
// name is either a source leaf (exists on disk) or truly unknown; the
// resolver, which has filesystem access, tells those apart.
func (r *Registry) Lookup(name string) (*Target, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Targets returns every registered target in registration order, each
// exactly once (a multi-output file target appears once, not once per
// output).
func (r *Registry) Targets() []*Target {
	return append([]*Target(nil), r.all...)
}

// FileOption configures a file target at registration time.
type FileOption interface {
	applyFile(*Target)
}

// PhonyOption configures a phony target at registration time.
type PhonyOption interface {
	applyPhony(*Target)
}

type descOption string

func (d descOption) applyFile(t *Target)  { t.Desc = string(d) }
func (d descOption) applyPhony(t *Target) { t.Desc = string(d) }

// Desc attaches a human-readable description, surfaced by -t/--targets.
func Desc(s string) interface {
	FileOption
	PhonyOption
} {
	return descOption(s)
}

type useHashOption bool

func (u useHashOption) applyFile(t *Target) {
	t.UseHash = bool(u)
	t.useHashSet = true
}

// UseHash overrides the engine-wide default freshness policy for this
// target.
func UseHash(b bool) FileOption { return useHashOption(b) }

type serialOption struct {
	enabled bool
	class   string
}

func (s serialOption) applyFile(t *Target) {
	if s.class != "" {
		t.SerialClass = s.class
		t.serialRequested = true
		return
	}
	t.serialRequested = s.enabled
}

// Serial marks a file target as belonging to a serial class: at most S
// such targets run concurrently (S set engine-wide, see Config). With
// no explicit class, the class is keyed on the target's first output
// name, per the Open Question resolution in DESIGN.md.
func Serial(enabled bool) FileOption { return serialOption{enabled: enabled} }

// SerialClass marks a file target as belonging to an explicitly named
// serial class, overriding the automatic first-output-name class.
func SerialClass(class string) FileOption { return serialOption{enabled: true, class: class} }
