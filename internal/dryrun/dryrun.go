// Package dryrun implements the deterministic, side-effect-free plan
// walk of spec section 4.5, plus two supplemental projections of the
// same resolved Plan (JSON and Graphviz DOT) recovered from
// buildpy's dependencies_json/dependencies_dot
// (_examples/original_source/buildpy/vx/__init__.py), which spec.md's
// distillation dropped.
package dryrun

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"buildgo/internal/dagresolve"
)

// Print walks plan.Order forward: Order is already dependencies-before-
// dependents (a target's own dependencies were visited, and so
// printed, before it), which is exactly the deepest-first ordering the
// worked example in spec section 8's S1 shows. For each target it
// emits its primary output name, one tab-indented dependency name per
// line in declaration order, then a blank line. Source leaves are not
// printed as their own entries — only as dependency lines of whatever
// names them — since they have no dependencies of their own to show.
func Print(w io.Writer, plan *dagresolve.Plan) error {
	for _, n := range plan.Order {
		if n.IsSource {
			continue
		}
		if _, err := fmt.Fprintln(w, n.Name); err != nil {
			return err
		}
		for _, dep := range n.Target.Deps {
			if _, err := fmt.Fprintf(w, "\t%s\n", dep); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

type depRecord struct {
	Target string   `json:"target"`
	Deps   []string `json:"deps"`
}

// PrintJSON emits the plan's dependency structure as a single JSON
// array, one object per non-source target, sorted by target name for
// determinism. Mirrors buildpy's dependencies_json.
func PrintJSON(w io.Writer, plan *dagresolve.Plan) error {
	var records []depRecord
	for _, n := range plan.Order {
		if n.IsSource {
			continue
		}
		records = append(records, depRecord{Target: n.Name, Deps: n.Target.Deps})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Target < records[j].Target })

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// PrintDOT emits the plan's dependency structure as a Graphviz
// digraph: one edge per (target, dependency) pair, sorted for
// determinism. Mirrors buildpy's dependencies_dot, simplified to plain
// name nodes rather than buildpy's per-action clustering, since this
// engine has no equivalent "action node" distinct from the target
// itself.
func PrintDOT(w io.Writer, plan *dagresolve.Plan) error {
	var edges []string
	for _, n := range plan.Order {
		if n.IsSource {
			continue
		}
		for _, dep := range n.Target.Deps {
			edges = append(edges, fmt.Sprintf("%q -> %q;", n.Name, dep))
		}
	}
	sort.Strings(edges)

	fmt.Fprintln(w, "digraph G {")
	for _, e := range edges {
		fmt.Fprintf(w, "\t%s\n", e)
	}
	fmt.Fprintln(w, "}")
	return nil
}

// Listable is the minimal surface List needs, so this package does not
// have to import internal/registry for a struct tag's worth of fields.
type Listable interface {
	PrimaryOutput() string
	Description() string
}

// List prints every target's primary output name and description,
// sorted by name, for the driver's -t/--targets mode. Mirrors
// buildpy's _print_descriptions.
func List(w io.Writer, targets []Listable) {
	sort.Slice(targets, func(i, j int) bool { return targets[i].PrimaryOutput() < targets[j].PrimaryOutput() })
	for _, t := range targets {
		fmt.Fprintln(w, t.PrimaryOutput())
		if desc := t.Description(); desc != "" {
			for _, l := range strings.Split(desc, "\n") {
				fmt.Fprintf(w, "\t%s\n", l)
			}
		}
	}
}
