// CLI surface for the embedding API's Main entry point, implemented
// with github.com/spf13/pflag instead of the stdlib flag package
// (pflag gives POSIX/GNU long options and combinable short flags,
// matching the flag pairing SPEC_FULL.md section 6's flag table
// assumes), grounded on cmd/make-lite/cli.go's argument surface
// generalized onto pflag.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"buildgo/internal/buildlog"
	"buildgo/internal/dagresolve"
	"buildgo/internal/dryrun"
)

type cliArgs struct {
	jobs       int
	nSerial    int
	dryRun     bool
	keepGoing  bool
	targets    bool
	useHash    string
	logLevel   string
	depsJSON   bool
	depsDOT    bool
	clean      bool
	cleanCache bool
	cut        []string
	goals      []string
}

func parseArgs(argv []string) (*cliArgs, error) {
	fs := pflag.NewFlagSet("buildgo", pflag.ContinueOnError)
	a := &cliArgs{}

	fs.IntVarP(&a.jobs, "jobs", "j", 1, "global parallelism cap")
	fs.IntVar(&a.nSerial, "n-serial", 1, "per-serial-class concurrency bound")
	fs.BoolVarP(&a.dryRun, "dry-run", "n", false, "print the resolved plan without executing it")
	fs.BoolVarP(&a.keepGoing, "keep-going", "k", true, "continue past failures instead of stopping at the first one")
	fs.BoolVarP(&a.targets, "targets", "t", false, "list registered targets and exit")
	fs.StringVar(&a.useHash, "use-hash", "", "override the default freshness policy: true or false")
	fs.StringVar(&a.logLevel, "log", "info", "log verbosity: debug, info, warn, error")
	fs.BoolVarP(&a.depsJSON, "dependencies-json", "P", false, "print the resolved plan as JSON and exit")
	fs.BoolVarP(&a.depsDOT, "dependencies-dot", "Q", false, "print the resolved plan as Graphviz DOT and exit")
	fs.BoolVar(&a.clean, "clean", false, "remove the outputs of the resolved goals instead of building them")
	fs.BoolVar(&a.cleanCache, "clean-cache", false, "with --clean, also drop digest-store entries for cleaned targets")
	fs.StringArrayVar(&a.cut, "cut", nil, "cut the DAG at the named target, treating it as a source leaf; may be repeated")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	a.goals = fs.Args()
	return a, nil
}

// Main is the driver entry point of SPEC_FULL.md section 6: parse
// argv, pick a mode (run / dry-run / clean / list), execute it against
// the engine's registry, and return a process exit code from the
// table in section 6.
func (e *Engine) Main(argv []string) int {
	a, err := parseArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	e.cfg.Log = buildlog.New(os.Stderr, buildlog.ParseLevel(a.logLevel))
	e.cfg.NJobs = a.jobs
	e.cfg.NSerial = a.nSerial
	e.cfg.KeepGoing = a.keepGoing
	e.cfg.Cut = a.cut
	switch a.useHash {
	case "true":
		e.cfg.UseHash = true
	case "false":
		e.cfg.UseHash = false
	}

	// Applied here as well as in Build/Clean: -P/-Q below resolve the
	// plan directly and must see the cut graph too. The later call in
	// Build/Clean is a no-op, since cut names are no longer registered.
	e.reg.ApplyCut(a.cut)

	if a.targets {
		e.List(os.Stdout)
		return 0
	}

	if a.depsJSON || a.depsDOT {
		plan, err := dagresolve.Resolve(e.reg, a.goals, dagresolve.OSFS{})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ExitCode(err)
		}
		if a.depsJSON {
			err = dryrun.PrintJSON(os.Stdout, plan)
		} else {
			err = dryrun.PrintDOT(os.Stdout, plan)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	if a.clean {
		if err := e.Clean(a.goals, a.cleanCache); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return ExitCode(err)
		}
		return 0
	}

	// A top-level SIGINT puts the executor into fail-fast mode and waits
	// for whatever is already running to return, per spec section 5's
	// cancellation note, instead of the Go runtime's default abrupt kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	plan, result, err := e.Build(ctx, a.goals, a.dryRun, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitCode(err)
	}
	if a.dryRun {
		_ = plan
		return 0
	}
	if !result.OK() {
		return 1
	}
	return 0
}
