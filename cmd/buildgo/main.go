// Command buildgo is the example host binary for the engine package:
// a small in-process demo graph registered against engine.New,
// handed to Engine.Main for the CLI surface of SPEC_FULL.md section 6.
// There is no declarative build-file format in scope (Non-goals), so
// unlike cmd/make-lite/main.go, which parsed a Makefile-lite file from
// disk, this driver's graph is Go source: the host program *is* the
// build file.
package main

import (
	"context"
	"fmt"
	"os"

	"buildgo/engine"
)

func main() {
	e := engine.New(engine.Config{NJobs: 4, NSerial: 1, KeepGoing: true})

	registerDemoGraph(e)

	os.Exit(e.Main(os.Args[1:]))
}

// registerDemoGraph wires up a handful of targets exercising File,
// Phony and Sh, standing in for whatever real build graph a host
// program would register here.
func registerDemoGraph(e *engine.Engine) {
	err := e.File([]string{"build/app.o"}, []string{"main.go"},
		func(ctx context.Context, job engine.JobContext) error {
			return e.Sh(ctx, job, "mkdir -p build && go build -o build/app.o .")
		},
		engine.Desc("compile the demo binary"),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	err = e.Phony("all", []string{"build/app.o"}, engine.Desc("build everything"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	err = e.Phony("clean-demo", nil, engine.Desc("empty alias; --clean removes the demo build outputs"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
