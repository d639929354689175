// Package shexec dispatches shell command strings to an external
// shell, the engine's only collaborator for actually running recipe
// commands. Grounded on cmd/make-lite/engine.go's executeRecipe,
// which resolves "sh" once via exec.LookPath and reuses it for every
// command.
package shexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Shell runs command strings under a resolved shell executable,
// honoring the SHELL and SHELLOPTS environment variables per the
// engine's environment contract. The engine never interprets the
// command text itself.
type Shell struct {
	path string
	opts []string
}

// New resolves the shell to use: $SHELL if set, otherwise "sh", looked
// up on PATH; if that shell is not found, New returns an error and does
// not fall back to another shell. SHELLOPTS, if set, is split on ':' (the POSIX
// convention for multi-valued environment lists) and passed as extra
// arguments before the command, e.g. SHELLOPTS=xtrace -> "sh -o xtrace".
func New() (*Shell, error) {
	name := os.Getenv("SHELL")
	if name == "" {
		name = "sh"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("could not find shell %q in PATH: %w", name, err)
	}

	var opts []string
	if raw := os.Getenv("SHELLOPTS"); raw != "" {
		for _, o := range strings.Split(raw, ":") {
			if o == "" {
				continue
			}
			opts = append(opts, "-o", o)
		}
	}
	return &Shell{path: path, opts: opts}, nil
}

// Run executes cmd under the resolved shell, streaming stdout/stderr to
// the given writers. A non-zero exit or a failure to start the process
// is returned as-is; the caller (the action boundary) is responsible
// for wrapping it into the engine's ActionFailedError.
func (s *Shell) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	args := append(append([]string{}, s.opts...), "-c", cmd)
	c := exec.CommandContext(ctx, s.path, args...)
	c.Stdout = stdout
	c.Stderr = stderr
	return c.Run()
}

// RunCaptured runs cmd and returns its trimmed stdout, for host actions
// that need a command's output rather than its side effects.
func (s *Shell) RunCaptured(ctx context.Context, cmd string) (string, error) {
	args := append(append([]string{}, s.opts...), "-c", cmd)
	c := exec.CommandContext(ctx, s.path, args...)
	out, err := c.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}
