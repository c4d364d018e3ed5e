// Package shell runs the external commands the pipeline depends on: git and
// the swift package manifest dump. Commands can only be built through the
// constructors in this package.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single command when Exec.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

// Command is an allow-listed program invocation.
type Command struct {
	Name string
	Args []string
	err  error
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Err returns the validation error of a command built from bad input.
func (c Command) Err() error { return c.err }

// Executor runs a command in a directory and returns its trimmed stdout.
type Executor interface {
	Run(ctx context.Context, cmd Command, dir string) (string, error)
}

// Error describes a failed command.
type Error struct {
	Command string
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s (in %s): %s", e.Command, e.Path, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func git(args ...string) Command {
	return Command{Name: "git", Args: args}
}

// refArg rejects values that git would parse as an option.
func refArg(c Command, v string) Command {
	if v == "" || strings.HasPrefix(v, "-") {
		c.err = fmt.Errorf("invalid git argument %q", v)
	}
	return c
}

func GitClone(url, path string) Command {
	c := git("clone", "--quiet", "--", url, path)
	if url == "" || path == "" {
		c.err = errors.New("clone needs a url and a path")
	}
	return c
}

func GitFetch() Command { return git("fetch", "--tags", "--prune-tags", "--prune", "--force", "--quiet") }
func GitReset() Command { return git("reset", "--hard", "--quiet") }
func GitClean() Command { return git("clean", "-fdx", "--quiet") }
func GitTag() Command   { return git("tag") }

func GitResetTo(branch string) Command {
	return refArg(git("reset", "--hard", "--quiet", "origin/"+branch), branch)
}

func GitCheckout(ref string) Command {
	return refArg(git("checkout", "--quiet", "--force", ref), ref)
}

// GitRevisionInfo prints "<sha>-<unix commit time>" for ref.
func GitRevisionInfo(ref string) Command {
	return refArg(git("log", "-n1", "--format=format:%H-%ct", ref), ref)
}

func GitCommitCount() Command { return git("rev-list", "--count", "HEAD") }

func GitFirstCommitDate() Command {
	return git("log", "--max-parents=0", "--format=format:%ct")
}

func GitLastCommitDate() Command { return git("log", "-n1", "--format=format:%ct") }

// GitShortlog lists authors with their commit counts.
func GitShortlog() Command { return git("shortlog", "-sne", "HEAD") }

// GitSymbolicRef prints the remote default branch, e.g. "origin/main".
func GitSymbolicRef() Command {
	return git("symbolic-ref", "--short", "refs/remotes/origin/HEAD")
}

// SwiftDumpPackage prints the manifest of the package in the working
// directory as JSON.
func SwiftDumpPackage(tool string) Command {
	if tool == "" {
		tool = "swift"
	}
	return Command{Name: tool, Args: []string{"package", "dump-package"}}
}

// Exec runs commands as child processes.
type Exec struct {
	Timeout time.Duration
	Env     []string
}

func (e Exec) Run(ctx context.Context, cmd Command, dir string) (string, error) {
	if err := cmd.Err(); err != nil {
		return "", &Error{Command: cmd.String(), Path: dir, Message: err.Error(), Err: err}
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = dir
	c.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	c.Env = append(c.Env, e.Env...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", &Error{Command: cmd.String(), Path: dir, Message: msg, Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Pool bounds how many commands run at once across all callers.
type Pool struct {
	exec Executor
	sem  chan struct{}
}

func NewPool(exec Executor, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{exec: exec, sem: make(chan struct{}, size)}
}

func (p *Pool) Run(ctx context.Context, cmd Command, dir string) (string, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-p.sem }()
	return p.exec.Run(ctx, cmd, dir)
}
