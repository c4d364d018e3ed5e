// Package shelltest provides a scripted shell.Executor for tests.
package shelltest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spindex/spindex/pkg/shell"
)

// Response is what the fake returns for a command.
type Response struct {
	Out string
	Err error
	// Do runs before the response is returned, e.g. to create files.
	Do func(dir string)
}

// Call is a recorded invocation.
type Call struct {
	Command string
	Dir     string
}

// Fake answers commands by their string form ("git fetch --tags ..."). A
// handler matched by prefix is used when no exact response exists; unknown
// commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	responses map[string][]Response
	prefixes  []prefixHandler
	calls     []Call
}

type prefixHandler struct {
	prefix string
	fn     func(cmd shell.Command, dir string) (string, error)
}

func New() *Fake {
	return &Fake{responses: map[string][]Response{}}
}

// On queues a response for an exact command. Queued responses are consumed
// in order; the last one sticks.
func (f *Fake) On(cmd shell.Command, r Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cmd.String()
	f.responses[key] = append(f.responses[key], r)
	return f
}

// OnPrefix handles every command whose string form starts with prefix.
func (f *Fake) OnPrefix(prefix string, fn func(cmd shell.Command, dir string) (string, error)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefixHandler{prefix: prefix, fn: fn})
	return f
}

func (f *Fake) Run(_ context.Context, cmd shell.Command, dir string) (string, error) {
	if err := cmd.Err(); err != nil {
		return "", &shell.Error{Command: cmd.String(), Path: dir, Message: err.Error(), Err: err}
	}
	key := cmd.String()

	f.mu.Lock()
	f.calls = append(f.calls, Call{Command: key, Dir: dir})
	queue, ok := f.responses[key]
	var r Response
	if ok && len(queue) > 0 {
		r = queue[0]
		if len(queue) > 1 {
			f.responses[key] = queue[1:]
		}
	}
	var handler func(shell.Command, string) (string, error)
	if !ok {
		for _, p := range f.prefixes {
			if strings.HasPrefix(key, p.prefix) {
				handler = p.fn
				break
			}
		}
	}
	f.mu.Unlock()

	if handler != nil {
		return handler(cmd, dir)
	}
	if r.Do != nil {
		r.Do(dir)
	}
	if r.Err != nil {
		return "", &shell.Error{Command: key, Path: dir, Message: r.Err.Error(), Err: r.Err}
	}
	return r.Out, nil
}

// Calls returns the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded command strings.
func (f *Fake) Commands() []string {
	var out []string
	for _, c := range f.Calls() {
		out = append(out, c.Command)
	}
	return out
}

// Ran reports whether a command was run.
func (f *Fake) Ran(cmd shell.Command) bool {
	for _, c := range f.Calls() {
		if c.Command == cmd.String() {
			return true
		}
	}
	return false
}

func (f *Fake) String() string {
	return fmt.Sprintf("shelltest.Fake(%d calls)", len(f.Calls()))
}
