// Package mock provides a test double for the tools.Executor interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ensemble/internal/tools"
	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// Compile-time check that *Executor satisfies tools.Executor.
var _ tools.Executor = (*Executor)(nil)

// ExecuteCall records a single invocation of Execute.
type ExecuteCall struct {
	// Name is the tool name passed to Execute.
	Name string
	// Args is the argument string passed to Execute.
	Args string
}

// Executor is a mock implementation of tools.Executor.
//
// Results maps tool name to the canned result returned for that tool.
// Unmapped tools fall back to the static Result; a zero-value Executor
// returns an empty result and nil error.
type Executor struct {
	mu sync.Mutex

	// Defs is returned by Definitions (filtered by the requested names).
	Defs []llm.ToolDefinition

	// ExecuteFunc, when non-nil, fully determines each call's outcome.
	ExecuteFunc func(name, args string) (*tools.Result, error)

	// Results maps tool names to canned results.
	Results map[string]*tools.Result

	// Result is the fallback result for unmapped tools.
	Result *tools.Result

	// Err, if non-nil, is returned instead of a result.
	Err error

	// Calls records every Execute invocation in order.
	Calls []ExecuteCall

	// Closed reports whether Close has been called.
	Closed bool
}

// Definitions implements tools.Executor.
func (e *Executor) Definitions(names []string) []llm.ToolDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()

	if names == nil {
		out := make([]llm.ToolDefinition, len(e.Defs))
		copy(out, e.Defs)
		return out
	}
	var out []llm.ToolDefinition
	for _, name := range names {
		for _, d := range e.Defs {
			if d.Name == name {
				out = append(out, d)
			}
		}
	}
	return out
}

// Execute implements tools.Executor.
func (e *Executor) Execute(_ context.Context, name string, args string) (*tools.Result, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, ExecuteCall{Name: name, Args: args})
	fn := e.ExecuteFunc
	mapped := e.Results[name]
	static := e.Result
	err := e.Err
	e.mu.Unlock()

	if fn != nil {
		return fn(name, args)
	}
	if err != nil {
		return nil, err
	}
	if mapped != nil {
		return mapped, nil
	}
	if static != nil {
		return static, nil
	}
	return &tools.Result{}, nil
}

// Close implements tools.Executor.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed = true
	return nil
}

// CallCount returns the number of recorded Execute invocations.
func (e *Executor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}
