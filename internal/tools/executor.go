// Package tools defines the tool-execution contract consumed by the
// Ensemble message pipeline.
//
// An Executor owns a catalogue of callable tools and runs them on behalf of
// bot participants. Each pipeline run resolves the model's tool-call
// requests into individual Execute calls; failures are isolated per call
// and never abort the run as a whole.
//
// All methods must be safe for concurrent use.
package tools

import (
	"context"
	"time"

	"github.com/MrWong99/ensemble/pkg/provider/llm"
)

// Result holds the outcome of a single tool execution.
type Result struct {
	// Output is the tool's textual result, typically a JSON string or
	// human-readable text ready for insertion into a completion context.
	Output string

	// IsError indicates an application-level tool error (as opposed to a
	// transport or protocol failure returned via the Go error value). When
	// true, Output contains the error message.
	IsError bool

	// ExecutionTime is the wall-clock time from dispatch until the full
	// response was received.
	ExecutionTime time.Duration
}

// Executor runs tools on behalf of bot participants.
//
// Implementations must be safe for concurrent use.
type Executor interface {
	// Definitions returns the schema list for the named tools, in catalogue
	// order. Unknown names are skipped. Passing nil returns every tool.
	Definitions(names []string) []llm.ToolDefinition

	// Execute calls the named tool with a JSON-encoded argument string and
	// returns the result. An empty object ("{}") is valid for parameter-less
	// tools.
	//
	// A non-nil *Result is returned on success even when [Result.IsError] is
	// true. A Go error is returned only on transport or protocol failure.
	Execute(ctx context.Context, name string, args string) (*Result, error)

	// Close shuts down all underlying connections. After Close returns the
	// Executor must not be used again.
	Close() error
}
