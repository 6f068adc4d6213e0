package pipeline

import (
	"errors"
	"fmt"
)

// Stage identifies one step of the message pipeline.
type Stage int

const (
	StageDedupe Stage = iota
	StagePreprocess
	StageGenerate
	StageResolveTools
	StageExecuteTools
	StagePostprocess

	numStages
)

var stageNames = [numStages]string{
	StageDedupe:       "dedupe",
	StagePreprocess:   "preprocess",
	StageGenerate:     "generate",
	StageResolveTools: "resolve_tools",
	StageExecuteTools: "execute_tools",
	StagePostprocess:  "postprocess",
}

// String returns the stage's wire/log name.
func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Error kinds, one per stage plus one for the middleware chain. A failure
// inside stage S is wrapped so that errors.Is(err, S's kind) holds, letting
// callers pick a degradation strategy without string matching.
var (
	ErrPreprocessing  = errors.New("preprocessing failed")
	ErrGeneration     = errors.New("generation failed")
	ErrToolResolution = errors.New("tool resolution failed")
	ErrToolExecution  = errors.New("tool execution failed")
	ErrPostprocessing = errors.New("postprocessing failed")
	ErrMiddleware     = errors.New("middleware failed")
)

// errKinds maps each stage to its error kind. StageDedupe has no kind: the
// dedupe stage never degrades, it either passes through or suppresses.
var errKinds = [numStages]error{
	StagePreprocess:   ErrPreprocessing,
	StageGenerate:     ErrGeneration,
	StageResolveTools: ErrToolResolution,
	StageExecuteTools: ErrToolExecution,
	StagePostprocess:  ErrPostprocessing,
}

// StageError tags an underlying failure with the stage it occurred in and
// that stage's error kind.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s stage: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying cause and the stage's error kind to
// errors.Is / errors.As.
func (e *StageError) Unwrap() []error {
	if kind := errKinds[e.Stage]; kind != nil {
		return []error{kind, e.Err}
	}
	return []error{e.Err}
}

// newStageError wraps err for the given stage.
func newStageError(s Stage, err error) *StageError {
	return &StageError{Stage: s, Err: err}
}
