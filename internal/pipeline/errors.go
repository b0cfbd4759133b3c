package pipeline

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid generation request")
	ErrRunNotFound    = errors.New("generation run not found")
	ErrRunFinished    = errors.New("generation run already finished")
	ErrShuttingDown   = errors.New("orchestrator is shutting down")
	// ErrCancelled is the cancellation cause of runs stopped by Cancel.
	ErrCancelled = errors.New("cancelled by request")
	// ErrInterrupted marks runs stopped by shutdown or left behind by a
	// crashed process.
	ErrInterrupted = errors.New("interrupted")
)
