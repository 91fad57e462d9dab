package aab

import (
	"errors"
	"fmt"
)

// Failure kinds. A StageError unwraps to exactly one of these.
var (
	ErrToolLaunch = errors.New("tool could not be launched")
	ErrToolExit   = errors.New("tool exited with non-zero status")
	ErrFilesystem = errors.New("filesystem error")
	ErrArchive    = errors.New("archive error")
	ErrPublish    = errors.New("publish error")
)

// StageError is the tagged failure a pipeline stage reports.
type StageError struct {
	Stage    Stage
	Kind     error
	ExitCode int // only meaningful for ErrToolExit
	Err      error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Stage != "" {
		return fmt.Sprintf("stage %s: %s", e.Stage, msg)
	}
	return msg
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fsError(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: ErrFilesystem, Err: err}
}

func archiveError(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: ErrArchive, Err: err}
}

// tagStage attaches the stage name to err, converting untyped errors into
// filesystem failures.
func tagStage(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stage
		}
		return se
	}
	return &StageError{Stage: stage, Kind: ErrFilesystem, Err: err}
}
