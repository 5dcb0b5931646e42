package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed run.
type ErrorKind string

const (
	KindConfig      ErrorKind = "config"
	KindData        ErrorKind = "data"
	KindResource    ErrorKind = "resource"
	KindPersistence ErrorKind = "persistence"
)

// StageError wraps the error a pipeline stage surfaced with its stage name and kind.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s error): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError returns nil when err is nil.
func NewStageError(stage string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf reports the kind of the first StageError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
