package rag

import (
	"errors"
	"fmt"
)

// Stage names a step of the vectorization pipeline.
type Stage string

const (
	StagePreparing Stage = "preparing_files"
	StageReading   Stage = "reading_documents"
	StageEmbedding Stage = "embedding"
	StageIndexing  Stage = "indexing"
	StageMetadata  Stage = "updating_metadata"
	StageDone      Stage = "done"
)

var (
	ErrMissingVectorStorage   = errors.New("vector storage id is required")
	ErrNoFilesSelected        = errors.New("no files selected")
	ErrNoExtractableText      = errors.New("no extractable text in the selected files")
	ErrEmbeddingCountMismatch = errors.New("embedding count does not match chunk count")
	ErrEmbeddingNotConfigured = errors.New("local embedding driver is not configured")
)

// StageError is a pipeline failure attributed to the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// StageName reports the failed stage.
func (e *StageError) StageName() string { return string(e.Stage) }

// CancelledError reports that the pipeline stopped because its context was
// cancelled. It is not a failure.
type CancelledError struct {
	Stage Stage
	Err   error // context error
}

func (e *CancelledError) Error() string { return fmt.Sprintf("cancelled during %s", e.Stage) }
func (e *CancelledError) Unwrap() error { return e.Err }

// StageName reports the stage that was running when cancellation hit.
func (e *CancelledError) StageName() string { return string(e.Stage) }

func stageErr(stage Stage, err error) error {
	var se *StageError
	var ce *CancelledError
	if errors.As(err, &se) || errors.As(err, &ce) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
