package pipeline

import (
	"errors"
	"fmt"

	"github.com/kunleshipo/face-recognition-liveness/internal/document"
)

// FaceDetectionError is a detector fault. It aborts the request; an image
// without faces is not an error.
type FaceDetectionError struct {
	SourcePage *int
	Err        error
}

func (e *FaceDetectionError) Error() string {
	if e.SourcePage != nil {
		return fmt.Sprintf("face detection on page %d: %v", *e.SourcePage, e.Err)
	}
	return fmt.Sprintf("face detection: %v", e.Err)
}

func (e *FaceDetectionError) Unwrap() error {
	return e.Err
}

// ScoringError is an identity or liveness model fault.
type ScoringError struct {
	Stage      string
	SourcePage *int
	Err        error
}

func (e *ScoringError) Error() string {
	if e.SourcePage != nil {
		return fmt.Sprintf("%s scoring on page %d: %v", e.Stage, *e.SourcePage, e.Err)
	}
	return fmt.Sprintf("%s scoring: %v", e.Stage, e.Err)
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}

// StatusFor collapses a run outcome into the reported status.
func StatusFor(report *Report, err error) Status {
	if err == nil {
		if report == nil {
			return StatusInternalError
		}
		return report.Status
	}
	var unsupported *document.UnsupportedTypeError
	if errors.As(err, &unsupported) {
		return StatusUnsupportedType
	}
	return StatusInternalError
}
