// Package classify defines the external report-classification collaborator.
// The engine treats its labels as opaque inputs; implementations live in
// subpackages.
package classify

import (
	"context"
	"errors"

	"github.com/linnemanlabs/sitrep/internal/incident"
)

// ErrUnclassifiable indicates the classifier could not produce labels for
// the report. Callers fall back to validation errors, never to guessed
// values.
var ErrUnclassifiable = errors.New("report could not be classified")

// Report is the free-text material available for a submission, typically a
// voice transcription or reporter description.
type Report struct {
	Transcription string
	Description   string
}

// Labels are the classifier's outputs. Type and Severity are validated
// against the closed enums before use; Sentiment is annotation-only.
type Labels struct {
	Type      incident.Type
	Severity  incident.Severity
	Panic     float64
	Sentiment string
}

// Classifier turns a free-text report into incident labels.
type Classifier interface {
	Classify(ctx context.Context, r Report) (*Labels, error)
}
