// Package incident defines the core incident record, its closed enumerations,
// and validation for external submissions.
package incident

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies what kind of emergency an incident reports.
type Type string

const (
	TypeFlood    Type = "Flood"
	TypeMedical  Type = "Medical"
	TypeFire     Type = "Fire"
	TypeCollapse Type = "Collapse"
)

// Severity is the reporter- or classifier-assigned impact level.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Status tracks where an incident is in its lifecycle. Resolved is terminal.
type Status string

const (
	StatusOpen     Status = "Open"
	StatusAssigned Status = "Assigned"
	StatusResolved Status = "Resolved"
)

// Incident is the canonical record as held by the store and projected by the
// reconciler. Description, Sentiment and Transcription are annotation-only
// fields supplied by external classifiers; the engine never mutates them.
type Incident struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Location      string    `json:"location"`
	Lat           float64   `json:"lat"`
	Lng           float64   `json:"lng"`
	Severity      Severity  `json:"severity"`
	Panic         float64   `json:"panic"`
	Verified      bool      `json:"verified"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	Description   string    `json:"description,omitempty"`
	Sentiment     string    `json:"sentiment,omitempty"`
	Transcription string    `json:"transcription,omitempty"`
}

// Active reports whether the incident still belongs in live feeds.
func (i *Incident) Active() bool {
	return i.Status != StatusResolved
}

// ParseType validates a type string against the closed set.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeFlood, TypeMedical, TypeFire, TypeCollapse:
		return t, nil
	}
	return "", fmt.Errorf("unknown incident type %q", s)
}

// ParseSeverity validates a severity string against the closed set.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// ParseStatus validates a status string against the closed set.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusAssigned, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Creation defaults, matching what citizen submissions historically carried
// when a field was absent. The base coordinates are overridable via config.
const (
	DefaultSeverity    = SeverityHigh
	DefaultPanic       = 0.6
	DefaultDescription = "Reported via SOS."
	DefaultBaseLat     = 17.6599
	DefaultBaseLng     = 75.9064
)

// CreateInput is an external submission before the store assigns identity.
// Optional fields are pointers so "absent" and "zero" stay distinguishable.
type CreateInput struct {
	Type          string   `json:"type"`
	Location      string   `json:"location"`
	Lat           *float64 `json:"lat,omitempty"`
	Lng           *float64 `json:"lng,omitempty"`
	Severity      string   `json:"severity,omitempty"`
	Panic         *float64 `json:"panic,omitempty"`
	Description   string   `json:"description,omitempty"`
	Sentiment     string   `json:"sentiment,omitempty"`
	Transcription string   `json:"transcription,omitempty"`
}

// Validate checks a submission synchronously. Invalid fields are rejected
// here rather than silently coerced, so scoring never sees out-of-range
// values.
func (in *CreateInput) Validate() error {
	var errs []error

	if in.Type == "" {
		errs = append(errs, errors.New("type is required"))
	} else if _, err := ParseType(in.Type); err != nil {
		errs = append(errs, err)
	}

	if in.Location == "" {
		errs = append(errs, errors.New("location is required"))
	}

	if in.Severity != "" {
		if _, err := ParseSeverity(in.Severity); err != nil {
			errs = append(errs, err)
		}
	}

	if in.Panic != nil && (*in.Panic < 0 || *in.Panic > 1) {
		errs = append(errs, fmt.Errorf("panic %v out of range [0,1]", *in.Panic))
	}

	if (in.Lat == nil) != (in.Lng == nil) {
		errs = append(errs, errors.New("lat and lng must be supplied together"))
	}
	if in.Lat != nil && (*in.Lat < -90 || *in.Lat > 90) {
		errs = append(errs, fmt.Errorf("lat %v out of range [-90,90]", *in.Lat))
	}
	if in.Lng != nil && (*in.Lng < -180 || *in.Lng > 180) {
		errs = append(errs, fmt.Errorf("lng %v out of range [-180,180]", *in.Lng))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Materialize builds the stored record from a validated submission, applying
// creation defaults. The caller supplies identity, creation time, and the
// base coordinates used when the reporter's position is unknown.
func (in *CreateInput) Materialize(id string, now time.Time, baseLat, baseLng float64) Incident {
	inc := Incident{
		ID:            id,
		Type:          Type(in.Type),
		Location:      in.Location,
		Lat:           baseLat,
		Lng:           baseLng,
		Severity:      DefaultSeverity,
		Panic:         DefaultPanic,
		Status:        StatusOpen,
		CreatedAt:     now.UTC(),
		Description:   DefaultDescription,
		Sentiment:     in.Sentiment,
		Transcription: in.Transcription,
	}
	if in.Lat != nil && in.Lng != nil {
		inc.Lat = *in.Lat
		inc.Lng = *in.Lng
	}
	if in.Severity != "" {
		inc.Severity = Severity(in.Severity)
	}
	if in.Panic != nil {
		inc.Panic = *in.Panic
	}
	if in.Description != "" {
		inc.Description = in.Description
	}
	return inc
}
