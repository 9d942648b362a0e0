// Package fmrierr defines the error taxonomy shared by the dataset, resolver,
// design and pipeline packages.
//
// Every typed error unwraps to one of the sentinel kinds below so callers can
// classify failures with errors.Is without knowing the concrete type.
package fmrierr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrNoData           = errors.New("no data")
	ErrMetadataMissing  = errors.New("metadata missing")
	ErrMalformedLog     = errors.New("malformed event log")
	ErrAmbiguousMatch   = errors.New("ambiguous match")
	ErrStageExecution   = errors.New("stage execution failed")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrMalformedRegName = errors.New("malformed regressor name")
)

// DatasetNotFoundError reports an unusable dataset root. Fatal to the invocation.
type DatasetNotFoundError struct {
	Root   string
	Reason string
}

func (e *DatasetNotFoundError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("dataset not found: %s", e.Root)
	}
	return fmt.Sprintf("dataset not found: %s: %s", e.Root, e.Reason)
}

func (e *DatasetNotFoundError) Unwrap() error { return ErrDatasetNotFound }

// NoDataError reports that a required file family has no match for a run.
type NoDataError struct {
	Family   string
	Selector string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no %s file matches %s", e.Family, e.Selector)
}

func (e *NoDataError) Unwrap() error { return ErrNoData }

// MetadataMissingError reports a required sidecar key that is absent or unusable.
type MetadataMissingError struct {
	Key  string
	Path string
}

func (e *MetadataMissingError) Error() string {
	return fmt.Sprintf("metadata %q missing for %s", e.Key, e.Path)
}

// MetadataMissingError is treated as NoData for the run, so it unwraps to both kinds.
func (e *MetadataMissingError) Unwrap() []error { return []error{ErrMetadataMissing, ErrNoData} }

// MalformedLogError reports an event log that cannot be parsed.
type MalformedLogError struct {
	Path string
	Line int
	Err  error
}

func (e *MalformedLogError) Error() string {
	var b strings.Builder
	b.WriteString("malformed event log")
	if e.Path != "" {
		b.WriteString(" " + e.Path)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *MalformedLogError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedLog}
	}
	return []error{ErrMalformedLog, e.Err}
}

// AmbiguousMatchError is a soft error: more candidates than expected, resolved
// by taking the first. It is only ever surfaced as a warning.
type AmbiguousMatchError struct {
	Family     string
	Selector   string
	Candidates []string
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("%d %s files match %s, using %s", len(e.Candidates), e.Family, e.Selector, first(e.Candidates))
}

func (e *AmbiguousMatchError) Unwrap() error { return ErrAmbiguousMatch }

// StageExecutionError reports a failed external conversion, estimation or warping call.
type StageExecutionError struct {
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() []error { return []error{ErrStageExecution, e.Err} }

// ConfigError reports an invalid configuration value. Fatal to the invocation.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Msg
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// IsRunRecoverable reports whether err only invalidates the current
// (subject, session, acquisition) run and the sweep may continue.
func IsRunRecoverable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrDatasetNotFound) || errors.Is(err, ErrInvalidConfig) {
		return false
	}
	return errors.Is(err, ErrNoData) ||
		errors.Is(err, ErrMetadataMissing) ||
		errors.Is(err, ErrMalformedLog) ||
		errors.Is(err, ErrStageExecution) ||
		errors.Is(err, ErrMalformedRegName)
}

// IsSkip reports whether err means the run had nothing to analyze rather than failing.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNoData)
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
