// Package domain defines the core types shared across ccdaemon: the pipeline
// lifecycle status machine, the error taxonomy recorded in the database, and
// the analysis record the daemon schedules.
package domain

import (
	"strings"
	"time"
)

// Status is a pipeline lifecycle state. The progression is
// IDLE → READY → LOADING → RUNNING → FINISHED → {SUCCESS|FAILED}, with
// CANCELLING and DESTROYING as side paths taken on cancellation and teardown.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusReady      Status = "READY"
	StatusLoading    Status = "LOADING"
	StatusRunning    Status = "RUNNING"
	StatusCancelling Status = "CANCELLING"
	StatusDestroying Status = "DESTROYING"
	StatusFinished   Status = "FINISHED"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every status in declaration order. The database gateway
// synchronizes this list against the status table at startup.
var Statuses = []Status{
	StatusIdle,
	StatusReady,
	StatusLoading,
	StatusRunning,
	StatusCancelling,
	StatusDestroying,
	StatusFinished,
	StatusSuccess,
	StatusFailed,
}

// Terminal reports whether the status is a final outcome.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Active reports whether a pipeline in this status still has work in flight.
func (s Status) Active() bool {
	return !s.Terminal() && s != StatusIdle
}

// Description is the lower-case form stored in the status table.
func (s Status) Description() string {
	return strings.ToLower(string(s))
}

// ParseStatus maps a database description back to a Status. The second return
// is false for unknown descriptions.
func ParseStatus(description string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(description)))
	for _, known := range Statuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// ErrorType classifies why a pipeline failed.
type ErrorType string

const (
	ErrNone   ErrorType = "NONE"
	ErrInit   ErrorType = "INIT"
	ErrLoad   ErrorType = "LOAD"
	ErrRun    ErrorType = "RUN"
	ErrReport ErrorType = "REPORT"
	ErrCancel ErrorType = "CANCEL"
	ErrOther  ErrorType = "OTHER"
)

// ErrorTypes lists every error type in declaration order, synchronized
// against the error table at startup.
var ErrorTypes = []ErrorType{
	ErrNone,
	ErrInit,
	ErrLoad,
	ErrRun,
	ErrReport,
	ErrCancel,
	ErrOther,
}

// errorMessages holds the canned description stored alongside each error type.
var errorMessages = map[ErrorType]string{
	ErrNone:   "No error.",
	ErrInit:   "Error initializing pipeline from database record.",
	ErrLoad:   "Error loading pipeline runner platform.",
	ErrRun:    "Pipeline runtime error.",
	ErrReport: "Pipeline finished but report never received.",
	ErrCancel: "Pipeline cancelled during runtime.",
	ErrOther:  "Unexpected error.",
}

// Message returns the canned message associated with the error type.
func (e ErrorType) Message() string {
	return errorMessages[e]
}

// Description is the lower-case form stored in the error table.
func (e ErrorType) Description() string {
	return strings.ToLower(string(e))
}

// AnalysisType carries the immutable per-type inputs of an analysis:
// resource demand plus the base64-encoded configuration blobs uploaded to the
// runner platform at launch.
type AnalysisType struct {
	Name          string
	CPUs          int
	MemGB         int
	DiskGB        int
	MaxRunTime    float64 // hours
	GraphConfig   string  // base64
	ResourceKit   string  // base64
	PlatformConf  string  // base64
	StartupScript string  // base64, optional
}

// Analysis is one pipeline job row as the daemon sees it.
type Analysis struct {
	ID             int64
	Name           string
	Status         Status
	ErrorType      *ErrorType // nil when no error row has ever been written
	ErrorMsg       string
	RunStart       *time.Time
	RunTimeHours   *float64
	Cost           *float64
	GitCommit      *string
	SampleSheet    string // base64
	FinalOutputDir string
	Type           AnalysisType
}

// OutputFile is a pipeline product registered in the database after the
// completion report confirms it exists on the platform.
type OutputFile struct {
	Path     string
	FileType string
	TaskID   string
	Found    bool
}

// QCStat is one normalized quality-control measurement parsed from a QC
// report, keyed by (sample, metric, task, source file).
type QCStat struct {
	Sample     string
	Metric     string
	Task       string
	SourceFile string
	Value      string
	Note       string
}
