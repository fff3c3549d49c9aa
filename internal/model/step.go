package model

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// StepType classifies what a pipeline step does.
type StepType string

const (
	StepLLM    StepType = "llm"
	StepSearch StepType = "search"
	StepFilter StepType = "filter"
	StepRank   StepType = "rank"
	StepSelect StepType = "select"
	StepCustom StepType = "custom"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepLLM, StepSearch, StepFilter, StepRank, StepSelect, StepCustom:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// MaxExplanationLen is the longest explanation persisted, in characters.
// Longer explanations are truncated, never rejected.
const MaxExplanationLen = 2048

// TruncateExplanation cuts s to MaxExplanationLen characters.
func TruncateExplanation(s string) string {
	if utf8.RuneCountInString(s) <= MaxExplanationLen {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxExplanationLen {
			return s[:i]
		}
		n++
	}
	return s
}

// Step is one unit of work inside a run, keyed by (run_id, seq).
type Step struct {
	RunID           uuid.UUID     `json:"run_id"`
	Seq             int64         `json:"seq"`
	Name            string        `json:"step_name"`
	Type            StepType      `json:"step_type"`
	Status          StepStatus    `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	Inputs          Object        `json:"inputs"`
	Outputs         *Value        `json:"outputs,omitempty"`
	Metrics         *Metrics      `json:"metrics,omitempty"`
	Explanation     *string       `json:"explanation,omitempty"`
	ExplanationJSON *Value        `json:"explanation_json,omitempty"`
	ArtifactRefs    []ArtifactRef `json:"artifact_refs,omitempty"`
	Warnings        []Value       `json:"warnings,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// StepRow is a step joined with the name of its run's pipeline.
type StepRow struct {
	Step
	PipelineName string `json:"pipeline_name"`
}

// StepQuery narrows a step listing. Zero values mean "no filter".
type StepQuery struct {
	StepType     StepType
	Pipeline     string
	MinDropRatio *float64
	Limit        int
}

// StepMeta names and classifies a step in a step_start event.
type StepMeta struct {
	Name string   `json:"name"`
	Type StepType `json:"type"`
}

// ArtifactRef points at a large artifact stored outside the trace.
type ArtifactRef struct {
	ArtifactID  *string `json:"artifact_id,omitempty"`
	Kind        string  `json:"kind"`
	URI         string  `json:"uri"`
	ContentType *string `json:"content_type,omitempty"`
	Bytes       *int64  `json:"bytes,omitempty"`
	Summary     Object  `json:"summary,omitempty"`
}

// StepEndPayload is the payload of a step_end event.
type StepEndPayload struct {
	Output       *Value        `json:"output,omitempty"`
	Why          *string       `json:"why,omitempty"`
	WhyJSON      *Value        `json:"why_json,omitempty"`
	Metrics      *Metrics      `json:"metrics,omitempty"`
	ArtifactRefs []ArtifactRef `json:"artifact_refs,omitempty"`
	Warnings     []Value       `json:"warnings,omitempty"`
	Error        *Value        `json:"error,omitempty"`
}

// Failed reports whether the payload records a step failure: either an
// explicit error, or an output that is exactly the {"error": ...} marker.
func (p StepEndPayload) Failed() bool {
	if p.Error != nil {
		return true
	}
	if p.Output == nil {
		return false
	}
	obj, ok := p.Output.Obj()
	if !ok || len(obj) != 1 {
		return false
	}
	_, ok = obj["error"]
	return ok
}

// ErrorMarker builds the output a failed step reports.
func ErrorMarker(msg string) Value {
	return ObjectValue(Object{"error": String(msg)})
}

// ListStepsResponse is the response body for GET /steps.
type ListStepsResponse struct {
	Steps []StepRow `json:"steps"`
}
