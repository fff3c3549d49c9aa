// Package model defines the core domain types for xray.
//
// Runs and steps correspond directly to the xray_runs and xray_steps tables.
// Events are the wire format the SDK emits and the ingestion boundary applies.
// Opaque payloads (inputs, outputs, metadata) use the closed Value variant
// rather than interface{}.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// FinishStatus is the outcome reported by a run_finish event.
type FinishStatus string

const (
	FinishSuccess FinishStatus = "success"
	FinishFailure FinishStatus = "failure"
)

// Valid reports whether f is success or failure.
func (f FinishStatus) Valid() bool {
	return f == FinishSuccess || f == FinishFailure
}

// Run is one named execution of a pipeline.
type Run struct {
	ID              uuid.UUID  `json:"run_id"`
	PipelineName    string     `json:"pipeline_name"`
	PipelineVersion *string    `json:"pipeline_version,omitempty"`
	Status          RunStatus  `json:"status"`
	Metadata        Object     `json:"metadata"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Entity identifies the business object a run operates on.
type Entity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RunStart is the body of POST /runs and the payload of run_start events.
type RunStart struct {
	Pipeline        string  `json:"pipeline"`
	PipelineVersion *string `json:"pipelineVersion,omitempty"`
	Entity          *Entity `json:"entity,omitempty"`
	Tags            Object  `json:"tags,omitempty"`
}

// Validate checks that the pipeline name is present.
func (r RunStart) Validate() error {
	if r.Pipeline == "" {
		return fmt.Errorf("pipeline name required")
	}
	return nil
}

// InitialMetadata folds tags and entity into the run's metadata object.
func (r RunStart) InitialMetadata() Object {
	md := Object{}.Merge(r.Tags)
	if r.Entity != nil {
		md["entity"] = ObjectValue(Object{
			"type": String(r.Entity.Type),
			"id":   String(r.Entity.ID),
		})
	}
	return md
}

// RunFinish is the payload of a run_finish event.
type RunFinish struct {
	Status  FinishStatus `json:"status"`
	Outcome *Value       `json:"outcome,omitempty"`
	Error   *Value       `json:"error,omitempty"`
}

// MetadataPatch returns the keys a run_finish merges into run metadata.
// Absent outcome/error are left out rather than written as null.
func (f RunFinish) MetadataPatch() Object {
	patch := Object{}
	if f.Outcome != nil {
		patch["outcome"] = *f.Outcome
	}
	if f.Error != nil {
		patch["error"] = *f.Error
	}
	return patch
}

// CreateRunResponse is the response body for POST /runs.
type CreateRunResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// RunDetail is a run together with its steps ordered by seq.
type RunDetail struct {
	Run   Run    `json:"run"`
	Steps []Step `json:"steps"`
}
