package xray

import "github.com/ashita-ai/xray/internal/model"

// StepContext collects what a step function records about its own work.
// It is bound to one step and must not be used after the step returns.
type StepContext struct {
	seq       int64
	metrics   Metrics
	why       *string
	whyJSON   *Value
	warnings  []Value
	artifacts []ArtifactRef
}

// Seq returns the sequence number allocated to the step.
func (sc *StepContext) Seq() int64 { return sc.seq }

// AddMetric records a metric. Keys outside the metric vocabulary and values
// of the wrong kind are rejected.
func (sc *StepContext) AddMetric(key MetricKey, value Value) error {
	return sc.metrics.Set(key, value)
}

// Metric returns a metric recorded so far.
func (sc *StepContext) Metric(key MetricKey) (Value, bool) {
	return sc.metrics.Get(key)
}

// Explain sets the human-readable reason for the step's outcome.
func (sc *StepContext) Explain(why string) { sc.why = &why }

// ExplainJSON attaches a structured explanation alongside Explain.
func (sc *StepContext) ExplainJSON(v Value) { sc.whyJSON = &v }

// Warn appends a warning to the step.
func (sc *StepContext) Warn(v Value) { sc.warnings = append(sc.warnings, v) }

// AddArtifact references an artifact stored outside the trace.
func (sc *StepContext) AddArtifact(ref ArtifactRef) { sc.artifacts = append(sc.artifacts, ref) }

// payload builds the step_end payload. drop_ratio is derived from the
// candidate counts when the step did not set it.
func (sc *StepContext) payload(output Value) model.StepEndPayload {
	p := model.StepEndPayload{
		Output:       &output,
		Why:          sc.why,
		WhyJSON:      sc.whyJSON,
		ArtifactRefs: sc.artifacts,
		Warnings:     sc.warnings,
	}
	m := sc.metrics
	m.DeriveDropRatio()
	if !m.IsZero() {
		p.Metrics = &m
	}
	return p
}

// failurePayload builds the step_end payload for a step whose function
// returned err. Metrics recorded before the failure are kept.
func (sc *StepContext) failurePayload(err error) model.StepEndPayload {
	p := sc.payload(model.ErrorMarker(err.Error()))
	why := err.Error()
	p.Why = &why
	return p
}
