package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/xray/internal/model"
)

// AnomalyKind classifies a terminal update that affected zero rows.
type AnomalyKind string

const (
	// AnomalyNotFound means the step or run was never created.
	AnomalyNotFound AnomalyKind = "not_found"
	// AnomalyAlreadyTerminal means the step or run had already ended.
	AnomalyAlreadyTerminal AnomalyKind = "already_terminal"
)

// Anomaly is a step_end or run_finish that changed nothing.
type Anomaly struct {
	Kind   AnomalyKind     `json:"kind"`
	Event  model.EventType `json:"event"`
	RunID  uuid.UUID       `json:"run_id"`
	Seq    int64           `json:"seq,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

func (s *Service) report(ctx context.Context, a Anomaly) {
	attrs := []any{"anomaly", a.Kind, "event", a.Event, "run_id", a.RunID}
	if a.Seq > 0 {
		attrs = append(attrs, "seq", a.Seq)
	}
	if a.Detail != "" {
		attrs = append(attrs, "detail", a.Detail)
	}
	s.logger.Warn("ingest: update affected zero rows", attrs...)
	s.count(ctx, s.anomalyCounter, "kind", string(a.Kind))
}
