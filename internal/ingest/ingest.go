// Package ingest applies event batches to storage.
//
// A batch is decoded and validated as a whole before anything is written, so
// a malformed event rejects the batch with no state mutated. Valid batches
// are applied in order, one committed write per event; transient storage
// failures are retried per write, and a failure that persists part way
// through leaves the earlier events applied. Conditional updates that
// touch zero rows are classified, logged and counted as anomalies and do not
// fail the batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/storage"
	"github.com/ashita-ai/xray/internal/telemetry"
)

var (
	// ErrInvalidBatch is returned when any event in a batch fails validation.
	ErrInvalidBatch = errors.New("ingest: invalid batch")

	// ErrInvalidRun is returned when a run creation request fails validation.
	ErrInvalidRun = errors.New("ingest: invalid run")
)

// Result summarizes one applied batch.
type Result struct {
	Applied   int       `json:"applied"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// Service applies runs and event batches to a storage.Store.
type Service struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer
	retry  storage.RetryPolicy

	eventCounter   metric.Int64Counter
	anomalyCounter metric.Int64Counter
	retryCounter   metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for timestamps the sender left out.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetryPolicy sets how transient storage failures are retried per event.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// NewService creates an ingestion service over store.
func NewService(store storage.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		tracer: telemetry.Tracer("xray/ingest"),
		retry:  storage.DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(s)
	}

	meter := telemetry.Meter("xray/ingest")
	if c, err := meter.Int64Counter("xray.ingest.events",
		metric.WithDescription("Events applied, by type")); err == nil {
		s.eventCounter = c
	}
	if c, err := meter.Int64Counter("xray.ingest.anomalies",
		metric.WithDescription("Conditional updates that affected zero rows, by kind")); err == nil {
		s.anomalyCounter = c
	}
	if c, err := meter.Int64Counter("xray.ingest.retries",
		metric.WithDescription("Event writes retried after a transient storage failure, by type")); err == nil {
		s.retryCounter = c
	}
	return s
}

// CreateRun validates req and inserts a new running run.
func (s *Service) CreateRun(ctx context.Context, req model.RunStart) (model.Run, error) {
	if err := req.Validate(); err != nil {
		return model.Run{}, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	run, err := s.store.CreateRun(ctx, storage.CreateRunParams{
		ID:              uuid.New(),
		PipelineName:    req.Pipeline,
		PipelineVersion: req.PipelineVersion,
		Metadata:        req.InitialMetadata(),
		StartTime:       s.now(),
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("ingest: create run: %w", err)
	}
	s.logger.Info("run created", "run_id", run.ID, "pipeline", run.PipelineName)
	return run, nil
}

// Validate checks every event in a batch targeting runID. Events must carry
// runID; only run_start may leave it out.
func Validate(runID uuid.UUID, events []model.Event) error {
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("%w: events[%d]: %v", ErrInvalidBatch, i, err)
		}
		ref := ev.RunRef()
		if ref == "" {
			continue
		}
		id, err := uuid.Parse(ref)
		if err != nil || id != runID {
			return fmt.Errorf("%w: events[%d]: run_id %s does not match %s", ErrInvalidBatch, i, ref, runID)
		}
	}
	return nil
}

// Apply validates and applies events, in order, to run runID. It returns
// storage.ErrNotFound (wrapped) when the run does not exist and the batch
// does not start it.
func (s *Service) Apply(ctx context.Context, runID uuid.UUID, events []model.Event) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.apply", trace.WithAttributes(
		attribute.String("xray.run_id", runID.String()),
		attribute.Int("xray.events", len(events)),
	))
	defer span.End()

	var res Result
	if err := Validate(runID, events); err != nil {
		return res, err
	}
	if !startsRun(events) {
		if _, err := s.store.GetRun(ctx, runID); err != nil {
			return res, fmt.Errorf("ingest: %w", err)
		}
	}

	for i, ev := range events {
		anomaly, err := s.apply(ctx, runID, ev)
		if err != nil {
			span.RecordError(err)
			s.logger.Error("ingest: apply event failed",
				"run_id", runID, "event", ev.Type(), "index", i, "applied", res.Applied, "error", err)
			return res, fmt.Errorf("ingest: events[%d] %s: %w", i, ev.Type(), err)
		}
		res.Applied++
		s.count(ctx, s.eventCounter, "type", string(ev.Type()))
		if anomaly != nil {
			res.Anomalies = append(res.Anomalies, *anomaly)
			s.report(ctx, *anomaly)
		}
	}

	span.SetAttributes(attribute.Int("xray.anomalies", len(res.Anomalies)))
	s.logger.Info("batch applied", "run_id", runID, "events", res.Applied, "anomalies", len(res.Anomalies))
	return res, nil
}

func startsRun(events []model.Event) bool {
	return len(events) > 0 && events[0].Type() == model.EventRunStart
}

func (s *Service) timestamp(ev model.Event) time.Time {
	if ts := ev.Time(); ts != nil {
		return ts.UTC()
	}
	return s.now()
}

// write runs one storage write for ev under the retry policy.
func (s *Service) write(ctx context.Context, runID uuid.UUID, ev model.Event, fn func(context.Context) (int64, error)) (int64, error) {
	return storage.Retry(ctx, s.retry, fn, func(attempt int, err error) {
		s.logger.Warn("ingest: retrying event write",
			"run_id", runID, "event", ev.Type(), "attempt", attempt, "error", err)
		s.count(ctx, s.retryCounter, "type", string(ev.Type()))
	})
}

func (s *Service) apply(ctx context.Context, runID uuid.UUID, ev model.Event) (*Anomaly, error) {
	switch e := ev.(type) {
	case model.RunStartEvent:
		_, err := s.write(ctx, runID, ev, func(ctx context.Context) (int64, error) {
			return 0, s.store.EnsureRun(ctx, storage.CreateRunParams{
				ID:              runID,
				PipelineName:    e.Run.Pipeline,
				PipelineVersion: e.Run.PipelineVersion,
				Metadata:        e.Run.InitialMetadata(),
				StartTime:       s.timestamp(ev),
			})
		})
		return nil, err
	case model.StepStartEvent:
		_, err := s.write(ctx, runID, ev, func(ctx context.Context) (int64, error) {
			return 0, s.store.StartStep(ctx, storage.StartStepParams{
				RunID:     runID,
				Seq:       e.Seq,
				Name:      e.Meta.Name,
				Type:      e.Meta.Type,
				StartTime: s.timestamp(ev),
				Inputs:    e.Input,
			})
		})
		return nil, err
	case model.StepEndEvent:
		return s.endStep(ctx, runID, e)
	case model.RunFinishEvent:
		return s.finishRun(ctx, runID, e)
	default:
		return nil, fmt.Errorf("%w: unhandled event type %q", model.ErrInvalidEvent, ev.Type())
	}
}

func (s *Service) endStep(ctx context.Context, runID uuid.UUID, e model.StepEndEvent) (*Anomaly, error) {
	p := e.Payload
	params := storage.EndStepParams{
		RunID:           runID,
		Seq:             e.Seq,
		Status:          model.StepStatusFor(p),
		EndTime:         s.timestamp(e),
		Outputs:         p.Output,
		Metrics:         p.Metrics,
		Explanation:     explanation(p),
		ExplanationJSON: p.WhyJSON,
		ArtifactRefs:    p.ArtifactRefs,
		Warnings:        p.Warnings,
	}
	n, err := s.write(ctx, runID, e, func(ctx context.Context) (int64, error) {
		return s.store.EndStep(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}

	a := &Anomaly{Event: model.EventStepEnd, RunID: runID, Seq: e.Seq}
	status, err := s.store.GetStepStatus(ctx, runID, e.Seq)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		a.Kind = AnomalyNotFound
		a.Detail = "step was never started"
	case err != nil:
		return nil, err
	default:
		a.Kind = AnomalyAlreadyTerminal
		if _, err := model.EndStep(status, p); err != nil {
			a.Detail = err.Error()
		}
	}
	return a, nil
}

func (s *Service) finishRun(ctx context.Context, runID uuid.UUID, e model.RunFinishEvent) (*Anomaly, error) {
	params := storage.FinishRunParams{
		RunID:         runID,
		Status:        model.RunStatusFor(e.Finish.Status),
		EndTime:       s.timestamp(e),
		MetadataPatch: e.Finish.MetadataPatch(),
	}
	n, err := s.write(ctx, runID, e, func(ctx context.Context) (int64, error) {
		return s.store.FinishRun(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}

	a := &Anomaly{Event: model.EventRunFinish, RunID: runID}
	run, err := s.store.GetRun(ctx, runID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		a.Kind = AnomalyNotFound
		a.Detail = "run does not exist"
	case err != nil:
		return nil, err
	default:
		a.Kind = AnomalyAlreadyTerminal
		if _, err := model.FinishRun(run.Status, e.Finish.Status); err != nil {
			a.Detail = err.Error()
		}
	}
	return a, nil
}

// explanation returns the truncated why text. A failed step with no why falls
// back to its error message.
func explanation(p model.StepEndPayload) *string {
	var why string
	switch {
	case p.Why != nil:
		why = *p.Why
	case p.Error != nil:
		why = errorText(*p.Error)
	default:
		return nil
	}
	why = model.TruncateExplanation(why)
	return &why
}

func errorText(v model.Value) string {
	if s, ok := v.Str(); ok {
		return s
	}
	if msg, ok := v.Get("message"); ok {
		if s, ok := msg.Str(); ok {
			return s
		}
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return v.Kind().String()
	}
	return string(b)
}

func (s *Service) count(ctx context.Context, c metric.Int64Counter, key, value string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}
