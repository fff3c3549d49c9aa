package xray

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/xray/internal/model"
)

// ErrInvalidStep is returned by Step when the name is empty or the type is
// unknown. The step function is not invoked.
var ErrInvalidStep = errors.New("xray: invalid step")

// StepFunc is the body of an instrumented step.
type StepFunc func(ctx context.Context, sc *StepContext) (Value, error)

// Run records one execution of a pipeline. It owns the run's sequence
// counter and its queue of undelivered events. Steps on a Run execute one at
// a time; distinct Runs are independent.
type Run struct {
	id        uuid.UUID
	transport Transport
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	seq     int64
	queue   []Event
	dropped int
}

// RunOption configures a Run.
type RunOption func(*Run)

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) RunOption {
	return func(r *Run) { r.now = now }
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) RunOption {
	return func(r *Run) { r.logger = logger }
}

// NewRun binds a Run to an existing run ID and a Transport. Most callers use
// Client.StartRun instead.
func NewRun(id uuid.UUID, transport Transport, opts ...RunOption) *Run {
	r := &Run{
		id:        id,
		transport: transport,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the run identifier.
func (r *Run) ID() uuid.UUID { return r.id }

// Dropped returns how many events the transport failed to deliver.
func (r *Run) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Flush hands every queued event to the transport, in order, and returns
// the outcome. Failed events are not requeued.
func (r *Run) Flush(ctx context.Context) Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return Delivery{}
	}
	batch := r.queue
	r.queue = nil

	d := r.transport.Send(ctx, batch)
	if d.Failed > 0 {
		r.dropped += d.Failed
		r.logger.Warn("xray: events dropped", "run_id", r.id, "failed", d.Failed, "dropped_total", r.dropped)
	}
	return d
}

// emit queues ev and flushes before returning.
func (r *Run) emit(ctx context.Context, ev Event) Delivery {
	r.mu.Lock()
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	return r.Flush(ctx)
}

func (r *Run) nextSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

type stepConfig struct {
	inputs Object
}

// StepOption configures a single step.
type StepOption func(*stepConfig)

// WithInputs records the step's inputs on its step_start event.
func WithInputs(inputs Object) StepOption {
	return func(c *stepConfig) { c.inputs = inputs }
}

// Step runs fn as the next step of the run. It emits step_start, invokes fn,
// then emits step_end with fn's output and recorded metrics. If fn fails, the
// step_end carries the error message as its explanation and an error marker
// as its output, and the error is returned unchanged. If fn panics, a failed
// step_end is emitted and the panic is re-raised. Both events have been
// handed to the transport by the time Step returns.
func (r *Run) Step(ctx context.Context, name string, typ StepType, fn StepFunc, opts ...StepOption) (Value, error) {
	if name == "" {
		return Value{}, fmt.Errorf("%w: name is required", ErrInvalidStep)
	}
	if !typ.Valid() {
		return Value{}, fmt.Errorf("%w: unknown step type %q", ErrInvalidStep, typ)
	}

	var cfg stepConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	seq := r.nextSeq()
	runID := r.id.String()
	start := r.now().UTC()
	r.emit(ctx, StepStartEvent{
		RunID: runID,
		Seq:   seq,
		Meta:  model.StepMeta{Name: name, Type: typ},
		Input: cfg.inputs,
		TS:    &start,
	})

	sc := &StepContext{seq: seq}
	end := func(payload model.StepEndPayload) {
		ts := r.now().UTC()
		r.emit(ctx, StepEndEvent{
			RunID:   runID,
			Seq:     seq,
			Payload: payload,
			TS:      &ts,
		})
	}

	// A panicking step is recorded as failed before the panic continues.
	finished := false
	defer func() {
		if finished {
			return
		}
		rec := recover()
		if rec == nil {
			// runtime.Goexit
			end(sc.failurePayload(errors.New("step exited without returning")))
			return
		}
		end(sc.failurePayload(errors.New(fmt.Sprint(rec))))
		panic(rec)
	}()

	out, err := fn(ctx, sc)
	finished = true
	if err != nil {
		end(sc.failurePayload(err))
	} else {
		end(sc.payload(out))
	}

	return out, err
}

// Step is the typed form of Run.Step. The result is converted to a Value
// for the step_end event; a result that cannot be encoded is recorded as
// null with a warning and still returned to the caller.
func Step[T any](ctx context.Context, r *Run, name string, typ StepType, fn func(ctx context.Context, sc *StepContext) (T, error), opts ...StepOption) (T, error) {
	var result T
	_, err := r.Step(ctx, name, typ, func(ctx context.Context, sc *StepContext) (Value, error) {
		out, err := fn(ctx, sc)
		result = out
		if err != nil {
			return Null(), err
		}
		v, convErr := ValueOf(out)
		if convErr != nil {
			sc.Warn(String("output not recorded: " + convErr.Error()))
			return Null(), nil
		}
		return v, nil
	}, opts...)
	return result, err
}

// Finish emits run_finish and flushes. A non-nil runErr marks the run failed
// and is recorded as {"message": runErr.Error()}; otherwise the run succeeds
// with the optional outcome.
func (r *Run) Finish(ctx context.Context, outcome *Value, runErr error) Delivery {
	finish := model.RunFinish{Status: model.FinishSuccess, Outcome: outcome}
	if runErr != nil {
		finish.Status = model.FinishFailure
		e := ObjectValue(Object{"message": String(runErr.Error())})
		finish.Error = &e
	}
	ts := r.now().UTC()
	return r.emit(ctx, RunFinishEvent{
		RunID:  r.id.String(),
		Finish: finish,
		TS:     &ts,
	})
}
