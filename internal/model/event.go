package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the discriminator tag of an Event.
type EventType string

const (
	EventRunStart  EventType = "run_start"
	EventStepStart EventType = "step_start"
	EventStepEnd   EventType = "step_end"
	EventRunFinish EventType = "run_finish"
)

var (
	// ErrInvalidEvent is returned for events that are malformed or carry an
	// unknown type tag.
	ErrInvalidEvent = errors.New("model: invalid event")

	// ErrNotArray is returned when an event batch is not a JSON array.
	ErrNotArray = errors.New("model: event batch is not an array")
)

// Event is one trace fact. The set of implementations is closed:
// RunStartEvent, StepStartEvent, StepEndEvent, RunFinishEvent.
type Event interface {
	// Type returns the discriminator tag.
	Type() EventType
	// RunRef returns the run_id the event targets. Empty only for a
	// run_start that has not been assigned a run yet.
	RunRef() string
	// Time returns the event timestamp, or nil when the sender left it out.
	Time() *time.Time
	// Validate checks the variant's required fields.
	Validate() error

	isEvent()
}

// RunStartEvent announces a run.
type RunStartEvent struct {
	RunID string     `json:"run_id,omitempty"`
	Run   RunStart   `json:"run"`
	TS    *time.Time `json:"ts,omitempty"`
}

// StepStartEvent opens step Seq of a run.
type StepStartEvent struct {
	RunID string     `json:"run_id"`
	Seq   int64      `json:"seq"`
	Meta  StepMeta   `json:"meta"`
	Input Object     `json:"input,omitempty"`
	TS    *time.Time `json:"ts,omitempty"`
}

// StepEndEvent closes step Seq of a run.
type StepEndEvent struct {
	RunID   string         `json:"run_id"`
	Seq     int64          `json:"seq"`
	Payload StepEndPayload `json:"payload"`
	TS      *time.Time     `json:"ts,omitempty"`
}

// RunFinishEvent closes a run.
type RunFinishEvent struct {
	RunID  string     `json:"run_id"`
	Finish RunFinish  `json:"finish"`
	TS     *time.Time `json:"ts,omitempty"`
}

func (RunStartEvent) Type() EventType  { return EventRunStart }
func (StepStartEvent) Type() EventType { return EventStepStart }
func (StepEndEvent) Type() EventType   { return EventStepEnd }
func (RunFinishEvent) Type() EventType { return EventRunFinish }

func (e RunStartEvent) RunRef() string  { return e.RunID }
func (e StepStartEvent) RunRef() string { return e.RunID }
func (e StepEndEvent) RunRef() string   { return e.RunID }
func (e RunFinishEvent) RunRef() string { return e.RunID }

func (e RunStartEvent) Time() *time.Time  { return e.TS }
func (e StepStartEvent) Time() *time.Time { return e.TS }
func (e StepEndEvent) Time() *time.Time   { return e.TS }
func (e RunFinishEvent) Time() *time.Time { return e.TS }

func (RunStartEvent) isEvent()  {}
func (StepStartEvent) isEvent() {}
func (StepEndEvent) isEvent()   {}
func (RunFinishEvent) isEvent() {}

func (e RunStartEvent) Validate() error {
	if e.RunID != "" {
		if err := validateRunID(e.RunID); err != nil {
			return err
		}
	}
	if err := e.Run.Validate(); err != nil {
		return fmt.Errorf("%w: run_start: %v", ErrInvalidEvent, err)
	}
	return nil
}

func (e StepStartEvent) Validate() error {
	if err := validateRunID(e.RunID); err != nil {
		return err
	}
	if e.Seq < 1 {
		return fmt.Errorf("%w: step_start: seq must be >= 1, got %d", ErrInvalidEvent, e.Seq)
	}
	if e.Meta.Name == "" {
		return fmt.Errorf("%w: step_start: meta.name is required", ErrInvalidEvent)
	}
	if !e.Meta.Type.Valid() {
		return fmt.Errorf("%w: step_start: unknown step type %q", ErrInvalidEvent, e.Meta.Type)
	}
	return nil
}

func (e StepEndEvent) Validate() error {
	if err := validateRunID(e.RunID); err != nil {
		return err
	}
	if e.Seq < 1 {
		return fmt.Errorf("%w: step_end: seq must be >= 1, got %d", ErrInvalidEvent, e.Seq)
	}
	return nil
}

// Validate requires finish.status to be "success" or "failure". Any other
// value, including an empty one, rejects the event.
func (e RunFinishEvent) Validate() error {
	if err := validateRunID(e.RunID); err != nil {
		return err
	}
	if !e.Finish.Status.Valid() {
		return fmt.Errorf("%w: run_finish: finish.status must be %q or %q, got %q",
			ErrInvalidEvent, FinishSuccess, FinishFailure, e.Finish.Status)
	}
	return nil
}

func validateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: run_id is required", ErrInvalidEvent)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid run_id %q", ErrInvalidEvent, id)
	}
	return nil
}

// The MarshalJSON methods prepend the "type" tag. The local alias types drop
// the method set so encoding does not recurse.

func (e RunStartEvent) MarshalJSON() ([]byte, error) {
	type alias RunStartEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventRunStart, alias(e)})
}

func (e StepStartEvent) MarshalJSON() ([]byte, error) {
	type alias StepStartEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventStepStart, alias(e)})
}

func (e StepEndEvent) MarshalJSON() ([]byte, error) {
	type alias StepEndEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventStepEnd, alias(e)})
}

func (e RunFinishEvent) MarshalJSON() ([]byte, error) {
	type alias RunFinishEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventRunFinish, alias(e)})
}

// UnmarshalEvent decodes one tagged event. Unknown tags are rejected with
// ErrInvalidEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case EventRunStart:
		var e RunStartEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventStepStart:
		var e StepStartEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventStepEnd:
		var e StepEndEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventRunFinish:
		var e RunFinishEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, head.Type, err)
	}
	return ev, nil
}

// DecodeEvents decodes an ordered JSON array of events. The order of the
// returned slice matches the array.
func DecodeEvents(data []byte) ([]Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotArray
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	events := make([]Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := UnmarshalEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// EncodeEvents encodes events as an ordered JSON array.
func EncodeEvents(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	return json.Marshal(events)
}
