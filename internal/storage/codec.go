package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/xray/internal/model"
)

// JSON column helpers shared by the Postgres and sqlite stores. Absent values
// encode to nil so drivers write SQL NULL.

// EncodeObject encodes o as a JSON object; nil encodes as {}.
func EncodeObject(o model.Object) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("storage: encode object: %w", err)
	}
	return b, nil
}

// EncodePtr encodes *v, or returns nil when v is nil.
func EncodePtr[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %T: %w", v, err)
	}
	return b, nil
}

// EncodeSlice encodes s, or returns nil when s is empty.
func EncodeSlice[T any](s []T) ([]byte, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %T: %w", s, err)
	}
	return b, nil
}

// DecodeObject decodes a JSON object column. NULL decodes to an empty object.
func DecodeObject(b []byte) (model.Object, error) {
	o := model.Object{}
	if len(b) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("storage: decode object: %w", err)
	}
	return o, nil
}

// DecodePtr decodes a nullable JSON column.
func DecodePtr[T any](b []byte) (*T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("storage: decode %T: %w", v, err)
	}
	return v, nil
}

// DecodeSlice decodes a nullable JSON array column.
func DecodeSlice[T any](b []byte) ([]T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s []T
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("storage: decode %T: %w", s, err)
	}
	return s, nil
}

// StepColumns holds the raw JSON columns of a step row.
type StepColumns struct {
	Inputs          []byte
	Outputs         []byte
	Metrics         []byte
	ExplanationJSON []byte
	ArtifactRefs    []byte
	Warnings        []byte
}

// Decode fills the JSON-backed fields of s.
func (c StepColumns) Decode(s *model.Step) error {
	var err error
	if s.Inputs, err = DecodeObject(c.Inputs); err != nil {
		return err
	}
	if s.Outputs, err = DecodePtr[model.Value](c.Outputs); err != nil {
		return err
	}
	if s.Metrics, err = DecodePtr[model.Metrics](c.Metrics); err != nil {
		return err
	}
	if s.ExplanationJSON, err = DecodePtr[model.Value](c.ExplanationJSON); err != nil {
		return err
	}
	if s.ArtifactRefs, err = DecodeSlice[model.ArtifactRef](c.ArtifactRefs); err != nil {
		return err
	}
	if s.Warnings, err = DecodeSlice[model.Value](c.Warnings); err != nil {
		return err
	}
	return nil
}

// EncodeEnd encodes the JSON-backed fields of a step_end update.
func EncodeEnd(p EndStepParams) (StepColumns, error) {
	var (
		c   StepColumns
		err error
	)
	if c.Outputs, err = EncodePtr(p.Outputs); err != nil {
		return c, err
	}
	if p.Metrics != nil && !p.Metrics.IsZero() {
		if c.Metrics, err = EncodePtr(p.Metrics); err != nil {
			return c, err
		}
	}
	if c.ExplanationJSON, err = EncodePtr(p.ExplanationJSON); err != nil {
		return c, err
	}
	if c.ArtifactRefs, err = EncodeSlice(p.ArtifactRefs); err != nil {
		return c, err
	}
	if c.Warnings, err = EncodeSlice(p.Warnings); err != nil {
		return c, err
	}
	return c, nil
}
