package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MetricKey names a step metric. The vocabulary is closed: downstream
// queries (drop ratio across pipelines, model comparisons) rely on it.
type MetricKey string

const (
	MetricCandidatesIn  MetricKey = "candidates_in"
	MetricCandidatesOut MetricKey = "candidates_out"
	MetricDropRatio     MetricKey = "drop_ratio"
	MetricModel         MetricKey = "model"
	MetricTemperature   MetricKey = "temperature"
	MetricScoreTop      MetricKey = "score_top"
)

// ErrUnknownMetric is returned for metric keys outside the vocabulary.
var ErrUnknownMetric = errors.New("model: unknown metric key")

// metricKinds maps each metric to the value kind it accepts.
var metricKinds = map[MetricKey]Kind{
	MetricCandidatesIn:  KindNumber,
	MetricCandidatesOut: KindNumber,
	MetricDropRatio:     KindNumber,
	MetricModel:         KindString,
	MetricTemperature:   KindNumber,
	MetricScoreTop:      KindNumber,
}

// MetricKeys returns the metric vocabulary in a stable order.
func MetricKeys() []MetricKey {
	return []MetricKey{
		MetricCandidatesIn, MetricCandidatesOut, MetricDropRatio,
		MetricModel, MetricTemperature, MetricScoreTop,
	}
}

// Valid reports whether k belongs to the vocabulary.
func (k MetricKey) Valid() bool {
	_, ok := metricKinds[k]
	return ok
}

// Metrics holds the typed metrics recorded for one step.
type Metrics struct {
	CandidatesIn  *float64 `json:"candidates_in,omitempty"`
	CandidatesOut *float64 `json:"candidates_out,omitempty"`
	DropRatio     *float64 `json:"drop_ratio,omitempty"`
	Model         *string  `json:"model,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	ScoreTop      *float64 `json:"score_top,omitempty"`
}

// Set records value under key. The value kind must match the metric:
// model is a string, every other metric is a number.
func (m *Metrics) Set(key MetricKey, value Value) error {
	want, ok := metricKinds[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, key)
	}
	if value.Kind() != want {
		return fmt.Errorf("model: metric %s wants %s, got %s", key, want, value.Kind())
	}
	if key == MetricModel {
		s, _ := value.Str()
		m.Model = &s
		return nil
	}
	n, _ := value.Num()
	switch key {
	case MetricCandidatesIn:
		m.CandidatesIn = &n
	case MetricCandidatesOut:
		m.CandidatesOut = &n
	case MetricDropRatio:
		m.DropRatio = &n
	case MetricTemperature:
		m.Temperature = &n
	case MetricScoreTop:
		m.ScoreTop = &n
	}
	return nil
}

// Get returns the metric stored under key, if any.
func (m Metrics) Get(key MetricKey) (Value, bool) {
	var p *float64
	switch key {
	case MetricModel:
		if m.Model == nil {
			return Value{}, false
		}
		return String(*m.Model), true
	case MetricCandidatesIn:
		p = m.CandidatesIn
	case MetricCandidatesOut:
		p = m.CandidatesOut
	case MetricDropRatio:
		p = m.DropRatio
	case MetricTemperature:
		p = m.Temperature
	case MetricScoreTop:
		p = m.ScoreTop
	}
	if p == nil {
		return Value{}, false
	}
	return Number(*p), true
}

// IsZero reports whether no metric has been recorded.
func (m Metrics) IsZero() bool {
	return m == Metrics{}
}

// DeriveDropRatio fills drop_ratio as 1 - out/in when both candidate counts
// are known, in is positive, and no drop ratio was recorded explicitly.
func (m *Metrics) DeriveDropRatio() {
	if m.DropRatio != nil || m.CandidatesIn == nil || m.CandidatesOut == nil || *m.CandidatesIn <= 0 {
		return
	}
	r := 1 - *m.CandidatesOut / *m.CandidatesIn
	m.DropRatio = &r
}

// UnmarshalJSON rejects keys outside the metric vocabulary.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	var raw map[string]Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Metrics
	for k, v := range raw {
		if v.IsNull() {
			continue
		}
		if err := out.Set(MetricKey(k), v); err != nil {
			return err
		}
	}
	*m = out
	return nil
}
