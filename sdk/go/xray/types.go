package xray

import "github.com/ashita-ai/xray/internal/model"

// Wire and record types shared with the server.
type (
	Value       = model.Value
	Object      = model.Object
	StepType    = model.StepType
	StepStatus  = model.StepStatus
	RunStatus   = model.RunStatus
	MetricKey   = model.MetricKey
	Metrics     = model.Metrics
	ArtifactRef = model.ArtifactRef
	Entity      = model.Entity

	// RunConfig describes a run to start.
	RunConfig = model.RunStart

	Event          = model.Event
	RunStartEvent  = model.RunStartEvent
	StepStartEvent = model.StepStartEvent
	StepEndEvent   = model.StepEndEvent
	RunFinishEvent = model.RunFinishEvent

	// RunRecord is a persisted run as returned by GetRun.
	RunRecord      = model.Run
	StepRecord     = model.Step
	StepRow        = model.StepRow
	RunDetail      = model.RunDetail
	HealthResponse = model.HealthResponse
)

const (
	StepLLM    = model.StepLLM
	StepSearch = model.StepSearch
	StepFilter = model.StepFilter
	StepRank   = model.StepRank
	StepSelect = model.StepSelect
	StepCustom = model.StepCustom
)

const (
	MetricCandidatesIn  = model.MetricCandidatesIn
	MetricCandidatesOut = model.MetricCandidatesOut
	MetricDropRatio     = model.MetricDropRatio
	MetricModel         = model.MetricModel
	MetricTemperature   = model.MetricTemperature
	MetricScoreTop      = model.MetricScoreTop
)

// Value constructors.
var (
	Null        = model.Null
	String      = model.String
	Number      = model.Number
	Int         = model.Int
	Int64       = model.Int64
	Bool        = model.Bool
	List        = model.List
	ObjectValue = model.ObjectValue
	ValueOf     = model.ValueOf
)
