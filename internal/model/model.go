// Package model holds the data shapes shared across cortexd's subsystems:
// requests, score vectors, weights, routing decisions, model descriptors and
// the pool's entry bookkeeping. Nothing in this package does I/O.
package model

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// PayloadKind tags the optional non-text payload a Request may carry.
type PayloadKind string

const (
	PayloadNone  PayloadKind = ""
	PayloadAudio PayloadKind = "audio"
	PayloadImage PayloadKind = "image"
)

// Request is an immutable container for one inbound query. Construct with
// NewRequest; fields are not meant to be mutated after creation.
type Request struct {
	ID          string
	ArrivedAt   time.Time
	Text        string
	Payload     PayloadKind
	PayloadData []byte
	ClientHints map[string]string
}

// requestSeq numbers the requests built without a caller-supplied ID.
var requestSeq atomic.Uint64

// NewRequest builds a Request, stamping ArrivedAt and generating an ID if
// none is supplied by the caller.
func NewRequest(id, text string) Request {
	if id == "" {
		id = "req-" + strconv.FormatUint(requestSeq.Add(1), 10)
	}
	return Request{ID: id, ArrivedAt: time.Now(), Text: text}
}

// HasImage reports whether the request carries image payload bytes.
func (r Request) HasImage() bool { return r.Payload == PayloadImage && len(r.PayloadData) > 0 }

// HasAudio reports whether the request carries audio payload bytes.
func (r Request) HasAudio() bool { return r.Payload == PayloadAudio && len(r.PayloadData) > 0 }

// Required score axes, always present in a ScoreVector produced by the
// classifier.
const (
	AxisHard     = "hard"
	AxisSoft     = "soft"
	AxisWebQuery = "web_query"
)

// ScoreVector maps a named axis to a value in [0,1]. hard/soft/web_query are
// always populated by the classifier; skill axes (programming, creative,
// reasoning, ...) are present only when they fire.
type ScoreVector map[string]float64

// Get returns the axis value, or 0 if absent.
func (s ScoreVector) Get(axis string) float64 {
	if s == nil {
		return 0
	}
	return s[axis]
}

// Weights is the (α, β) mixing pair produced by Meta Control. α biases
// technical generation, β biases empathic modulation.
type Weights struct {
	Alpha float64
	Beta  float64
}

// WeightsEpsilon is the tolerance for the α+β ≈ 1 invariant.
const WeightsEpsilon = 1e-6

// Valid reports whether α+β sums to 1 within WeightsEpsilon.
func (w Weights) Valid() bool {
	sum := w.Alpha + w.Beta
	diff := sum - 1
	if diff < 0 {
		diff = -diff
	}
	return diff <= WeightsEpsilon
}

// Pure reports whether one side dominates (>= 0.9), per the spec's
// definition of a "pure" decision.
func (w Weights) Pure() bool { return w.Alpha >= 0.9 || w.Beta >= 0.9 }

// DecisionKind tags the RoutingDecision variant.
type DecisionKind string

const (
	DecisionVision         DecisionKind = "vision"
	DecisionCodeExpert     DecisionKind = "code_expert"
	DecisionWebSynthesis   DecisionKind = "web_synthesis"
	DecisionMultimodalLoop DecisionKind = "multimodal_loop"
	DecisionAudio          DecisionKind = "audio"
	DecisionCascadeTier1   DecisionKind = "cascade_tier1"
	DecisionCascadeTier2   DecisionKind = "cascade_tier2"
	DecisionCascadeTier3   DecisionKind = "cascade_tier3"
	DecisionEmpathic       DecisionKind = "empathic_fallback"
)

// RoutingDecision is a tagged, immutable variant produced exactly once per
// request. ModelName is the pool name to dispatch to; Confidence is set only
// for the cascade variants.
type RoutingDecision struct {
	Kind       DecisionKind
	ModelName  string
	Confidence float64
}

// BackendKind names a declared backend constructor kind (internal/backend
// registry key).
type BackendKind string

const (
	BackendLocalFile BackendKind = "local-file"
	BackendRemoteRPC BackendKind = "remote-rpc"
)

// ModelDescriptor is the static, config-declared shape of a pool-managed
// model.
type ModelDescriptor struct {
	Name          string
	Backend       BackendKind
	Location      string
	ContextWindow int
	Quantisation  string
	LoadEstimate  time.Duration
	IdleTTL       time.Duration
	SwapGroup     string
	RAMEstimate   uint64
	Fallback      []string
}

// GenerateParams carries sampling parameters down to a backend.
type GenerateParams struct {
	Temperature float32
	TopP        float32
	MaxTokens   int
	Stop        []string
}

// Handle is the live, polymorphic handle to a loaded model. Owned
// exclusively by the pool; never shared across pool instances.
type Handle interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) (string, error)
	MemoryBytes() uint64
	Shutdown()
}

// EntryState is the Model Pool's per-entry state machine position.
type EntryState string

const (
	StateAbsent   EntryState = "absent"
	StateLoading  EntryState = "loading"
	StateReady    EntryState = "ready"
	StateEvicting EntryState = "evicting"
	StateFailed   EntryState = "failed"
)

// PoolEntry is the bookkeeping record for one logical model name.
type PoolEntry struct {
	Descriptor    ModelDescriptor
	Handle        Handle
	LastUsedAt    time.Time
	LoadedAt      time.Time
	InFlightCount int32
	State         EntryState
}

// SwapGroup names a set of descriptors of which at most one may be
// resident (Loading or Ready) at a time.
type SwapGroup struct {
	Name    string
	Members []string
}
