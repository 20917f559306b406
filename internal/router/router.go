// Package router implements the Routing State Machine: a single pure
// function mapping (Request, Scores, Weights) to a RoutingDecision under a
// fixed, total-order priority (spec §4.8). Grounded on the teacher's
// CortexRouter.Route tier cascade (reflex → semantic → cognitive) but
// restructured from try-then-fallthrough tiers into the spec's strict
// priority dispatch.
package router

import (
	"strings"

	"github.com/cortexd/cortexd/internal/cascade"
	"github.com/cortexd/cortexd/internal/classifier"
	"github.com/cortexd/cortexd/internal/model"
)

// Config carries the thresholds the priority chain needs.
type Config struct {
	ProgrammingThreshold  float64 // default classifier.SkillThreshold
	WebQueryThreshold     float64 // default 0.7
	MultimodalMinTextLen  int     // default 40
	AlphaCascadeThreshold float64 // default 0.7
}

// DefaultConfig returns the spec's literal thresholds.
func DefaultConfig() Config {
	return Config{
		ProgrammingThreshold:  classifier.SkillThreshold,
		WebQueryThreshold:     0.7,
		MultimodalMinTextLen:  40,
		AlphaCascadeThreshold: 0.7,
	}
}

var visionCues = []string{"this photo", "this image", "in this picture", "what is in this"}

// Route implements the strict priority order from spec §4.8. oracle may be
// nil only in tests that never reach the cascade step.
func Route(cfg Config, req model.Request, scores model.ScoreVector, weights model.Weights, oracle *cascade.Oracle) model.RoutingDecision {
	lower := strings.ToLower(req.Text)

	// 1. Vision family: any image payload routes here regardless of what
	// scores.Get would otherwise pick, keeping routing priority monotone.
	// Adding an image to a request never re-routes it away from Vision. A
	// short prompt gets the vision model directly; a long one goes through
	// the multimodal loop variant. Text-only input can still trigger Vision
	// via explicit cues.
	if req.HasImage() {
		if len(strings.TrimSpace(req.Text)) <= cfg.MultimodalMinTextLen {
			return model.RoutingDecision{Kind: model.DecisionVision, ModelName: "vision"}
		}
		return model.RoutingDecision{Kind: model.DecisionMultimodalLoop, ModelName: "vision"}
	}
	for _, cue := range visionCues {
		if strings.Contains(lower, cue) {
			return model.RoutingDecision{Kind: model.DecisionVision, ModelName: "vision"}
		}
	}

	// 2. CodeExpert
	if scores.Get("programming") >= cfg.ProgrammingThreshold {
		return model.RoutingDecision{Kind: model.DecisionCodeExpert, ModelName: "code"}
	}

	// 3. WebSynthesis
	if scores.Get(model.AxisWebQuery) > cfg.WebQueryThreshold {
		return model.RoutingDecision{Kind: model.DecisionWebSynthesis, ModelName: "expert_long"}
	}

	// 4. Audio
	if req.HasAudio() {
		return model.RoutingDecision{Kind: model.DecisionAudio, ModelName: "audio"}
	}

	// 5. Cascade
	if weights.Alpha > cfg.AlphaCascadeThreshold && oracle != nil {
		tier, confidence := oracle.Decide(req.Text, scores)
		switch tier {
		case cascade.Tier1:
			return model.RoutingDecision{Kind: model.DecisionCascadeTier1, ModelName: oracle.ModelFor(tier), Confidence: confidence}
		case cascade.Tier2:
			return model.RoutingDecision{Kind: model.DecisionCascadeTier2, ModelName: oracle.ModelFor(tier), Confidence: confidence}
		default:
			return model.RoutingDecision{Kind: model.DecisionCascadeTier3, ModelName: oracle.ModelFor(tier), Confidence: confidence}
		}
	}

	// 6. EmpathicFallback: the cheap, fast-responding tier handles
	// conversational/empathic replies that never reached the cascade.
	return model.RoutingDecision{Kind: model.DecisionEmpathic, ModelName: "tiny"}
}
