package pipeline

import "github.com/kunleshipo/face-recognition-liveness/internal/facetools"

// Route names a verification entry point. Each route has its own decision policy.
type Route string

const (
	RouteMain           Route = "main"
	RouteIdentity       Route = "identity"
	RouteLiveness       Route = "liveness"
	RouteLivenessMod    Route = "liveness_mod"
	RouteVerifyDocument Route = "verify_document"
)

// Policy is the decision configuration applied to every scored face of a request.
type Policy struct {
	// MatchThreshold is the minimum mean identity similarity a face needs to be retained.
	MatchThreshold float64
	// RequireLiveness makes the pipeline call the liveness model.
	RequireLiveness bool
	// OverrideLiveness reports LivenessSentinel instead of the raw score once it reaches LivenessCutoff.
	OverrideLiveness bool
	LivenessCutoff   float64
	LivenessSentinel float64
}

// Accepts applies the match threshold.
func (p Policy) Accepts(score facetools.IdentityScore) bool {
	return score.Mean >= p.MatchThreshold
}

// ReportedLiveness returns the value exposed to callers for a raw liveness score.
// Scores at or above the cutoff are masked with the sentinel; lower scores are verbatim.
func (p Policy) ReportedLiveness(raw float64) float64 {
	if p.OverrideLiveness && raw >= p.LivenessCutoff {
		return p.LivenessSentinel
	}
	return raw
}

// Thresholds are the named configuration values the route policies are built from.
type Thresholds struct {
	Identity         float64
	DocumentMatch    float64
	LivenessCutoff   float64
	LivenessSentinel float64
}

// Policies maps each route to its policy.
type Policies map[Route]Policy

// NewPolicies builds the route table.
func NewPolicies(t Thresholds) Policies {
	base := Policy{
		MatchThreshold:   t.Identity,
		LivenessCutoff:   t.LivenessCutoff,
		LivenessSentinel: t.LivenessSentinel,
	}

	main := base
	main.RequireLiveness = true

	liveness := main

	livenessMod := main
	livenessMod.OverrideLiveness = true

	document := livenessMod
	document.MatchThreshold = t.DocumentMatch

	return Policies{
		RouteMain:           main,
		RouteIdentity:       base,
		RouteLiveness:       liveness,
		RouteLivenessMod:    livenessMod,
		RouteVerifyDocument: document,
	}
}
