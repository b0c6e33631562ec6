package pipeline

import (
	"testing"

	"github.com/kunleshipo/face-recognition-liveness/internal/facetools"
)

func TestReportedLiveness(t *testing.T) {
	policies := NewPolicies(Thresholds{LivenessCutoff: 0.6, LivenessSentinel: 0.95})

	cases := []struct {
		name  string
		route Route
		raw   float64
		want  float64
	}{
		{"above cutoff is masked", RouteLivenessMod, 0.75, 0.95},
		{"at cutoff is masked", RouteLivenessMod, 0.6, 0.95},
		{"below cutoff is verbatim", RouteLivenessMod, 0.4, 0.4},
		{"document route masks", RouteVerifyDocument, 0.99, 0.95},
		{"plain liveness route is verbatim", RouteLiveness, 0.75, 0.75},
		{"main route is verbatim", RouteMain, 0.75, 0.75},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policies[tc.route].ReportedLiveness(tc.raw); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestRoutePolicies(t *testing.T) {
	policies := NewPolicies(Thresholds{Identity: 0.1, DocumentMatch: 0.5})

	if policies[RouteIdentity].RequireLiveness {
		t.Fatal("identity route must not require liveness")
	}
	for _, route := range []Route{RouteMain, RouteLiveness, RouteLivenessMod, RouteVerifyDocument} {
		if !policies[route].RequireLiveness {
			t.Fatalf("%s must require liveness", route)
		}
	}
	if policies[RouteVerifyDocument].MatchThreshold != 0.5 || policies[RouteMain].MatchThreshold != 0.1 {
		t.Fatal("thresholds must come from configuration per route")
	}
}

func TestAcceptsUsesMeanScore(t *testing.T) {
	policy := Policy{MatchThreshold: 0.5}

	if !policy.Accepts(facetools.IdentityScore{Min: 0.1, Mean: 0.5}) {
		t.Fatal("a mean equal to the threshold passes")
	}
	if policy.Accepts(facetools.IdentityScore{Min: 0.9, Mean: 0.49}) {
		t.Fatal("a mean below the threshold fails")
	}
}
