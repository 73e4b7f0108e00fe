package core

import (
	"math"
	"testing"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

func TestDistanceToLine(t *testing.T) {
	line := orb.LineString{{-122.0, 37.0}, {-122.0, 37.01}}
	cases := []struct {
		name     string
		p        orb.Point
		min, max float64
	}{
		{"on vertex", orb.Point{-122.0, 37.0}, 0, 0.01},
		{"on segment", orb.Point{-122.0, 37.005}, 0, 0.01},
		{"beside segment", orb.Point{-122.01, 37.005}, 880, 895},
		{"beyond end", orb.Point{-122.0, 37.02}, 1105, 1120},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := DistanceToLine(tc.p, line)
			if d < tc.min || d > tc.max {
				t.Fatalf("expected distance in [%v,%v], got %v", tc.min, tc.max, d)
			}
		})
	}
	if !math.IsInf(DistanceToLine(orb.Point{}, nil), 1) {
		t.Fatalf("expected infinite distance to an empty line")
	}
}

func TestStopRSPDistanceGapRuleThreshold(t *testing.T) {
	svc := newTestService(t, WithRulesEngine(NewDefaultRulesEngine(1000)))
	_, res := mustApply(t, svc, gapNetwork())
	if len(res.Issues) != 0 {
		t.Fatalf("expected no issue under a 1km threshold, got %+v", res.Issues)
	}
	if StopRSPDistanceGapRule(0).(stopRSPDistanceGapRule).threshold != DefaultStopDistanceThreshold {
		t.Fatalf("expected non-positive threshold to fall back to the default")
	}
}

func TestRSPLineInaccurateRule(t *testing.T) {
	svc := newTestService(t)
	_, res := mustApply(t, svc, payload(
		`{"action":"createUpdate","operator":{"onestopId":"o-9q9-demo","name":"Demo"}}`,
		createStopChange("s-9q9-a", "A", -122.0, 37.0),
		`{"action":"createUpdate","route":{"onestopId":"r-9q9-loop","name":"Loop","operatedBy":"o-9q9-demo"}}`,
		`{"action":"createUpdate","routeStopPattern":{"onestopId":"r-9q9-loop-aaaaaa-bbbbbb","traversedBy":"r-9q9-loop",`+
			`"stopPattern":["s-9q9-a","s-9q9-a"],"geometry":{"type":"LineString","coordinates":[[-122.0,37.0],[-122.0,37.0]]}}}`,
	))
	if len(res.Issues) != 1 || res.Issues[0].IssueType != domain.IssueRSPLineInaccurate {
		t.Fatalf("expected one inaccurate line issue, got %+v", res.Issues)
	}
	if res.Issues[0].EntityKind != domain.KindRouteStopPattern {
		t.Fatalf("expected issue on the pattern, got %s", res.Issues[0].EntityKind)
	}
}
