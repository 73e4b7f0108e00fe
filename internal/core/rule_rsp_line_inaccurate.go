package core

import (
	"context"
	"fmt"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

const rspLineInaccurateRuleName = "rsp_line_inaccurate"

type rspLineInaccurateRule struct{}

// RSPLineInaccurateRule flags route stop patterns whose geometry does not
// describe a path: fewer than two distinct points, or fewer than two distinct
// stops in the pattern.
func RSPLineInaccurateRule() Rule {
	return rspLineInaccurateRule{}
}

func (rspLineInaccurateRule) Name() string { return rspLineInaccurateRuleName }

func (rspLineInaccurateRule) Evaluate(_ context.Context, view domain.RuleView, dctx domain.DetectionContext) (domain.Result, error) {
	res := domain.Result{}
	for _, target := range dctx.Targets() {
		if target.Kind != domain.KindRouteStopPattern {
			continue
		}
		rsp, ok := view.FindRouteStopPattern(target.ID)
		if !ok {
			continue
		}
		points := distinctPoints(rsp.Geometry)
		stops := distinctStrings(rsp.StopIDs)
		if points >= 2 && stops >= 2 {
			continue
		}
		res.Findings = append(res.Findings, Finding{
			Rule:      rspLineInaccurateRuleName,
			IssueType: domain.IssueRSPLineInaccurate,
			Severity:  domain.SeverityWarn,
			Entity:    rsp.Ref(domain.KindRouteStopPattern),
			Details: fmt.Sprintf("route stop pattern %s has %d distinct points and %d distinct stops",
				rsp.OnestopID, points, stops),
		})
	}
	return res, nil
}

func distinctPoints(line orb.LineString) int {
	seen := make(map[orb.Point]struct{}, len(line))
	for _, p := range line {
		seen[p] = struct{}{}
	}
	return len(seen)
}

func distinctStrings(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}
