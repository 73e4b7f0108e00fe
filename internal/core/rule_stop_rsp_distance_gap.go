package core

import (
	"context"
	"fmt"
	"math"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// DefaultStopDistanceThreshold is the distance in metres a stop may sit from
// the path of a route stop pattern that serves it.
const DefaultStopDistanceThreshold = 100.0

const stopRSPDistanceGapRuleName = "stop_rsp_distance_gap"

type stopRSPDistanceGapRule struct {
	threshold float64
}

// StopRSPDistanceGapRule flags stops farther than threshold metres from the
// geometry of any route stop pattern whose stop list contains them.
func StopRSPDistanceGapRule(threshold float64) Rule {
	if threshold <= 0 {
		threshold = DefaultStopDistanceThreshold
	}
	return stopRSPDistanceGapRule{threshold: threshold}
}

func (r stopRSPDistanceGapRule) Name() string { return stopRSPDistanceGapRuleName }

func (r stopRSPDistanceGapRule) Evaluate(_ context.Context, view domain.RuleView, dctx domain.DetectionContext) (domain.Result, error) {
	res := domain.Result{}
	checked := make(map[string]struct{})
	for _, target := range dctx.Targets() {
		switch target.Kind {
		case domain.KindStop:
			stop, ok := view.FindStop(target.ID)
			if !ok {
				continue
			}
			if _, done := checked[stop.ID]; done {
				continue
			}
			checked[stop.ID] = struct{}{}
			if f, gap := r.check(stop, view.RouteStopPatternsForStop(stop.ID)); gap {
				res.Findings = append(res.Findings, f)
			}
		case domain.KindRouteStopPattern:
			rsp, ok := view.FindRouteStopPattern(target.ID)
			if !ok {
				continue
			}
			for _, stopID := range rsp.StopIDs {
				if _, done := checked[stopID]; done {
					continue
				}
				stop, ok := view.FindStop(stopID)
				if !ok {
					continue
				}
				checked[stopID] = struct{}{}
				if f, gap := r.check(stop, view.RouteStopPatternsForStop(stopID)); gap {
					res.Findings = append(res.Findings, f)
				}
			}
		}
	}
	return res, nil
}

// check reports the largest gap between stop and the patterns serving it.
func (r stopRSPDistanceGapRule) check(stop Stop, patterns []RouteStopPattern) (Finding, bool) {
	worst := -1.0
	var worstRSP RouteStopPattern
	for _, rsp := range patterns {
		if len(rsp.Geometry) < 2 {
			continue
		}
		d := DistanceToLine(stop.Geometry, rsp.Geometry)
		if d > worst {
			worst = d
			worstRSP = rsp
		}
	}
	if worst <= r.threshold {
		return Finding{}, false
	}
	return Finding{
		Rule:      stopRSPDistanceGapRuleName,
		IssueType: domain.IssueStopRSPDistanceGap,
		Severity:  domain.SeverityWarn,
		Entity:    stop.Ref(domain.KindStop),
		Details: fmt.Sprintf("stop %s is %.1fm from route stop pattern %s (threshold %.0fm)",
			stop.OnestopID, worst, worstRSP.OnestopID, r.threshold),
	}, true
}

// DistanceToLine returns the great-circle distance in metres from p to the
// closest point of line. Segments are projected in a local equirectangular
// frame around p, which is accurate at stop-to-path scales.
func DistanceToLine(p orb.Point, line orb.LineString) float64 {
	switch len(line) {
	case 0:
		return math.Inf(1)
	case 1:
		return geo.Distance(p, line[0])
	}
	scale := math.Cos(p.Lat() * math.Pi / 180)
	best := math.Inf(1)
	for i := 0; i < len(line)-1; i++ {
		closest := closestOnSegment(p, line[i], line[i+1], scale)
		if d := geo.Distance(p, closest); d < best {
			best = d
		}
	}
	return best
}

func closestOnSegment(p, a, b orb.Point, scale float64) orb.Point {
	ax, ay := (a.Lon()-p.Lon())*scale, a.Lat()-p.Lat()
	bx, by := (b.Lon()-p.Lon())*scale, b.Lat()-p.Lat()
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return a
	}
	t := -(ax*dx + ay*dy) / lenSq
	switch {
	case t <= 0:
		return a
	case t >= 1:
		return b
	}
	return orb.Point{a.Lon() + t*(b.Lon()-a.Lon()), a.Lat() + t*(b.Lat()-a.Lat())}
}
