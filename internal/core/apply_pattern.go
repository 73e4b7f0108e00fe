package core

import (
	"fmt"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

func (r *run) upsertRouteStopPattern(f *RouteStopPatternFields) error {
	ref, exists, err := r.lookup(domain.KindRouteStopPattern, f.Identity)
	if err != nil {
		return err
	}
	var route *EntityRef
	if f.TraversedBy != nil {
		rt, err := r.resolver.Resolve(domain.KindRoute, *f.TraversedBy)
		if err != nil {
			return fmt.Errorf("traversedBy: %w", err)
		}
		route = &rt
	}
	var stops []EntityRef
	if f.StopPattern != nil {
		if stops, err = r.resolver.ResolveAll(domain.KindStop, f.StopPattern); err != nil {
			return fmt.Errorf("stopPattern: %w", err)
		}
	}
	var line orb.LineString
	if f.Geometry != nil {
		if line, err = lineFromGeoJSON(f.Geometry); err != nil {
			return fmt.Errorf("geometry: %w", err)
		}
	}
	if exists {
		_, err := r.tx.UpdateRouteStopPattern(ref.ID, func(p *RouteStopPattern) error {
			f.patch(p, route, stops, line)
			p.ChangesetID = r.changesetID
			return nil
		})
		return err
	}

	if err := missingFields(map[string]bool{
		"traversedBy": route != nil,
		"stopPattern": f.StopPattern != nil,
		"geometry":    line != nil,
	}); err != nil {
		return err
	}
	onestop := f.OnestopID
	if onestop == "" {
		if onestop, err = r.resolver.MintRouteStopPattern(*route, stops, line); err != nil {
			return err
		}
	}
	pattern := RouteStopPattern{Base: domain.Base{OnestopID: onestop, ChangesetID: r.changesetID}}
	f.patch(&pattern, route, stops, line)
	created, err := r.tx.CreateRouteStopPattern(pattern)
	if err != nil {
		return err
	}
	r.created(f.Identity, created.Ref(domain.KindRouteStopPattern))
	return nil
}

func (f *RouteStopPatternFields) patch(p *RouteStopPattern, route *EntityRef, stops []EntityRef, line orb.LineString) {
	if route != nil {
		p.RouteID = route.ID
	}
	if f.StopPattern != nil {
		p.StopIDs = refIDs(stops)
	}
	if line != nil {
		p.Geometry = line
	}
	if f.Tags != nil {
		p.Tags = mergeTags(p.Tags, f.Tags)
	}
}
