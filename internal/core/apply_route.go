package core

import (
	"errors"
	"fmt"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

func (r *run) upsertRoute(f *RouteFields) error {
	ref, exists, err := r.lookup(domain.KindRoute, f.Identity)
	if err != nil {
		return err
	}
	var operator *EntityRef
	if f.OperatedBy != nil {
		op, err := r.resolver.Resolve(domain.KindOperator, *f.OperatedBy)
		if err != nil {
			return fmt.Errorf("operatedBy: %w", err)
		}
		operator = &op
	}
	var served []EntityRef
	if f.Serves != nil {
		if served, err = r.resolver.ResolveAll(domain.KindStop, f.Serves); err != nil {
			return fmt.Errorf("serves: %w", err)
		}
	}
	if exists {
		_, err := r.tx.UpdateRoute(ref.ID, func(route *Route) error {
			f.patch(route, operator, served)
			route.ChangesetID = r.changesetID
			return nil
		})
		return err
	}

	if err := missingFields(map[string]bool{
		"name":       f.Name != nil,
		"operatedBy": operator != nil,
	}); err != nil {
		return err
	}
	onestop := f.OnestopID
	if onestop == "" {
		points := r.stopPoints(served)
		if len(points) == 0 {
			if o, ok := r.tx.FindOperator(operator.ID); ok && o.Geometry != nil {
				points = append(points, *o.Geometry)
			}
		}
		if len(points) == 0 {
			return errors.New("serves or an operator geometry is required to mint a route onestop id")
		}
		if onestop, err = r.resolver.Mint(domain.KindRoute, *f.Name, points); err != nil {
			return err
		}
	}
	route := Route{Base: domain.Base{OnestopID: onestop, ChangesetID: r.changesetID}}
	f.patch(&route, operator, served)
	created, err := r.tx.CreateRoute(route)
	if err != nil {
		return err
	}
	r.created(f.Identity, created.Ref(domain.KindRoute))
	return nil
}

func (f *RouteFields) patch(route *Route, operator *EntityRef, served []EntityRef) {
	setString(&route.Name, f.Name)
	setString(&route.VehicleType, f.VehicleType)
	setString(&route.Color, f.Color)
	if operator != nil {
		route.OperatorID = operator.ID
	}
	if f.Serves != nil {
		route.ServedStopIDs = refIDs(served)
	}
	if f.Tags != nil {
		route.Tags = mergeTags(route.Tags, f.Tags)
	}
}

func (r *run) stopPoints(stops []EntityRef) []orb.Point {
	points := make([]orb.Point, 0, len(stops))
	for _, ref := range stops {
		if s, ok := r.tx.FindStop(ref.ID); ok {
			points = append(points, s.Geometry)
		}
	}
	return points
}

func refIDs(refs []EntityRef) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	return ids
}
