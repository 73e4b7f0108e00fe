package core

import (
	"errors"
	"fmt"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

func (r *run) upsertOperator(f *OperatorFields) error {
	ref, exists, err := r.lookup(domain.KindOperator, f.Identity)
	if err != nil {
		return err
	}
	var point *orb.Point
	if f.Geometry != nil {
		p, err := pointFromGeoJSON(f.Geometry)
		if err != nil {
			return fmt.Errorf("geometry: %w", err)
		}
		point = &p
	}
	if exists {
		_, err := r.tx.UpdateOperator(ref.ID, func(o *Operator) error {
			f.patch(o, point)
			o.ChangesetID = r.changesetID
			return nil
		})
		return err
	}

	if err := missingFields(map[string]bool{"name": f.Name != nil}); err != nil {
		return err
	}
	onestop := f.OnestopID
	if onestop == "" {
		if point == nil {
			return errors.New("geometry is required to mint an operator onestop id")
		}
		if onestop, err = r.resolver.Mint(domain.KindOperator, *f.Name, []orb.Point{*point}); err != nil {
			return err
		}
	}
	operator := Operator{Base: domain.Base{OnestopID: onestop, ChangesetID: r.changesetID}}
	f.patch(&operator, point)
	created, err := r.tx.CreateOperator(operator)
	if err != nil {
		return err
	}
	r.created(f.Identity, created.Ref(domain.KindOperator))
	return nil
}

func (f *OperatorFields) patch(o *Operator, point *orb.Point) {
	setString(&o.Name, f.Name)
	setString(&o.ShortName, f.ShortName)
	setString(&o.Website, f.Website)
	setString(&o.Country, f.Country)
	setString(&o.State, f.State)
	setString(&o.Metro, f.Metro)
	setString(&o.Timezone, f.Timezone)
	if point != nil {
		p := *point
		o.Geometry = &p
	}
	if f.Tags != nil {
		o.Tags = mergeTags(o.Tags, f.Tags)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
