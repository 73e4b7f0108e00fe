package core

import (
	"fmt"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

func (r *run) upsertStop(f *StopFields) error {
	ref, exists, err := r.lookup(domain.KindStop, f.Identity)
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
		_, err := r.tx.UpdateStop(ref.ID, func(s *Stop) error {
			f.patch(s, point)
			s.ChangesetID = r.changesetID
			return nil
		})
		return err
	}

	if err := missingFields(map[string]bool{
		"name":     f.Name != nil,
		"timezone": f.Timezone != nil,
		"geometry": point != nil,
	}); err != nil {
		return err
	}
	onestop := f.OnestopID
	if onestop == "" {
		if onestop, err = r.resolver.Mint(domain.KindStop, *f.Name, []orb.Point{*point}); err != nil {
			return err
		}
	}
	stop := Stop{Base: domain.Base{OnestopID: onestop, ChangesetID: r.changesetID}}
	f.patch(&stop, point)
	created, err := r.tx.CreateStop(stop)
	if err != nil {
		return err
	}
	r.created(f.Identity, created.Ref(domain.KindStop))
	return nil
}

func (f *StopFields) patch(s *Stop, point *orb.Point) {
	if f.Name != nil {
		s.Name = *f.Name
	}
	if f.Timezone != nil {
		s.Timezone = *f.Timezone
	}
	if point != nil {
		s.Geometry = *point
	}
	if f.Tags != nil {
		s.Tags = mergeTags(s.Tags, f.Tags)
	}
}

// mergeTags overlays patch on tags. An empty value deletes the key.
func mergeTags(tags, patch map[string]string) map[string]string {
	out := make(map[string]string, len(tags)+len(patch))
	for k, v := range tags {
		out[k] = v
	}
	for k, v := range patch {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
