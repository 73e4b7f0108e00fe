package core

import (
	"fmt"
	"sort"

	"transitreg/pkg/domain"
	"transitreg/pkg/onestopid"

	"github.com/paulmach/orb"
)

const maxMintAttempts = 1000

type scratchKey struct {
	kind EntityKind
	id   string
}

// Resolver maps onestop and provisional ids to entities for one changeset
// run. Entities created or renamed earlier in the run are recorded in a
// scratch map that is consulted before the transaction view, so later
// operations can reference them.
type Resolver struct {
	tx      Transaction
	scratch map[scratchKey]EntityRef
}

// NewResolver returns a resolver bound to tx.
func NewResolver(tx Transaction) *Resolver {
	return &Resolver{tx: tx, scratch: make(map[scratchKey]EntityRef)}
}

// Resolve returns the entity addressed by id: a provisional or freshly
// minted id from this run, a current onestop id, or a retired one.
func (r *Resolver) Resolve(kind EntityKind, id string) (EntityRef, error) {
	if id == "" {
		return EntityRef{}, fmt.Errorf("%s reference is empty", kind)
	}
	if ref, ok := r.scratch[scratchKey{kind, id}]; ok {
		if r.exists(ref) {
			return ref, nil
		}
		delete(r.scratch, scratchKey{kind, id})
	}
	if ref, ok := r.tx.LookupOnestopID(kind, id); ok {
		return ref, nil
	}
	return EntityRef{}, domain.ErrNotFound{Kind: kind, ID: id}
}

// ResolveAll resolves a list of references of one kind, preserving order.
func (r *Resolver) ResolveAll(kind EntityKind, ids []string) ([]EntityRef, error) {
	out := make([]EntityRef, 0, len(ids))
	for _, id := range ids {
		ref, err := r.Resolve(kind, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// Register records that alias addresses ref for the rest of the run.
func (r *Resolver) Register(alias string, ref EntityRef) {
	if alias == "" {
		return
	}
	r.scratch[scratchKey{ref.Kind, alias}] = ref
	if ref.OnestopID != "" {
		r.scratch[scratchKey{ref.Kind, ref.OnestopID}] = ref
	}
}

// Mint derives a new onestop id for kind from a display name and the points
// that locate the entity, appending ~2, ~3, ... on collision.
func (r *Resolver) Mint(kind EntityKind, name string, points []orb.Point) (string, error) {
	hash, err := onestopid.Geohash(points)
	if err != nil {
		return "", err
	}
	base, err := onestopid.New(kind, hash, name)
	if err != nil {
		return "", err
	}
	return r.unique(kind, base)
}

// MintRouteStopPattern derives a route stop pattern id from its route and stops.
func (r *Resolver) MintRouteStopPattern(route EntityRef, stops []EntityRef, geometry orb.LineString) (string, error) {
	stopIDs := make([]string, 0, len(stops))
	for _, s := range stops {
		stopIDs = append(stopIDs, s.OnestopID)
	}
	return r.unique(domain.KindRouteStopPattern, onestopid.ForRouteStopPattern(route.OnestopID, stopIDs, geometry))
}

func (r *Resolver) unique(kind EntityKind, base string) (string, error) {
	for n := 1; n <= maxMintAttempts; n++ {
		candidate := onestopid.WithSuffix(base, n)
		if !r.taken(kind, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: could not mint a free id from %s", domain.ErrConflict, base)
}

func (r *Resolver) taken(kind EntityKind, id string) bool {
	if _, ok := r.scratch[scratchKey{kind, id}]; ok {
		return true
	}
	_, ok := r.tx.LookupOnestopID(kind, id)
	return ok
}

// Rename moves the entity addressed by oldID to newID. Scratch entries that
// pointed at the entity follow the rename.
func (r *Resolver) Rename(kind EntityKind, oldID, newID string) (EntityRef, error) {
	ref, err := r.Resolve(kind, oldID)
	if err != nil {
		return EntityRef{}, err
	}
	if ref.OnestopID == newID {
		return ref, nil
	}
	if existing, ok := r.scratch[scratchKey{kind, newID}]; ok && existing.ID != ref.ID {
		return EntityRef{}, fmt.Errorf("%w: %s %s", domain.ErrConflict, kind, newID)
	}
	renamed, err := r.tx.RenameEntity(ref, newID)
	if err != nil {
		return EntityRef{}, err
	}
	for key, entry := range r.scratch {
		if entry.ID == renamed.ID && entry.Kind == renamed.Kind {
			r.scratch[key] = renamed
		}
	}
	r.scratch[scratchKey{kind, newID}] = renamed
	return renamed, nil
}

// Forget drops every scratch entry pointing at ref.
func (r *Resolver) Forget(ref EntityRef) {
	for key, entry := range r.scratch {
		if entry.ID == ref.ID && entry.Kind == ref.Kind {
			delete(r.scratch, key)
		}
	}
}

func (r *Resolver) exists(ref EntityRef) bool {
	switch ref.Kind {
	case domain.KindOperator:
		_, ok := r.tx.FindOperator(ref.ID)
		return ok
	case domain.KindStop:
		_, ok := r.tx.FindStop(ref.ID)
		return ok
	case domain.KindRoute:
		_, ok := r.tx.FindRoute(ref.ID)
		return ok
	case domain.KindRouteStopPattern:
		_, ok := r.tx.FindRouteStopPattern(ref.ID)
		return ok
	case domain.KindFeed:
		_, ok := r.tx.FindFeed(ref.ID)
		return ok
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
