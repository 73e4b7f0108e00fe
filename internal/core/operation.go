package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Action is the verb of a change operation.
type Action string

const (
	ActionCreateUpdate    Action = "createUpdate"
	ActionDestroy         Action = "destroy"
	ActionChangeOnestopID Action = "changeOnestopID"
)

func (a Action) valid() bool {
	switch a {
	case ActionCreateUpdate, ActionDestroy, ActionChangeOnestopID:
		return true
	}
	return false
}

// Operation is one decoded entry of a change payload's "changes" list.
// Fields holds the kind-specific body: *OperatorFields, *StopFields,
// *RouteFields, *RouteStopPatternFields or *FeedFields.
type Operation struct {
	PayloadID      string
	Index          int
	Action         Action
	Kind           EntityKind
	IssuesResolved []string
	Fields         EntityFields
}

// EntityFields is the tagged union of kind-specific operation bodies.
type EntityFields interface {
	Kind() EntityKind
	IDs() Identity
	// attributes reports whether any attribute beyond the identity is set.
	attributes() bool
}

// Identity carries the identifiers every operation body may supply.
type Identity struct {
	OnestopID     string `json:"onestopId" validate:"omitempty,onestopid"`
	ProvisionalID string `json:"provisionalId,omitempty" validate:"omitempty,max=128"`
	NewOnestopID  string `json:"newOnestopId,omitempty" validate:"omitempty,onestopid"`
}

// IDs returns the identifiers of the operation body.
func (i Identity) IDs() Identity { return i }

// Ref returns the identifier other operations use to address the entity:
// the onestop id when supplied, else the provisional id.
func (i Identity) Ref() string {
	if i.OnestopID != "" {
		return i.OnestopID
	}
	return i.ProvisionalID
}

// OperatorFields is the body of an operator operation.
type OperatorFields struct {
	Identity
	Name      *string           `json:"name" validate:"omitempty,min=1,max=256"`
	ShortName *string           `json:"shortName" validate:"omitempty,max=64"`
	Website   *string           `json:"website" validate:"omitempty,url"`
	Country   *string           `json:"country" validate:"omitempty,max=64"`
	State     *string           `json:"state" validate:"omitempty,max=64"`
	Metro     *string           `json:"metro" validate:"omitempty,max=128"`
	Timezone  *string           `json:"timezone" validate:"omitempty,timezone"`
	Geometry  *geojson.Geometry `json:"geometry"`
	Tags      map[string]string `json:"tags"`
}

func (*OperatorFields) Kind() EntityKind { return domain.KindOperator }

func (f *OperatorFields) attributes() bool {
	return f.Name != nil || f.ShortName != nil || f.Website != nil || f.Country != nil ||
		f.State != nil || f.Metro != nil || f.Timezone != nil || f.Geometry != nil || f.Tags != nil
}

// StopFields is the body of a stop operation.
type StopFields struct {
	Identity
	Name     *string           `json:"name" validate:"omitempty,min=1,max=256"`
	Timezone *string           `json:"timezone" validate:"omitempty,timezone"`
	Geometry *geojson.Geometry `json:"geometry"`
	Tags     map[string]string `json:"tags"`
}

func (*StopFields) Kind() EntityKind { return domain.KindStop }

func (f *StopFields) attributes() bool {
	return f.Name != nil || f.Timezone != nil || f.Geometry != nil || f.Tags != nil
}

// RouteFields is the body of a route operation. OperatedBy and Serves hold
// onestop or provisional ids.
type RouteFields struct {
	Identity
	Name        *string           `json:"name" validate:"omitempty,min=1,max=256"`
	VehicleType *string           `json:"vehicleType" validate:"omitempty,max=64"`
	Color       *string           `json:"color" validate:"omitempty,hexadecimal,len=6"`
	OperatedBy  *string           `json:"operatedBy" validate:"omitempty,min=1"`
	Serves      []string          `json:"serves" validate:"omitempty,dive,min=1"`
	Tags        map[string]string `json:"tags"`
}

func (*RouteFields) Kind() EntityKind { return domain.KindRoute }

func (f *RouteFields) attributes() bool {
	return f.Name != nil || f.VehicleType != nil || f.Color != nil || f.OperatedBy != nil ||
		f.Serves != nil || f.Tags != nil
}

// RouteStopPatternFields is the body of a route stop pattern operation.
type RouteStopPatternFields struct {
	Identity
	TraversedBy *string           `json:"traversedBy" validate:"omitempty,min=1"`
	StopPattern []string          `json:"stopPattern" validate:"omitempty,min=2,dive,min=1"`
	Geometry    *geojson.Geometry `json:"geometry"`
	Tags        map[string]string `json:"tags"`
}

func (*RouteStopPatternFields) Kind() EntityKind { return domain.KindRouteStopPattern }

func (f *RouteStopPatternFields) attributes() bool {
	return f.TraversedBy != nil || f.StopPattern != nil || f.Geometry != nil || f.Tags != nil
}

// FeedFields is the body of a feed operation.
type FeedFields struct {
	Identity
	URL             *string           `json:"url" validate:"omitempty,url"`
	FeedFormat      *string           `json:"feedFormat" validate:"omitempty,oneof=gtfs gtfs-rt"`
	License         *string           `json:"license" validate:"omitempty,max=256"`
	OperatorsInFeed []string          `json:"operatorsInFeed" validate:"omitempty,dive,min=1"`
	Tags            map[string]string `json:"tags"`
}

func (*FeedFields) Kind() EntityKind { return domain.KindFeed }

func (f *FeedFields) attributes() bool {
	return f.URL != nil || f.FeedFormat != nil || f.License != nil || f.OperatorsInFeed != nil || f.Tags != nil
}

func newFields(kind EntityKind) EntityFields {
	switch kind {
	case domain.KindOperator:
		return &OperatorFields{}
	case domain.KindStop:
		return &StopFields{}
	case domain.KindRoute:
		return &RouteFields{}
	case domain.KindRouteStopPattern:
		return &RouteStopPatternFields{}
	case domain.KindFeed:
		return &FeedFields{}
	}
	return nil
}

// PayloadBody is the decoded shape of a change payload document.
type PayloadBody struct {
	Changes []json.RawMessage `json:"changes"`
}

// ParsePayload decodes a payload document and every operation in it. It is
// used both when a payload is stored and when it is executed.
func ParsePayload(payload ChangePayload) ([]Operation, ChangesetErrors, error) {
	if payload.Document.IsEmpty() {
		return nil, nil, fmt.Errorf("%w: document is empty", domain.ErrInvalidPayload)
	}
	var body PayloadBody
	if err := decodeStrict(payload.Document.Raw(), &body); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if len(body.Changes) == 0 {
		return nil, nil, fmt.Errorf("%w: changes must not be empty", domain.ErrInvalidPayload)
	}
	ops := make([]Operation, 0, len(body.Changes))
	var errs ChangesetErrors
	for i, raw := range body.Changes {
		op, err := decodeOperation(raw)
		op.PayloadID = payload.ID
		op.Index = i
		if err != nil {
			errs = append(errs, operationError(op, err))
			continue
		}
		ops = append(ops, op)
	}
	return ops, errs, nil
}

// ValidatePayloadDocument checks a document before it is stored.
func ValidatePayloadDocument(doc domain.PayloadDocument) error {
	_, errs, err := ParsePayload(ChangePayload{Document: doc})
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidPayload, errs)
	}
	return nil
}

func decodeOperation(raw json.RawMessage) (Operation, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Operation{}, fmt.Errorf("change must be an object: %w", err)
	}
	var op Operation
	var kindKeys []string
	for key, value := range envelope {
		switch key {
		case "action":
			var action string
			if err := json.Unmarshal(value, &action); err != nil {
				return op, fmt.Errorf("action must be a string")
			}
			op.Action = Action(action)
		case "issuesResolved":
			if err := json.Unmarshal(value, &op.IssuesResolved); err != nil {
				return op, fmt.Errorf("issuesResolved must be a list of issue ids")
			}
		default:
			if !EntityKind(key).Valid() {
				return op, fmt.Errorf("unknown field %q", key)
			}
			kindKeys = append(kindKeys, key)
		}
	}
	if !op.Action.valid() {
		return op, fmt.Errorf("unknown action %q", op.Action)
	}
	switch len(kindKeys) {
	case 0:
		return op, errors.New("change must name exactly one entity kind")
	case 1:
	default:
		sort.Strings(kindKeys)
		return op, fmt.Errorf("change names several entity kinds: %v", kindKeys)
	}
	op.Kind = EntityKind(kindKeys[0])
	fields := newFields(op.Kind)
	if err := decodeStrict(envelope[kindKeys[0]], fields); err != nil {
		return op, fmt.Errorf("%s: %w", op.Kind, err)
	}
	op.Fields = fields
	if err := validateOperation(op); err != nil {
		return op, err
	}
	return op, nil
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func operationError(op Operation, err error) ChangesetError {
	ce := ChangesetError{
		PayloadID:  op.PayloadID,
		Index:      op.Index,
		Action:     string(op.Action),
		EntityKind: op.Kind,
		Message:    err.Error(),
	}
	if op.Fields != nil {
		ce.OnestopID = op.Fields.IDs().Ref()
	}
	return ce
}

func pointFromGeoJSON(g *geojson.Geometry) (orb.Point, error) {
	if g == nil || g.Coordinates == nil {
		return orb.Point{}, errors.New("geometry is empty")
	}
	p, ok := g.Coordinates.(orb.Point)
	if !ok {
		return orb.Point{}, fmt.Errorf("geometry must be a Point, got %s", g.Coordinates.GeoJSONType())
	}
	if err := checkLonLat(p); err != nil {
		return orb.Point{}, err
	}
	return p, nil
}

func lineFromGeoJSON(g *geojson.Geometry) (orb.LineString, error) {
	if g == nil || g.Coordinates == nil {
		return nil, errors.New("geometry is empty")
	}
	ls, ok := g.Coordinates.(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("geometry must be a LineString, got %s", g.Coordinates.GeoJSONType())
	}
	for _, p := range ls {
		if err := checkLonLat(p); err != nil {
			return nil, err
		}
	}
	return ls, nil
}

func checkLonLat(p orb.Point) error {
	if p.Lon() < -180 || p.Lon() > 180 || p.Lat() < -90 || p.Lat() > 90 {
		return fmt.Errorf("coordinates %v out of range", [2]float64(p))
	}
	return nil
}
