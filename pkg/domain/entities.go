// Package domain defines the registry entities, changeset aggregates, issue
// records and rule evaluation primitives used by transitreg.
package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// EntityKind identifies the type of transit record addressed by a change operation.
type EntityKind string

// Supported entity kinds. The string values match the keys used in change payload documents.
const (
	// KindOperator identifies a transit operator (agency).
	KindOperator EntityKind = "operator"
	// KindStop identifies a stop or station.
	KindStop EntityKind = "stop"
	// KindRoute identifies a route operated by an operator.
	KindRoute EntityKind = "route"
	// KindRouteStopPattern identifies an ordered stop pattern with its path geometry.
	KindRouteStopPattern EntityKind = "routeStopPattern"
	// KindFeed identifies a published GTFS feed.
	KindFeed EntityKind = "feed"
)

// EntityKinds lists every supported kind in a stable order.
var EntityKinds = []EntityKind{KindOperator, KindStop, KindRoute, KindRouteStopPattern, KindFeed}

// Valid reports whether k is a supported entity kind.
func (k EntityKind) Valid() bool {
	for _, kind := range EntityKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Base contains common fields for all registry entities.
type Base struct {
	ID            string    `json:"id"`
	OnestopID     string    `json:"onestop_id"`
	OldOnestopIDs []string  `json:"old_onestop_ids,omitempty"`
	ChangesetID   string    `json:"changeset_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Meta exposes the embedded Base so stores can handle every entity kind generically.
func (b *Base) Meta() *Base { return b }

// Ref returns a reference to the entity carrying b.
func (b Base) Ref(kind EntityKind) EntityRef {
	return EntityRef{Kind: kind, ID: b.ID, OnestopID: b.OnestopID}
}

// Operator is a transit agency.
type Operator struct {
	Base
	Name      string            `json:"name"`
	ShortName string            `json:"short_name,omitempty"`
	Website   string            `json:"website,omitempty"`
	Country   string            `json:"country,omitempty"`
	State     string            `json:"state,omitempty"`
	Metro     string            `json:"metro,omitempty"`
	Timezone  string            `json:"timezone,omitempty"`
	Geometry  *orb.Point        `json:"geometry,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Stop is a boarding location. Geometry is stored as [lon, lat].
type Stop struct {
	Base
	Name     string            `json:"name"`
	Timezone string            `json:"timezone"`
	Geometry orb.Point         `json:"geometry"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Route groups trips operated under a single public name.
type Route struct {
	Base
	Name          string            `json:"name"`
	VehicleType   string            `json:"vehicle_type,omitempty"`
	Color         string            `json:"color,omitempty"`
	OperatorID    string            `json:"operator_id,omitempty"`
	ServedStopIDs []string          `json:"served_stop_ids,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// RouteStopPattern is an ordered sequence of stops traversed by a route
// together with the path geometry vehicles follow between them.
type RouteStopPattern struct {
	Base
	RouteID  string            `json:"route_id"`
	StopIDs  []string          `json:"stop_ids"`
	Geometry orb.LineString    `json:"geometry"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Feed describes a published schedule feed.
type Feed struct {
	Base
	URL         string            `json:"url"`
	FeedFormat  string            `json:"feed_format,omitempty"`
	License     string            `json:"license,omitempty"`
	OperatorIDs []string          `json:"operator_ids,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// EntityRef addresses a single entity by kind and internal id. OnestopID is
// informational and reflects the identifier at the time the ref was taken.
type EntityRef struct {
	Kind      EntityKind `json:"kind"`
	ID        string     `json:"id"`
	OnestopID string     `json:"onestop_id"`
}

// User authors changesets. Email is the natural key and is stored lower-cased.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Changeset is the unit of atomicity: an ordered set of change payloads that
// is checked and applied as a whole.
type Changeset struct {
	ID         string     `json:"id"`
	UserID     *string    `json:"user_id,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Applied    bool       `json:"applied"`
	AppliedAt  *time.Time `json:"applied_at"`
	PayloadIDs []string   `json:"change_payloads"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ChangePayload is one named batch of operations owned by a changeset.
type ChangePayload struct {
	ID          string          `json:"id"`
	ChangesetID string          `json:"changeset_id"`
	Position    int             `json:"position"`
	Document    PayloadDocument `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IssueType names the condition an issue reports.
type IssueType string

// Issue types raised by the built-in detector rules.
const (
	IssueStopRSPDistanceGap IssueType = "stop_rsp_distance_gap"
	IssueRSPLineInaccurate  IssueType = "rsp_line_inaccurate"
)

// Issue is an advisory finding attached to an entity by automated checks.
type Issue struct {
	ID                    string     `json:"id"`
	IssueType             IssueType  `json:"issue_type"`
	EntityKind            EntityKind `json:"entity_type"`
	EntityID              string     `json:"entity_id"`
	OnestopID             string     `json:"onestop_id"`
	Open                  bool       `json:"open"`
	CreatedByChangesetID  string     `json:"created_by_changeset_id,omitempty"`
	ResolvedByChangesetID *string    `json:"resolved_by_changeset_id"`
	Details               string     `json:"details"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Ref returns the entity the issue is attached to.
func (i Issue) Ref() EntityRef {
	return EntityRef{Kind: i.EntityKind, ID: i.EntityID, OnestopID: i.OnestopID}
}

// Severity captures rule outcomes.
type Severity string

// Finding severities determine whether the enclosing changeset may commit.
const (
	// SeverityBlock turns the finding into a changeset error.
	SeverityBlock Severity = "block"
	// SeverityWarn opens an advisory issue but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Kind     EntityKind
	Action   Action
	EntityID string
	Before   any
	After    any
}

// Ref returns the entity addressed by the change.
func (c Change) Ref() EntityRef {
	ref := EntityRef{Kind: c.Kind, ID: c.EntityID}
	switch v := c.After.(type) {
	case Operator:
		ref.OnestopID = v.OnestopID
	case Stop:
		ref.OnestopID = v.OnestopID
	case Route:
		ref.OnestopID = v.OnestopID
	case RouteStopPattern:
		ref.OnestopID = v.OnestopID
	case Feed:
		ref.OnestopID = v.OnestopID
	}
	return ref
}

// Action indicates the type of modification performed.
type Action string

// Change actions recorded by transactions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionRename records an onestop id rewrite without attribute changes.
	ActionRename Action = "rename"
)
