package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"transitreg/pkg/domain"

	"github.com/paulmach/orb"
)

// Snapshot bucket names. They double as table keys for the durable backends.
const (
	BucketOperators         = "operators"
	BucketStops             = "stops"
	BucketRoutes            = "routes"
	BucketRouteStopPatterns = "route_stop_patterns"
	BucketFeeds             = "feeds"
	BucketIssues            = "issues"
	BucketUsers             = "users"
	BucketChangesets        = "changesets"
	BucketChangePayloads    = "change_payloads"
)

// Buckets lists every snapshot bucket in a stable order.
var Buckets = []string{
	BucketOperators,
	BucketStops,
	BucketRoutes,
	BucketRouteStopPatterns,
	BucketFeeds,
	BucketIssues,
	BucketUsers,
	BucketChangesets,
	BucketChangePayloads,
}

var entityBuckets = map[domain.EntityKind]string{
	domain.KindOperator:         BucketOperators,
	domain.KindStop:             BucketStops,
	domain.KindRoute:            BucketRoutes,
	domain.KindRouteStopPattern: BucketRouteStopPatterns,
	domain.KindFeed:             BucketFeeds,
}

type memoryState struct {
	operators  map[string]Operator
	stops      map[string]Stop
	routes     map[string]Route
	patterns   map[string]RouteStopPattern
	feeds      map[string]Feed
	issues     map[string]Issue
	users      map[string]User
	changesets map[string]Changeset
	payloads   map[string]ChangePayload

	// onestop maps kind -> current onestop id -> internal id. aliases holds
	// retired onestop ids the same way.
	onestop map[domain.EntityKind]map[string]string
	aliases map[domain.EntityKind]map[string]string
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Operators         map[string]Operator         `json:"operators"`
	Stops             map[string]Stop             `json:"stops"`
	Routes            map[string]Route            `json:"routes"`
	RouteStopPatterns map[string]RouteStopPattern `json:"route_stop_patterns"`
	Feeds             map[string]Feed             `json:"feeds"`
	Issues            map[string]Issue            `json:"issues"`
	Users             map[string]User             `json:"users"`
	Changesets        map[string]Changeset        `json:"changesets"`
	ChangePayloads    map[string]ChangePayload    `json:"change_payloads"`
}

// Bucket returns a pointer to the map backing the named bucket, for codecs
// that persist buckets independently.
func (s *Snapshot) Bucket(name string) (any, bool) {
	switch name {
	case BucketOperators:
		return &s.Operators, true
	case BucketStops:
		return &s.Stops, true
	case BucketRoutes:
		return &s.Routes, true
	case BucketRouteStopPatterns:
		return &s.RouteStopPatterns, true
	case BucketFeeds:
		return &s.Feeds, true
	case BucketIssues:
		return &s.Issues, true
	case BucketUsers:
		return &s.Users, true
	case BucketChangesets:
		return &s.Changesets, true
	case BucketChangePayloads:
		return &s.ChangePayloads, true
	default:
		return nil, false
	}
}

// MarshalBucket encodes a single bucket as JSON.
func (s *Snapshot) MarshalBucket(name string) ([]byte, error) {
	target, ok := s.Bucket(name)
	if !ok {
		return nil, fmt.Errorf("unknown snapshot bucket %q", name)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return data, nil
}

// UnmarshalBucket decodes a JSON bucket into s. Unknown buckets are ignored so
// older tables can carry retired data.
func (s *Snapshot) UnmarshalBucket(name string, data []byte) error {
	target, ok := s.Bucket(name)
	if !ok || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func newMemoryState() memoryState {
	state := memoryState{
		operators:  make(map[string]Operator),
		stops:      make(map[string]Stop),
		routes:     make(map[string]Route),
		patterns:   make(map[string]RouteStopPattern),
		feeds:      make(map[string]Feed),
		issues:     make(map[string]Issue),
		users:      make(map[string]User),
		changesets: make(map[string]Changeset),
		payloads:   make(map[string]ChangePayload),
		onestop:    make(map[domain.EntityKind]map[string]string, len(domain.EntityKinds)),
		aliases:    make(map[domain.EntityKind]map[string]string, len(domain.EntityKinds)),
	}
	for _, kind := range domain.EntityKinds {
		state.onestop[kind] = make(map[string]string)
		state.aliases[kind] = make(map[string]string)
	}
	return state
}

func cloneMap[T any](src map[string]T, clone func(T) T) map[string]T {
	out := make(map[string]T, len(src))
	for k, v := range src {
		out[k] = clone(v)
	}
	return out
}

func cloneIndex(src map[domain.EntityKind]map[string]string) map[domain.EntityKind]map[string]string {
	out := make(map[domain.EntityKind]map[string]string, len(src))
	for kind, ids := range src {
		inner := make(map[string]string, len(ids))
		for k, v := range ids {
			inner[k] = v
		}
		out[kind] = inner
	}
	return out
}

func (s memoryState) clone() memoryState {
	return memoryState{
		operators:  cloneMap(s.operators, cloneOperator),
		stops:      cloneMap(s.stops, cloneStop),
		routes:     cloneMap(s.routes, cloneRoute),
		patterns:   cloneMap(s.patterns, clonePattern),
		feeds:      cloneMap(s.feeds, cloneFeed),
		issues:     cloneMap(s.issues, cloneIssue),
		users:      cloneMap(s.users, cloneUser),
		changesets: cloneMap(s.changesets, cloneChangeset),
		payloads:   cloneMap(s.payloads, clonePayload),
		onestop:    cloneIndex(s.onestop),
		aliases:    cloneIndex(s.aliases),
	}
}

// snapshotFromMemoryState exposes state as a Snapshot without copying. Callers
// that hand the result outside the store must clone first.
func snapshotFromMemoryState(state memoryState) Snapshot {
	return Snapshot{
		Operators:         state.operators,
		Stops:             state.stops,
		Routes:            state.routes,
		RouteStopPatterns: state.patterns,
		Feeds:             state.feeds,
		Issues:            state.issues,
		Users:             state.users,
		Changesets:        state.changesets,
		ChangePayloads:    state.payloads,
	}
}

func memoryStateFromSnapshot(s Snapshot) (memoryState, error) {
	state := newMemoryState()
	state.operators = cloneMap(s.Operators, cloneOperator)
	state.stops = cloneMap(s.Stops, cloneStop)
	state.routes = cloneMap(s.Routes, cloneRoute)
	state.patterns = cloneMap(s.RouteStopPatterns, clonePattern)
	state.feeds = cloneMap(s.Feeds, cloneFeed)
	state.issues = cloneMap(s.Issues, cloneIssue)
	state.users = cloneMap(s.Users, cloneUser)
	state.changesets = cloneMap(s.Changesets, cloneChangeset)
	state.payloads = cloneMap(s.ChangePayloads, clonePayload)
	if err := state.reindex(); err != nil {
		return memoryState{}, err
	}
	return state, nil
}

// migrateSnapshot initialises nil buckets and drops dangling references left
// behind by older snapshots.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	migrated := snapshot
	if migrated.Operators == nil {
		migrated.Operators = map[string]Operator{}
	}
	if migrated.Stops == nil {
		migrated.Stops = map[string]Stop{}
	}
	if migrated.Routes == nil {
		migrated.Routes = map[string]Route{}
	}
	if migrated.RouteStopPatterns == nil {
		migrated.RouteStopPatterns = map[string]RouteStopPattern{}
	}
	if migrated.Feeds == nil {
		migrated.Feeds = map[string]Feed{}
	}
	if migrated.Issues == nil {
		migrated.Issues = map[string]Issue{}
	}
	if migrated.Users == nil {
		migrated.Users = map[string]User{}
	}
	if migrated.Changesets == nil {
		migrated.Changesets = map[string]Changeset{}
	}
	if migrated.ChangePayloads == nil {
		migrated.ChangePayloads = map[string]ChangePayload{}
	}

	operatorExists := func(id string) bool { _, ok := migrated.Operators[id]; return ok }
	stopExists := func(id string) bool { _, ok := migrated.Stops[id]; return ok }

	routes := make(map[string]Route, len(migrated.Routes))
	for id, route := range migrated.Routes {
		if route.OperatorID != "" && !operatorExists(route.OperatorID) {
			route.OperatorID = ""
		}
		if filtered, changed := filterIDs(route.ServedStopIDs, stopExists); changed {
			route.ServedStopIDs = filtered
		}
		routes[id] = route
	}
	migrated.Routes = routes

	patterns := make(map[string]RouteStopPattern, len(migrated.RouteStopPatterns))
	for id, pattern := range migrated.RouteStopPatterns {
		if _, ok := migrated.Routes[pattern.RouteID]; !ok {
			continue
		}
		patterns[id] = pattern
	}
	migrated.RouteStopPatterns = patterns

	feeds := make(map[string]Feed, len(migrated.Feeds))
	for id, feed := range migrated.Feeds {
		if filtered, changed := filterIDs(feed.OperatorIDs, operatorExists); changed {
			feed.OperatorIDs = filtered
		}
		feeds[id] = feed
	}
	migrated.Feeds = feeds

	payloads := make(map[string]ChangePayload, len(migrated.ChangePayloads))
	for id, payload := range migrated.ChangePayloads {
		if _, ok := migrated.Changesets[payload.ChangesetID]; !ok {
			continue
		}
		payloads[id] = payload
	}
	migrated.ChangePayloads = payloads
	return migrated
}

// reindex rebuilds the onestop id and alias indexes. Duplicate current onestop
// ids or user emails fail with domain.ErrConflict.
func (s *memoryState) reindex() error {
	onestop := make(map[domain.EntityKind]map[string]string, len(domain.EntityKinds))
	aliases := make(map[domain.EntityKind]map[string]string, len(domain.EntityKinds))
	for _, kind := range domain.EntityKinds {
		onestop[kind] = make(map[string]string)
		aliases[kind] = make(map[string]string)
	}
	var bases []struct {
		kind domain.EntityKind
		base domain.Base
	}
	collect := func(kind domain.EntityKind, b domain.Base) {
		bases = append(bases, struct {
			kind domain.EntityKind
			base domain.Base
		}{kind, b})
	}
	for _, v := range s.operators {
		collect(domain.KindOperator, v.Base)
	}
	for _, v := range s.stops {
		collect(domain.KindStop, v.Base)
	}
	for _, v := range s.routes {
		collect(domain.KindRoute, v.Base)
	}
	for _, v := range s.patterns {
		collect(domain.KindRouteStopPattern, v.Base)
	}
	for _, v := range s.feeds {
		collect(domain.KindFeed, v.Base)
	}
	for _, entry := range bases {
		if entry.base.OnestopID == "" {
			continue
		}
		if other, exists := onestop[entry.kind][entry.base.OnestopID]; exists && other != entry.base.ID {
			return fmt.Errorf("%w: %s %s", domain.ErrConflict, entry.kind, entry.base.OnestopID)
		}
		onestop[entry.kind][entry.base.OnestopID] = entry.base.ID
	}
	for _, entry := range bases {
		for _, old := range entry.base.OldOnestopIDs {
			if _, taken := onestop[entry.kind][old]; taken {
				continue
			}
			aliases[entry.kind][old] = entry.base.ID
		}
	}
	emails := make(map[string]string, len(s.users))
	for _, user := range s.users {
		key := strings.ToLower(user.Email)
		if other, exists := emails[key]; exists && other != user.ID {
			return fmt.Errorf("%w: user email %s", domain.ErrConflict, user.Email)
		}
		emails[key] = user.ID
	}
	s.onestop = onestop
	s.aliases = aliases
	return nil
}

// merge copies the record named by key from src into s, deleting it when src
// no longer holds it.
func (s *memoryState) merge(src *memoryState, key recordKey) {
	switch key.bucket {
	case BucketOperators:
		mergeRecord(s.operators, src.operators, key.id)
	case BucketStops:
		mergeRecord(s.stops, src.stops, key.id)
	case BucketRoutes:
		mergeRecord(s.routes, src.routes, key.id)
	case BucketRouteStopPatterns:
		mergeRecord(s.patterns, src.patterns, key.id)
	case BucketFeeds:
		mergeRecord(s.feeds, src.feeds, key.id)
	case BucketIssues:
		mergeRecord(s.issues, src.issues, key.id)
	case BucketUsers:
		mergeRecord(s.users, src.users, key.id)
	case BucketChangesets:
		mergeRecord(s.changesets, src.changesets, key.id)
	case BucketChangePayloads:
		mergeRecord(s.payloads, src.payloads, key.id)
	}
}

func mergeRecord[T any](dst, src map[string]T, id string) {
	if v, ok := src[id]; ok {
		dst[id] = v
		return
	}
	delete(dst, id)
}

func (s *memoryState) base(kind domain.EntityKind, id string) (domain.Base, bool) {
	switch kind {
	case domain.KindOperator:
		v, ok := s.operators[id]
		return v.Base, ok
	case domain.KindStop:
		v, ok := s.stops[id]
		return v.Base, ok
	case domain.KindRoute:
		v, ok := s.routes[id]
		return v.Base, ok
	case domain.KindRouteStopPattern:
		v, ok := s.patterns[id]
		return v.Base, ok
	case domain.KindFeed:
		v, ok := s.feeds[id]
		return v.Base, ok
	default:
		return domain.Base{}, false
	}
}

func (s *memoryState) indexEntity(kind domain.EntityKind, b domain.Base) {
	s.onestop[kind][b.OnestopID] = b.ID
	for _, old := range b.OldOnestopIDs {
		if _, taken := s.onestop[kind][old]; !taken {
			s.aliases[kind][old] = b.ID
		}
	}
	delete(s.aliases[kind], b.OnestopID)
}

func (s *memoryState) unindexEntity(kind domain.EntityKind, b domain.Base) {
	if s.onestop[kind][b.OnestopID] == b.ID {
		delete(s.onestop[kind], b.OnestopID)
	}
	for _, old := range b.OldOnestopIDs {
		if s.aliases[kind][old] == b.ID {
			delete(s.aliases[kind], old)
		}
	}
}

// onestopTaken reports whether onestopID names an entity other than selfID,
// either as its current id or as a retired alias.
func (s *memoryState) onestopTaken(kind domain.EntityKind, onestopID, selfID string) bool {
	if id, ok := s.onestop[kind][onestopID]; ok && id != selfID {
		return true
	}
	if id, ok := s.aliases[kind][onestopID]; ok && id != selfID {
		return true
	}
	return false
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func cloneTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func cloneBase(b domain.Base) domain.Base {
	b.OldOnestopIDs = cloneStrings(b.OldOnestopIDs)
	return b
}

func cloneOperator(o Operator) Operator {
	o.Base = cloneBase(o.Base)
	o.Tags = cloneTags(o.Tags)
	if o.Geometry != nil {
		p := *o.Geometry
		o.Geometry = &p
	}
	return o
}

func cloneStop(s Stop) Stop {
	s.Base = cloneBase(s.Base)
	s.Tags = cloneTags(s.Tags)
	return s
}

func cloneRoute(r Route) Route {
	r.Base = cloneBase(r.Base)
	r.ServedStopIDs = cloneStrings(r.ServedStopIDs)
	r.Tags = cloneTags(r.Tags)
	return r
}

func clonePattern(p RouteStopPattern) RouteStopPattern {
	p.Base = cloneBase(p.Base)
	p.StopIDs = cloneStrings(p.StopIDs)
	if p.Geometry != nil {
		p.Geometry = append(orb.LineString(nil), p.Geometry...)
	}
	p.Tags = cloneTags(p.Tags)
	return p
}

func cloneFeed(f Feed) Feed {
	f.Base = cloneBase(f.Base)
	f.OperatorIDs = cloneStrings(f.OperatorIDs)
	f.Tags = cloneTags(f.Tags)
	return f
}

func cloneIssue(i Issue) Issue {
	if i.ResolvedByChangesetID != nil {
		v := *i.ResolvedByChangesetID
		i.ResolvedByChangesetID = &v
	}
	return i
}

func cloneUser(u User) User { return u }

func cloneChangeset(c Changeset) Changeset {
	if c.UserID != nil {
		v := *c.UserID
		c.UserID = &v
	}
	if c.AppliedAt != nil {
		v := *c.AppliedAt
		c.AppliedAt = &v
	}
	c.PayloadIDs = cloneStrings(c.PayloadIDs)
	return c
}

// clonePayload is shallow: payload documents are immutable.
func clonePayload(p ChangePayload) ChangePayload { return p }

func containsString(values []string, id string) bool {
	for _, existing := range values {
		if existing == id {
			return true
		}
	}
	return false
}

func filterIDs(values []string, exists func(string) bool) ([]string, bool) {
	if len(values) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(values))
	changed := false
	for _, v := range values {
		if !exists(v) {
			changed = true
			continue
		}
		out = append(out, v)
	}
	if !changed {
		return values, false
	}
	return out, true
}

// changesetPayloadIDs returns the payload ids of a changeset in position order.
func changesetPayloadIDs(state *memoryState, changesetID string) []string {
	payloads := make([]ChangePayload, 0)
	for _, p := range state.payloads {
		if p.ChangesetID == changesetID {
			payloads = append(payloads, p)
		}
	}
	sortPayloads(payloads)
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		ids = append(ids, p.ID)
	}
	return ids
}

func decorateChangeset(state *memoryState, c Changeset) Changeset {
	c.PayloadIDs = changesetPayloadIDs(state, c.ID)
	return c
}

func sortPayloads(payloads []ChangePayload) {
	sort.Slice(payloads, func(i, j int) bool {
		if payloads[i].Position != payloads[j].Position {
			return payloads[i].Position < payloads[j].Position
		}
		return payloads[i].ID < payloads[j].ID
	})
}
