package memory

import (
	"sort"
	"strings"

	"transitreg/pkg/domain"
)

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func listSorted[T any](rows map[string]T, clone func(T) T, less func(a, b T) bool) []T {
	out := make([]T, 0, len(rows))
	for _, v := range rows {
		out = append(out, clone(v))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byOnestopID[T any, P interface {
	*T
	Meta() *domain.Base
}](a, b T) bool {
	return P(&a).Meta().OnestopID < P(&b).Meta().OnestopID
}

// FindOperator retrieves an operator by internal id.
func (v transactionView) FindOperator(id string) (Operator, bool) {
	o, ok := v.state.operators[id]
	if !ok {
		return Operator{}, false
	}
	return cloneOperator(o), true
}

// FindStop retrieves a stop by internal id.
func (v transactionView) FindStop(id string) (Stop, bool) {
	s, ok := v.state.stops[id]
	if !ok {
		return Stop{}, false
	}
	return cloneStop(s), true
}

// FindRoute retrieves a route by internal id.
func (v transactionView) FindRoute(id string) (Route, bool) {
	r, ok := v.state.routes[id]
	if !ok {
		return Route{}, false
	}
	return cloneRoute(r), true
}

// FindRouteStopPattern retrieves a route stop pattern by internal id.
func (v transactionView) FindRouteStopPattern(id string) (RouteStopPattern, bool) {
	p, ok := v.state.patterns[id]
	if !ok {
		return RouteStopPattern{}, false
	}
	return clonePattern(p), true
}

// FindFeed retrieves a feed by internal id.
func (v transactionView) FindFeed(id string) (Feed, bool) {
	f, ok := v.state.feeds[id]
	if !ok {
		return Feed{}, false
	}
	return cloneFeed(f), true
}

// LookupOnestopID resolves a current onestop id first and a retired alias second.
func (v transactionView) LookupOnestopID(kind domain.EntityKind, onestopID string) (domain.EntityRef, bool) {
	id, ok := v.state.onestop[kind][onestopID]
	if !ok {
		id, ok = v.state.aliases[kind][onestopID]
	}
	if !ok {
		return domain.EntityRef{}, false
	}
	base, ok := v.state.base(kind, id)
	if !ok {
		return domain.EntityRef{}, false
	}
	return base.Ref(kind), true
}

func (v transactionView) ListOperators() []Operator {
	return listSorted(v.state.operators, cloneOperator, byOnestopID[Operator])
}

func (v transactionView) ListStops() []Stop {
	return listSorted(v.state.stops, cloneStop, byOnestopID[Stop])
}

func (v transactionView) ListRoutes() []Route {
	return listSorted(v.state.routes, cloneRoute, byOnestopID[Route])
}

func (v transactionView) ListRouteStopPatterns() []RouteStopPattern {
	return listSorted(v.state.patterns, clonePattern, byOnestopID[RouteStopPattern])
}

func (v transactionView) ListFeeds() []Feed {
	return listSorted(v.state.feeds, cloneFeed, byOnestopID[Feed])
}

// RouteStopPatternsForStop returns every pattern whose stop sequence includes stopID.
func (v transactionView) RouteStopPatternsForStop(stopID string) []RouteStopPattern {
	var out []RouteStopPattern
	for _, p := range v.state.patterns {
		if containsString(p.StopIDs, stopID) {
			out = append(out, clonePattern(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OnestopID < out[j].OnestopID })
	return out
}

// ReferencesTo returns the entities holding a foreign key to ref.
func (v transactionView) ReferencesTo(ref domain.EntityRef) []domain.EntityRef {
	return referencesTo(v.state, ref)
}

func referencesTo(state *memoryState, ref domain.EntityRef) []domain.EntityRef {
	var out []domain.EntityRef
	switch ref.Kind {
	case domain.KindOperator:
		for _, r := range state.routes {
			if r.OperatorID == ref.ID {
				out = append(out, r.Ref(domain.KindRoute))
			}
		}
		for _, f := range state.feeds {
			if containsString(f.OperatorIDs, ref.ID) {
				out = append(out, f.Ref(domain.KindFeed))
			}
		}
	case domain.KindStop:
		for _, r := range state.routes {
			if containsString(r.ServedStopIDs, ref.ID) {
				out = append(out, r.Ref(domain.KindRoute))
			}
		}
		for _, p := range state.patterns {
			if containsString(p.StopIDs, ref.ID) {
				out = append(out, p.Ref(domain.KindRouteStopPattern))
			}
		}
	case domain.KindRoute:
		for _, p := range state.patterns {
			if p.RouteID == ref.ID {
				out = append(out, p.Ref(domain.KindRouteStopPattern))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].OnestopID < out[j].OnestopID
	})
	return out
}

func (v transactionView) FindIssue(id string) (Issue, bool) {
	i, ok := v.state.issues[id]
	if !ok {
		return Issue{}, false
	}
	return cloneIssue(i), true
}

// ListIssues returns every issue ordered by creation time.
func (v transactionView) ListIssues() []Issue {
	return listSorted(v.state.issues, cloneIssue, func(a, b Issue) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// FindOpenIssue returns the open issue of issueType attached to entityID.
func (v transactionView) FindOpenIssue(entityID string, issueType domain.IssueType) (Issue, bool) {
	for _, i := range v.state.issues {
		if i.Open && i.EntityID == entityID && i.IssueType == issueType {
			return cloneIssue(i), true
		}
	}
	return Issue{}, false
}

func (v transactionView) FindUser(id string) (User, bool) {
	u, ok := v.state.users[id]
	return u, ok
}

// FindUserByEmail matches emails case-insensitively.
func (v transactionView) FindUserByEmail(email string) (User, bool) {
	needle := strings.ToLower(strings.TrimSpace(email))
	for _, u := range v.state.users {
		if strings.ToLower(u.Email) == needle {
			return u, true
		}
	}
	return User{}, false
}

// FindChangeset retrieves a changeset with its payload ids in position order.
func (v transactionView) FindChangeset(id string) (Changeset, bool) {
	c, ok := v.state.changesets[id]
	if !ok {
		return Changeset{}, false
	}
	return decorateChangeset(v.state, cloneChangeset(c)), true
}

// ListChangesets returns every changeset ordered by creation time.
func (v transactionView) ListChangesets() []Changeset {
	out := listSorted(v.state.changesets, cloneChangeset, func(a, b Changeset) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for i := range out {
		out[i] = decorateChangeset(v.state, out[i])
	}
	return out
}

// ListChangePayloads returns the payloads of a changeset in position order.
func (v transactionView) ListChangePayloads(changesetID string) []ChangePayload {
	var out []ChangePayload
	for _, p := range v.state.payloads {
		if p.ChangesetID == changesetID {
			out = append(out, clonePayload(p))
		}
	}
	sortPayloads(out)
	return out
}
