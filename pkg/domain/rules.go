package domain

import "context"

// RuleView provides read-only access to registry state for rule evaluation.
type RuleView interface {
	FindStop(id string) (Stop, bool)
	FindRoute(id string) (Route, bool)
	FindRouteStopPattern(id string) (RouteStopPattern, bool)
	RouteStopPatternsForStop(stopID string) []RouteStopPattern
}

// DetectionContext scopes a rule evaluation to the entities touched by one
// change operation. Focus lists entities that must be re-examined even when
// they were not mutated (for example the subject of an issue being resolved).
type DetectionContext struct {
	ChangesetID string
	Changes     []Change
	Focus       []EntityRef
}

// Targets returns the de-duplicated set of entities a rule should inspect:
// every changed entity that still exists plus the explicit focus list.
func (c DetectionContext) Targets() []EntityRef {
	seen := make(map[string]struct{}, len(c.Changes)+len(c.Focus))
	out := make([]EntityRef, 0, len(c.Changes)+len(c.Focus))
	add := func(ref EntityRef) {
		key := string(ref.Kind) + ":" + ref.ID
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	for _, change := range c.Changes {
		if change.Action == ActionDelete {
			continue
		}
		add(change.Ref())
	}
	for _, ref := range c.Focus {
		add(ref)
	}
	return out
}

// Finding reports a condition detected by a rule.
type Finding struct {
	Rule      string
	IssueType IssueType
	Severity  Severity
	Entity    EntityRef
	Details   string
}

// Result aggregates findings from the rules engine.
type Result struct {
	Findings []Finding
}

// Merge appends findings from another result.
func (r *Result) Merge(other Result) {
	if len(other.Findings) == 0 {
		return
	}
	r.Findings = append(r.Findings, other.Findings...)
}

// HasBlocking returns true if the result contains blocking findings.
func (r Result) HasBlocking() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Reports returns true when a finding of the given type is attached to entityID.
func (r Result) Reports(entityID string, issueType IssueType) bool {
	for _, f := range r.Findings {
		if f.Entity.ID == entityID && f.IssueType == issueType {
			return true
		}
	}
	return false
}

// Rule defines an evaluation executed within a transaction boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, dctx DetectionContext) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rules in registration order.
func (e *RulesEngine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, dctx DetectionContext) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, dctx)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
