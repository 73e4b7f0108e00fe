package core

import (
	"context"
	"errors"
	"fmt"

	"transitreg/pkg/domain"
)

// NewDefaultRulesEngine registers the built-in issue detector rules.
func NewDefaultRulesEngine(stopDistanceThreshold float64) *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(StopRSPDistanceGapRule(stopDistanceThreshold))
	engine.Register(RSPLineInaccurateRule())
	return engine
}

// detection is the outcome of one detector pass.
type detection struct {
	opened   []Issue
	resolved []Issue
	rejected []Issue
	blocking []Finding
}

// detector evaluates rules after each operation and keeps issue records in
// step with the findings.
type detector struct {
	rules  *RulesEngine
	logger Logger
}

// run evaluates the rules against the entities touched by changes plus the
// subjects of the issues the operation claims to resolve. New warnings open
// an issue unless one is already open for the same entity and type. A
// claimed resolution closes the issue only when the rules no longer report
// its condition.
func (d detector) run(ctx context.Context, tx Transaction, changesetID string, changes []domain.Change, resolving []Issue) (detection, error) {
	var out detection
	focus := make([]EntityRef, 0, len(resolving))
	for _, issue := range resolving {
		focus = append(focus, issue.Ref())
	}
	dctx := domain.DetectionContext{ChangesetID: changesetID, Changes: changes, Focus: focus}
	if len(dctx.Targets()) == 0 {
		return out, nil
	}
	d.logger.Debug("calculating distances", "changeset_id", changesetID, "targets", len(dctx.Targets()))
	res, err := d.rules.Evaluate(ctx, tx, dctx)
	if err != nil {
		return out, fmt.Errorf("evaluate rules: %w", err)
	}

	for _, f := range res.Findings {
		switch f.Severity {
		case domain.SeverityBlock:
			out.blocking = append(out.blocking, f)
			continue
		case domain.SeverityLog:
			d.logger.Info("rule finding", "rule", f.Rule, "entity", f.Entity.OnestopID, "details", f.Details)
			continue
		}
		if _, open := tx.FindOpenIssue(f.Entity.ID, f.IssueType); open {
			continue
		}
		issue, err := tx.CreateIssue(Issue{
			IssueType:            f.IssueType,
			EntityKind:           f.Entity.Kind,
			EntityID:             f.Entity.ID,
			OnestopID:            f.Entity.OnestopID,
			Open:                 true,
			CreatedByChangesetID: changesetID,
			Details:              f.Details,
		})
		if err != nil {
			return out, fmt.Errorf("open issue: %w", err)
		}
		d.logger.Info("opened issue", "issue_id", issue.ID, "issue_type", string(issue.IssueType), "onestop_id", issue.OnestopID)
		out.opened = append(out.opened, issue)
	}

	for _, issue := range resolving {
		if current, ok := tx.FindIssue(issue.ID); ok && !current.Open {
			// closed by the operation itself, e.g. a destroy
			continue
		}
		if res.Reports(issue.EntityID, issue.IssueType) {
			d.logger.Info("issue resolution rejected", "issue_id", issue.ID, "changeset_id", changesetID)
			out.rejected = append(out.rejected, issue)
			continue
		}
		closed, err := closeIssue(tx, issue.ID, changesetID)
		if err != nil {
			return out, err
		}
		d.logger.Info("deprecating issue", "issue_id", closed.ID, "resolved_by_changeset_id", changesetID, "open", closed.Open)
		out.resolved = append(out.resolved, closed)
	}
	return out, nil
}

func closeIssue(tx Transaction, issueID, changesetID string) (Issue, error) {
	issue, err := tx.UpdateIssue(issueID, func(i *Issue) error {
		i.Open = false
		resolvedBy := changesetID
		i.ResolvedByChangesetID = &resolvedBy
		return nil
	})
	if err != nil {
		return Issue{}, fmt.Errorf("close issue %s: %w", issueID, err)
	}
	return issue, nil
}

// claimedIssues loads the open issues an operation lists in issuesResolved.
func claimedIssues(tx Transaction, ids []string) ([]Issue, error) {
	out := make([]Issue, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		issue, ok := tx.FindIssue(id)
		if !ok {
			return nil, domain.ErrNotFound{Kind: "issue", ID: id}
		}
		if !issue.Open {
			return nil, errors.New("issue " + id + " is already resolved")
		}
		out = append(out, issue)
	}
	return out, nil
}
