package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"transitreg/pkg/domain"
	"transitreg/pkg/onestopid"
)

func TestApplyCreatesStop(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	cs := mustCreateChangeset(t, svc, payload(
		createStopChange("s-9q8yt4b-1AvHoS", "1st Ave. & Holloway Street", 10.195312, 43.755225),
	))

	res, err := svc.ApplyChangeset(ctx, cs.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !res.Success || len(res.Errors) != 0 {
		t.Fatalf("expected applied with no errors, got %+v", res)
	}
	stop := mustStop(t, svc, "s-9q8yt4b-1AvHoS")
	if stop.Name != "1st Ave. & Holloway Street" {
		t.Fatalf("unexpected stop name %q", stop.Name)
	}
	if stop.ChangesetID != cs.ID {
		t.Fatalf("expected provenance %s, got %s", cs.ID, stop.ChangesetID)
	}
	applied, err := svc.GetChangeset(ctx, cs.ID)
	if err != nil {
		t.Fatalf("get changeset: %v", err)
	}
	if !applied.Applied || applied.AppliedAt == nil || !applied.AppliedAt.Equal(fixedNow) {
		t.Fatalf("expected applied changeset stamped at %v, got %+v", fixedNow, applied)
	}
}

func TestApplyDestroyMissingStopFails(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	cs := mustCreateChangeset(t, svc, payload(stopChange("destroy", "s-9q8yt4b-1AvHoS", "")))

	res, err := svc.ApplyChangeset(ctx, cs.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one changeset error, got %v", res.Errors)
	}
	if got := HTTPStatus(res.Errors); got != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", got)
	}
	if res.Errors[0].OnestopID != "s-9q8yt4b-1AvHoS" || res.Errors[0].Action != string(ActionDestroy) {
		t.Fatalf("error does not identify the operation: %+v", res.Errors[0])
	}
	current, _ := svc.GetChangeset(ctx, cs.ID)
	if current.Applied {
		t.Fatalf("changeset must stay unapplied")
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	mustApply(t, svc, payload(createStopChange("s-9q9-existing", "Existing", -122.0, 37.0)))

	cs := mustCreateChangeset(t, svc,
		payload(
			createStopChange("s-9q9-first", "First", -122.0, 37.0),
			stopChange("createUpdate", "s-9q9-existing", `"name":"Renamed"`),
		),
		payload(
			stopChange("destroy", "s-9q9-missing", ""),
			stopChange("createUpdate", "s-9q9-notimezone", `"name":"No tz","geometry":`+pointJSON(-122, 37)),
		),
	)
	res, err := svc.ApplyChangeset(ctx, cs.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if len(res.Errors) != 2 {
		t.Fatalf("expected both failing operations reported, got %v", res.Errors)
	}
	if res.Errors[0].Index != 0 || res.Errors[1].Index != 1 || res.Errors[0].PayloadID != cs.PayloadIDs[1] {
		t.Fatalf("errors not tagged with their operations: %+v", res.Errors)
	}
	if _, err := svc.ResolveEntity(ctx, domain.KindStop, "s-9q9-first"); err == nil {
		t.Fatalf("created stop must not be visible after a failed apply")
	}
	if stop := mustStop(t, svc, "s-9q9-existing"); stop.Name != "Existing" {
		t.Fatalf("update leaked from failed apply: %q", stop.Name)
	}
	current, _ := svc.GetChangeset(ctx, cs.ID)
	if current.Applied {
		t.Fatalf("changeset must stay unapplied")
	}
}

func TestCheckNeverMutates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	mustApply(t, svc, payload(createStopChange("s-9q9-existing", "Existing", -122.0, 37.0)))

	cases := []struct {
		name     string
		doc      []byte
		succeeds bool
	}{
		{"passing", payload(stopChange("createUpdate", "s-9q9-existing", `"name":"Trial name"`)), true},
		{"failing", payload(
			stopChange("createUpdate", "s-9q9-existing", `"name":"Trial name"`),
			stopChange("destroy", "s-9q9-missing", ""),
		), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cs := mustCreateChangeset(t, svc, tc.doc)
			res, err := svc.CheckChangeset(ctx, cs.ID)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if res.TrialSucceeds != tc.succeeds {
				t.Fatalf("expected trialSucceeds=%v, got %+v", tc.succeeds, res)
			}
			if stop := mustStop(t, svc, "s-9q9-existing"); stop.Name != "Existing" {
				t.Fatalf("check mutated the store: %q", stop.Name)
			}
			current, _ := svc.GetChangeset(ctx, cs.ID)
			if current.Applied {
				t.Fatalf("check must not apply")
			}
		})
	}
}

func TestCheckReportsWouldBeIssuesWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	cs := mustCreateChangeset(t, svc, gapNetwork())

	res, err := svc.CheckChangeset(ctx, cs.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.TrialSucceeds {
		t.Fatalf("expected trial success, got %v", res.Errors)
	}
	if len(res.Issues) != 1 || res.Issues[0].IssueType != domain.IssueStopRSPDistanceGap || res.Issues[0].OnestopID != "s-9q9-far" {
		t.Fatalf("expected one would-be gap issue on s-9q9-far, got %+v", res.Issues)
	}
	if issues := openIssues(t, svc); len(issues) != 0 {
		t.Fatalf("trial persisted issues: %+v", issues)
	}
}

func TestForwardReferencesWithinChangeset(t *testing.T) {
	svc := newTestService(t)
	_, res := mustApply(t, svc, payload(
		`{"action":"createUpdate","operator":{"provisionalId":"op","name":"Bay Shuttle","geometry":`+pointJSON(-122.4, 37.77)+`}}`,
		`{"action":"createUpdate","stop":{"provisionalId":"a","name":"Market & 4th","timezone":"America/Los_Angeles","geometry":`+pointJSON(-122.4, 37.77)+`}}`,
		`{"action":"createUpdate","stop":{"provisionalId":"b","name":"Market & 5th","timezone":"America/Los_Angeles","geometry":`+pointJSON(-122.401, 37.771)+`}}`,
		`{"action":"createUpdate","route":{"provisionalId":"r","name":"Shuttle","operatedBy":"op","serves":["a","b"]}}`,
		`{"action":"createUpdate","routeStopPattern":{"traversedBy":"r","stopPattern":["a","b"],`+
			`"geometry":{"type":"LineString","coordinates":[[-122.4,37.77],[-122.401,37.771]]}}}`,
	))
	if len(res.Issues) != 0 {
		t.Fatalf("unexpected issues %+v", res.Issues)
	}

	var route Route
	var pattern RouteStopPattern
	err := svc.Store().View(context.Background(), func(view TransactionView) error {
		routes := view.ListRoutes()
		patterns := view.ListRouteStopPatterns()
		if len(routes) != 1 || len(patterns) != 1 {
			t.Fatalf("expected one route and one pattern, got %d/%d", len(routes), len(patterns))
		}
		route, pattern = routes[0], patterns[0]
		if _, ok := view.FindOperator(route.OperatorID); !ok {
			t.Fatalf("route operator reference dangling")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := onestopid.Validate(domain.KindRoute, route.OnestopID); err != nil {
		t.Fatalf("minted route id invalid: %v", err)
	}
	if err := onestopid.Validate(domain.KindRouteStopPattern, pattern.OnestopID); err != nil {
		t.Fatalf("minted pattern id invalid: %v", err)
	}
	if pattern.RouteID != route.ID || len(pattern.StopIDs) != 2 || len(route.ServedStopIDs) != 2 {
		t.Fatalf("references not resolved: route=%+v pattern=%+v", route, pattern)
	}
	var minted string
	_ = svc.Store().View(context.Background(), func(view TransactionView) error {
		for _, stop := range view.ListStops() {
			if stop.Name == "Market & 4th" {
				minted = stop.OnestopID
			}
		}
		return nil
	})
	if !strings.HasPrefix(minted, "s-9q8yy") || !strings.HasSuffix(minted, "-market~4th") {
		t.Fatalf("unexpected minted stop id %q", minted)
	}
	if mustStop(t, svc, minted).Name != "Market & 4th" {
		t.Fatalf("minted stop id did not resolve")
	}
}

func TestMintAppendsSuffixOnCollision(t *testing.T) {
	svc := newTestService(t)
	stop := `{"action":"createUpdate","stop":{"name":"Depot","timezone":"UTC","geometry":` + pointJSON(-122.4, 37.77) + `}}`
	mustApply(t, svc, payload(stop, stop))

	var ids []string
	_ = svc.Store().View(context.Background(), func(view TransactionView) error {
		for _, stop := range view.ListStops() {
			ids = append(ids, stop.OnestopID)
		}
		return nil
	})
	if len(ids) != 2 {
		t.Fatalf("expected two stops, got %v", ids)
	}
	base, suffixed := ids[0], ids[1]
	if strings.HasSuffix(base, "~2") {
		base, suffixed = suffixed, base
	}
	if !strings.HasSuffix(base, "-depot") || suffixed != base+"~2" {
		t.Fatalf("expected collision suffix, got %v", ids)
	}
}

func TestChangeOnestopIDRewritesIdentifier(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, _ = mustApply(t, svc, payload(createStopChange("s-dnrugf3mck-old", "Old", -78.6, 35.8)))
	original := mustStop(t, svc, "s-dnrugf3mck-old")

	rename := `{"action":"changeOnestopID","stop":{"onestopId":"s-dnrugf3mck-old","newOnestopId":"s-dnrugf3mck-test"}}`
	check := mustCreateChangeset(t, svc, payload(rename))
	trial, err := svc.CheckChangeset(ctx, check.ID)
	if err != nil || !trial.TrialSucceeds {
		t.Fatalf("expected rename trial to succeed: %v %+v", err, trial)
	}

	mustApply(t, svc, payload(
		rename,
		stopChange("createUpdate", "s-dnrugf3mck-test", `"name":"Via new id"`),
		stopChange("createUpdate", "s-dnrugf3mck-old", `"tags":{"via":"old id"}`),
	))
	renamed := mustStop(t, svc, "s-dnrugf3mck-test")
	if renamed.ID != original.ID || renamed.Name != "Via new id" || renamed.Tags["via"] != "old id" {
		t.Fatalf("unexpected renamed stop %+v", renamed)
	}
	if len(renamed.OldOnestopIDs) != 1 || renamed.OldOnestopIDs[0] != "s-dnrugf3mck-old" {
		t.Fatalf("expected old id retained once, got %v", renamed.OldOnestopIDs)
	}
	if alias := mustStop(t, svc, "s-dnrugf3mck-old"); alias.ID != original.ID || alias.OnestopID != "s-dnrugf3mck-test" {
		t.Fatalf("old id must resolve to the renamed stop, got %+v", alias)
	}

	mustApply(t, svc, payload(stopChange("createUpdate", "s-dnrugf3mck-test", `"name":"Later"`)))
	if mustStop(t, svc, "s-dnrugf3mck-test").Name != "Later" {
		t.Fatalf("later changeset did not resolve the new id")
	}
}

func TestChangeOnestopIDConflict(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	mustApply(t, svc, payload(
		createStopChange("s-9q9-one", "One", -122, 37),
		createStopChange("s-9q9-two", "Two", -122, 37.001),
	))
	cs := mustCreateChangeset(t, svc, payload(
		`{"action":"changeOnestopID","stop":{"onestopId":"s-9q9-one","newOnestopId":"s-9q9-two"}}`,
	))
	res, err := svc.ApplyChangeset(ctx, cs.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Success || len(res.Errors) != 1 {
		t.Fatalf("expected rename collision error, got %+v", res)
	}
	if mustStop(t, svc, "s-9q9-one").OnestopID != "s-9q9-one" {
		t.Fatalf("failed rename must not change the identifier")
	}
}

func TestChangeOnestopIDRejectsAttributeUpdates(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateChangeset(context.Background(), ChangesetInput{Payloads: []json.RawMessage{payload(
		`{"action":"changeOnestopID","stop":{"onestopId":"s-9q9-one","newOnestopId":"s-9q9-two","name":"x"}}`,
	)}})
	if !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestIssueResolution(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, res := mustApply(t, svc, gapNetwork())
	if len(res.Issues) != 1 {
		t.Fatalf("expected one gap issue, got %+v", res.Issues)
	}
	issue := res.Issues[0]
	if issue.IssueType != domain.IssueStopRSPDistanceGap || !issue.Open {
		t.Fatalf("unexpected issue %+v", issue)
	}

	// touching the stop without fixing it must not duplicate the issue
	mustApply(t, svc, payload(stopChange("createUpdate", "s-9q9-far", `"name":"Far away"`)))
	if open := openIssues(t, svc); len(open) != 1 {
		t.Fatalf("expected detection to be idempotent, got %d open issues", len(open))
	}

	// a move that keeps the gap rejects the resolution
	_, rejected := mustApply(t, svc, payload(
		`{"action":"createUpdate","issuesResolved":["`+issue.ID+`"],"stop":{"onestopId":"s-9q9-far","geometry":`+pointJSON(-122.02, 37.005)+`}}`,
	))
	if len(rejected.RejectedResolutions) != 1 || rejected.RejectedResolutions[0] != issue.ID {
		t.Fatalf("expected rejected resolution, got %+v", rejected)
	}
	if open := openIssues(t, svc); len(open) != 1 || open[0].ID != issue.ID {
		t.Fatalf("issue must stay open, got %+v", open)
	}

	// moving the stop onto the path resolves it
	fix, resolved := mustApply(t, svc, payload(
		`{"action":"createUpdate","issuesResolved":["`+issue.ID+`"],"stop":{"onestopId":"s-9q9-far","geometry":`+pointJSON(-122.0, 37.005)+`}}`,
	))
	if len(resolved.ResolvedIssues) != 1 {
		t.Fatalf("expected issue resolved, got %+v", resolved)
	}
	closed := resolved.ResolvedIssues[0]
	if closed.Open || closed.ResolvedByChangesetID == nil || *closed.ResolvedByChangesetID != fix.ID {
		t.Fatalf("issue not closed by changeset %s: %+v", fix.ID, closed)
	}
	if open := openIssues(t, svc); len(open) != 0 {
		t.Fatalf("expected no open issues, got %+v", open)
	}

	// a closed issue cannot be resolved again
	cs := mustCreateChangeset(t, svc, payload(
		`{"action":"createUpdate","issuesResolved":["`+issue.ID+`"],"stop":{"onestopId":"s-9q9-far","name":"again"}}`,
	))
	again, err := svc.ApplyChangeset(ctx, cs.ID)
	if err != nil || again.Success {
		t.Fatalf("expected resolving a closed issue to fail, got %v %+v", err, again)
	}
}

func TestDestroyClosesIssuesAndRefusesReferencedEntities(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	mustApply(t, svc, gapNetwork())

	cs := mustCreateChangeset(t, svc, payload(stopChange("destroy", "s-9q9-far", "")))
	res, err := svc.ApplyChangeset(ctx, cs.ID)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Success {
		t.Fatalf("destroying a stop used by a route must fail")
	}

	_, res = mustApply(t, svc, payload(
		`{"action":"destroy","routeStopPattern":{"onestopId":"r-9q9-line1-abc123-def456"}}`,
		`{"action":"createUpdate","route":{"onestopId":"r-9q9-line1","serves":["s-9q9-near"]}}`,
		stopChange("destroy", "s-9q9-far", ""),
	))
	if len(res.ResolvedIssues) != 1 {
		t.Fatalf("expected the stop's issue closed on destroy, got %+v", res.ResolvedIssues)
	}
	if open := openIssues(t, svc); len(open) != 0 {
		t.Fatalf("expected no open issues, got %+v", open)
	}
}

func TestApplyTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	cs, _ := mustApply(t, svc, payload(createStopChange("s-9q9-once", "Once", -122, 37)))
	_, err := svc.ApplyChangeset(ctx, cs.ID)
	if !errors.Is(err, domain.ErrChangesetApplied) {
		t.Fatalf("expected ErrChangesetApplied, got %v", err)
	}
	if HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("expected 409")
	}
}

func TestConcurrentAppliesOnSameEntitySerialize(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	mustApply(t, svc, payload(createStopChange("s-9q9-shared", "Shared", -122, 37)))

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = mustCreateChangeset(t, svc, payload(
			stopChange("createUpdate", "s-9q9-shared", `"tags":{"writer`+string(rune('a'+i))+`":"yes"}`),
		)).ID
	}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := svc.ApplyChangeset(ctx, id)
			if err == nil && !res.Success {
				err = res.Errors
			}
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if tags := mustStop(t, svc, "s-9q9-shared").Tags; len(tags) != n {
		t.Fatalf("expected every serialized update to land, got %v", tags)
	}
}

func TestRunUnknownMode(t *testing.T) {
	svc := newTestService(t)
	cs := mustCreateChangeset(t, svc, payload(createStopChange("s-9q9-x", "X", -122, 37)))
	if _, err := svc.engine.Run(context.Background(), cs.ID, Mode("dry")); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}
