package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() Clock {
	return ClockFunc(func() time.Time { return fixedNow })
}

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	return NewInMemoryService(append([]ServiceOption{WithClock(fixedClock())}, opts...)...)
}

// payload renders a change payload document from raw change objects.
func payload(changes ...string) json.RawMessage {
	return json.RawMessage(`{"changes":[` + strings.Join(changes, ",") + `]}`)
}

func stopChange(action, onestopID, extra string) string {
	body := fmt.Sprintf(`"onestopId":%q`, onestopID)
	if extra != "" {
		body += "," + extra
	}
	return fmt.Sprintf(`{"action":%q,"stop":{%s}}`, action, body)
}

func pointJSON(lon, lat float64) string {
	return fmt.Sprintf(`{"type":"Point","coordinates":[%f,%f]}`, lon, lat)
}

func createStopChange(onestopID, name string, lon, lat float64) string {
	return stopChange("createUpdate", onestopID, fmt.Sprintf(
		`"name":%q,"timezone":"America/Los_Angeles","geometry":%s`, name, pointJSON(lon, lat)))
}

func mustCreateChangeset(t *testing.T, svc *Service, payloads ...json.RawMessage) Changeset {
	t.Helper()
	cs, err := svc.CreateChangeset(context.Background(), ChangesetInput{
		UserEmail: "editor@example.com",
		Payloads:  payloads,
	})
	if err != nil {
		t.Fatalf("create changeset: %v", err)
	}
	return cs
}

func mustApply(t *testing.T, svc *Service, payloads ...json.RawMessage) (Changeset, ApplyResult) {
	t.Helper()
	cs := mustCreateChangeset(t, svc, payloads...)
	res, err := svc.ApplyChangeset(context.Background(), cs.ID)
	if err != nil {
		t.Fatalf("apply changeset: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected changeset to apply, got errors %v", res.Errors)
	}
	return cs, res
}

func mustStop(t *testing.T, svc *Service, onestopID string) Stop {
	t.Helper()
	entity, err := svc.ResolveEntity(context.Background(), "stop", onestopID)
	if err != nil {
		t.Fatalf("resolve stop %s: %v", onestopID, err)
	}
	stop, ok := entity.(Stop)
	if !ok {
		t.Fatalf("expected Stop, got %T", entity)
	}
	return stop
}

func openIssues(t *testing.T, svc *Service) []Issue {
	t.Helper()
	open := true
	issues, err := svc.ListIssues(context.Background(), IssueFilter{Open: &open})
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	return issues
}

// gapNetwork builds a route with one pattern along lon -122.0 between
// lat 37.0 and 37.01. Stop "far" sits roughly 890m west of the path.
func gapNetwork() json.RawMessage {
	return payload(
		`{"action":"createUpdate","operator":{"onestopId":"o-9q9-demo","name":"Demo Transit","geometry":`+pointJSON(-122.0, 37.0)+`}}`,
		createStopChange("s-9q9-near", "Near", -122.0, 37.0),
		createStopChange("s-9q9-far", "Far", -122.01, 37.005),
		`{"action":"createUpdate","route":{"onestopId":"r-9q9-line1","name":"Line 1","operatedBy":"o-9q9-demo","serves":["s-9q9-near","s-9q9-far"]}}`,
		`{"action":"createUpdate","routeStopPattern":{"onestopId":"r-9q9-line1-abc123-def456","traversedBy":"r-9q9-line1",`+
			`"stopPattern":["s-9q9-near","s-9q9-far"],"geometry":{"type":"LineString","coordinates":[[-122.0,37.0],[-122.0,37.01]]}}}`,
	)
}
