package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEntityKindValid(t *testing.T) {
	for _, kind := range EntityKinds {
		if !kind.Valid() {
			t.Fatalf("expected %s to be valid", kind)
		}
	}
	if EntityKind("agency").Valid() {
		t.Fatalf("agency is not a registry entity kind")
	}
}

func TestChangeRefCarriesOnestopID(t *testing.T) {
	stop := Stop{}
	stop.ID = "stop-1"
	stop.OnestopID = "s-9q9-a"
	ref := Change{Kind: KindStop, Action: ActionCreate, EntityID: stop.ID, After: stop}.Ref()
	if ref != (EntityRef{Kind: KindStop, ID: "stop-1", OnestopID: "s-9q9-a"}) {
		t.Fatalf("unexpected ref %+v", ref)
	}
	deleted := Change{Kind: KindStop, Action: ActionDelete, EntityID: "stop-1"}.Ref()
	if deleted.OnestopID != "" || deleted.ID != "stop-1" {
		t.Fatalf("unexpected ref for delete %+v", deleted)
	}
}

func TestBaseJSONFieldNames(t *testing.T) {
	var stop Stop
	stop.OnestopID = "s-9q9-a"
	stop.OldOnestopIDs = []string{"s-9q9-old"}
	data, err := json.Marshal(stop)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"onestop_id":"s-9q9-a"`, `"old_onestop_ids":["s-9q9-old"]`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("expected %s in %s", key, data)
		}
	}
}

func TestChangesetErrorMessages(t *testing.T) {
	single := ChangesetError{PayloadID: "p-1", Index: 2, Action: "destroy", EntityKind: KindStop, OnestopID: "s-9q9-a", Message: "stop s-9q9-a not found"}
	want := "changeset error (payload p-1, change 2, destroy stop s-9q9-a): stop s-9q9-a not found"
	if single.Error() != want {
		t.Fatalf("unexpected message %q", single.Error())
	}
	if got := (ChangesetError{Message: "bad"}).Error(); got != "changeset error: bad" {
		t.Fatalf("unexpected message %q", got)
	}

	many := ChangesetErrors{single, {Message: "other"}}
	if !strings.HasSuffix(many.Error(), "(and 1 more)") {
		t.Fatalf("unexpected aggregate message %q", many.Error())
	}
	var ce ChangesetErrors
	if !errors.As(error(many), &ce) || len(ce) != 2 {
		t.Fatalf("expected ChangesetErrors to be matchable")
	}
	if (ChangesetErrors{}).Error() != "no changeset errors" {
		t.Fatalf("unexpected empty message")
	}
}

func TestErrNotFound(t *testing.T) {
	err := error(ErrNotFound{Kind: KindRoute, ID: "r-9q9-x"})
	var nf ErrNotFound
	if !errors.As(err, &nf) || nf.ID != "r-9q9-x" || err.Error() != "route r-9q9-x not found" {
		t.Fatalf("unexpected not found error %v", err)
	}
}
