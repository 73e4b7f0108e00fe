package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

type failingDocument struct{}

func (failingDocument) MarshalJSON() ([]byte, error) {
	return nil, errors.New("marshal failure")
}

func TestPayloadDocumentDefinedAndEmpty(t *testing.T) {
	undefined := UndefinedPayloadDocument()
	if undefined.Defined() {
		t.Fatalf("expected undefined document to be not defined")
	}
	if !undefined.IsEmpty() {
		t.Fatalf("expected undefined document to be empty")
	}
	if undefined.Raw() != nil {
		t.Fatalf("expected undefined document to return nil raw bytes")
	}

	empty := NewPayloadDocument(nil)
	if !empty.Defined() || !empty.IsEmpty() {
		t.Fatalf("expected nil input to yield a defined empty document")
	}

	raw := json.RawMessage(`{"changes":[]}`)
	defined := NewPayloadDocument(raw)
	if defined.IsEmpty() {
		t.Fatalf("expected raw document to be non-empty")
	}
	if got := defined.Raw(); string(got) != string(raw) {
		t.Fatalf("expected raw document %s, got %s", raw, got)
	}
}

func TestPayloadDocumentRawIsCloned(t *testing.T) {
	raw := json.RawMessage(`{"changes":[1]}`)
	doc := NewPayloadDocument(raw)
	raw[2] = 'X'

	first := doc.Raw()
	first[2] = 'Y'
	second := doc.Raw()
	if string(second) != `{"changes":[1]}` {
		t.Fatalf("expected stored document to remain unchanged, got %s", second)
	}
}

func TestPayloadDocumentJSONRoundTripInsideRecord(t *testing.T) {
	payload := ChangePayload{ID: "p1", Document: NewPayloadDocument(json.RawMessage(`{"changes":[{"action":"destroy"}]}`))}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ChangePayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded.Document.Raw()) != `{"changes":[{"action":"destroy"}]}` {
		t.Fatalf("unexpected document after round trip: %s", decoded.Document.Raw())
	}

	var empty ChangePayload
	if err := json.Unmarshal([]byte(`{"id":"p2","payload":null}`), &empty); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if empty.Document.Defined() {
		t.Fatalf("expected null payload to stay undefined")
	}
}

func TestNewPayloadDocumentFromValue(t *testing.T) {
	doc, err := NewPayloadDocumentFromValue(map[string]any{"changes": []any{}})
	if err != nil {
		t.Fatalf("build document: %v", err)
	}
	if doc.IsEmpty() {
		t.Fatalf("expected document to be non-empty")
	}
	if _, err := NewPayloadDocumentFromValue(failingDocument{}); err == nil {
		t.Fatalf("expected marshal error for failing value")
	}
}
