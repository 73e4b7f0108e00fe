package domain

import (
	"bytes"
	"encoding/json"
)

// PayloadDocument wraps the raw JSON body of a change payload
// (`{"changes": [...]}`). The bytes are cloned on the way in and out so a
// stored document cannot be mutated through a shared slice.
type PayloadDocument struct {
	defined bool
	raw     json.RawMessage
}

// NewPayloadDocument builds a document from raw JSON. Passing a nil slice
// yields a defined but empty document; use UndefinedPayloadDocument for "not set".
func NewPayloadDocument(raw json.RawMessage) PayloadDocument {
	doc := PayloadDocument{defined: true}
	if raw != nil {
		doc.raw = cloneRawMessage(raw)
	}
	return doc
}

// NewPayloadDocumentFromValue marshals a typed value into a PayloadDocument.
func NewPayloadDocumentFromValue[T any](value T) (PayloadDocument, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return PayloadDocument{}, err
	}
	return NewPayloadDocument(raw), nil
}

// UndefinedPayloadDocument returns an uninitialized document wrapper.
func UndefinedPayloadDocument() PayloadDocument {
	return PayloadDocument{}
}

// Defined reports whether the document has been initialized.
func (p PayloadDocument) Defined() bool {
	return p.defined
}

// IsEmpty reports whether the document contains no bytes.
func (p PayloadDocument) IsEmpty() bool {
	if !p.defined {
		return true
	}
	return len(bytes.TrimSpace(p.raw)) == 0
}

// Raw returns a cloned copy of the underlying JSON bytes. Nil is returned when
// the document is undefined or empty.
func (p PayloadDocument) Raw() json.RawMessage {
	if !p.defined || len(p.raw) == 0 {
		return nil
	}
	return cloneRawMessage(p.raw)
}

// MarshalJSON emits the raw document, or null when undefined.
func (p PayloadDocument) MarshalJSON() ([]byte, error) {
	if p.IsEmpty() {
		return []byte("null"), nil
	}
	return cloneRawMessage(p.raw), nil
}

// UnmarshalJSON stores the raw bytes; a JSON null leaves the document undefined.
func (p *PayloadDocument) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = PayloadDocument{}
		return nil
	}
	*p = NewPayloadDocument(data)
	return nil
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
