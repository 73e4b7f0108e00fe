package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	blobcore "transitreg/internal/blob/core"
)

const archivePrefix = "changesets/"

// ArchivedChangeset is the document written for every applied changeset.
type ArchivedChangeset struct {
	Changeset      Changeset       `json:"changeset"`
	Payloads       []ChangePayload `json:"payloads"`
	IssuesOpened   []Issue         `json:"issues_opened"`
	IssuesResolved []Issue         `json:"issues_resolved"`
	ArchivedAt     time.Time       `json:"archived_at"`
}

// Archive writes applied changesets to a write-once blob store.
type Archive struct {
	store blobcore.Store
}

// NewArchive wraps a blob store. A nil store yields a nil Archive.
func NewArchive(store blobcore.Store) *Archive {
	if store == nil {
		return nil
	}
	return &Archive{store: store}
}

// ArchiveKey returns the blob key of a changeset document.
func ArchiveKey(changesetID string) string {
	return archivePrefix + changesetID + ".json"
}

// Record stores doc. Recording the same changeset twice is not an error.
func (a *Archive) Record(ctx context.Context, doc ArchivedChangeset) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode archived changeset: %w", err)
	}
	_, err = a.store.Put(ctx, ArchiveKey(doc.Changeset.ID), bytes.NewReader(raw), blobcore.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"changeset-id": doc.Changeset.ID},
	})
	if err != nil && !errors.Is(err, blobcore.ErrExists) {
		return fmt.Errorf("archive changeset %s: %w", doc.Changeset.ID, err)
	}
	return nil
}

// Load reads an archived changeset document.
func (a *Archive) Load(ctx context.Context, changesetID string) (ArchivedChangeset, error) {
	_, rc, err := a.store.Get(ctx, ArchiveKey(changesetID))
	if err != nil {
		return ArchivedChangeset{}, err
	}
	defer rc.Close()
	var doc ArchivedChangeset
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return ArchivedChangeset{}, fmt.Errorf("decode archived changeset: %w", err)
	}
	return doc, nil
}

// List returns the ids of archived changesets in key order.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	infos, err := a.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(info.Key, archivePrefix), ".json"))
	}
	return ids, nil
}
