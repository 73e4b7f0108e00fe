package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"transitreg/internal/blob/core"
)

// mockRoundTripper provides a tiny fake S3 subset sufficient to exercise the adapter without network access.
type mockRoundTripper struct {
	mu    sync.Mutex
	state map[string]stored
}

type stored struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

func response(status int, body []byte, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: header}
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range m.state {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(m.state[k].body))
		}
		b.WriteString("</ListBucketResult>")
		return response(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}}), nil
	}
	objectHeader := func(st stored) http.Header {
		h := http.Header{
			"Content-Length": {strconv.Itoa(len(st.body))},
			"Content-Type":   {st.contentType},
			"Etag":           {`"etag123"`},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
		}
		for k, v := range st.metadata {
			h.Set("X-Amz-Meta-"+k, v)
		}
		return h
	}
	switch req.Method {
	case http.MethodHead:
		if st, ok := m.state[key]; ok {
			return response(http.StatusOK, nil, objectHeader(st)), nil
		}
		return response(http.StatusNotFound, nil, nil), nil
	case http.MethodGet:
		if st, ok := m.state[key]; ok {
			return response(http.StatusOK, st.body, objectHeader(st)), nil
		}
		return response(http.StatusNotFound, nil, nil), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		if _, exists := m.state[key]; exists {
			return response(http.StatusPreconditionFailed, nil, nil), nil
		}
		md := map[string]string{}
		for name, values := range req.Header {
			if strings.HasPrefix(strings.ToLower(name), "x-amz-meta-") && len(values) > 0 {
				md[strings.ToLower(strings.TrimPrefix(strings.ToLower(name), "x-amz-meta-"))] = values[0]
			}
		}
		m.state[key] = stored{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		return response(http.StatusOK, nil, http.Header{"Etag": {`"etag123"`}}), nil
	case http.MethodDelete:
		delete(m.state, key)
		return response(http.StatusNoContent, nil, nil), nil
	}
	return response(http.StatusNotImplemented, nil, nil), nil
}

// decodeChunked decodes a single-chunk aws-chunked payload: <hex>[;ext]\r\n<body>\r\n0\r\n...
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	size, err := strconv.ParseInt(strings.SplitN(parts[0], ";", 2)[0], 16, 64)
	if err != nil || int64(len(parts[1])) != size || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newMockStore(t *testing.T, prefix string) *Store {
	t.Helper()
	rt := &mockRoundTripper{state: map[string]stored{}}
	store, err := New(context.Background(), Config{
		Bucket:          "archive",
		Prefix:          prefix,
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	}, func(o *awsS3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.Retryer = aws.NopRetryer{}
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestS3StoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newMockStore(t, "transitreg")
	if s.Driver() != core.DriverS3 {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	if _, err := s.Put(ctx, "changesets/cs-1.json", bytes.NewReader([]byte(`{"id":"cs-1"}`)), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"changeset": "cs-1"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "changesets/cs-1.json", bytes.NewReader([]byte(`{}`)), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	info, rc, err := s.Get(ctx, "changesets/cs-1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"id":"cs-1"}` || info.ContentType != "application/json" || info.ETag != "etag123" {
		t.Fatalf("unexpected get %q %+v", body, info)
	}
	list, err := s.List(ctx, "changesets/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "changesets/cs-1.json" {
		t.Fatalf("expected prefix-stripped keys, got %+v", list)
	}
	if ok, err := s.Delete(ctx, "changesets/cs-1.json"); err != nil || !ok {
		t.Fatalf("delete ok=%v err=%v", ok, err)
	}
	if ok, err := s.Delete(ctx, "changesets/cs-1.json"); err != nil || ok {
		t.Fatalf("expected missing delete, ok=%v err=%v", ok, err)
	}
	if _, err := s.Head(ctx, "changesets/cs-1.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket validation error")
	}
}
