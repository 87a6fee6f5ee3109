package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/grantflow/download_manager/internal/download"
	"github.com/grantflow/download_manager/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockQueue implements QueueService for handler tests.
type mockQueue struct {
	records     []*download.Record
	enqueueErr  error
	enqueued    []queue.Spec
	vanish      bool // enqueued records immediately disappear, like a racing cancel
	paused      []string
	resumed     []string
	cancelled   []string
	clearedDone bool
	clearedAll  bool
}

func (m *mockQueue) Enqueue(_ context.Context, spec queue.Spec) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}

	m.enqueued = append(m.enqueued, spec)

	if !m.vanish {
		m.records = append([]*download.Record{{ID: spec.ID, Filename: spec.Filename, Status: download.StatusQueued}}, m.records...)
	}

	return nil
}

func (m *mockQueue) Pause(_ context.Context, id string)  { m.paused = append(m.paused, id) }
func (m *mockQueue) Resume(_ context.Context, id string) { m.resumed = append(m.resumed, id) }
func (m *mockQueue) Cancel(_ context.Context, id string) { m.cancelled = append(m.cancelled, id) }
func (m *mockQueue) ClearCompleted(_ context.Context)    { m.clearedDone = true }
func (m *mockQueue) ClearAll(_ context.Context)          { m.clearedAll = true }

func (m *mockQueue) Records() []*download.Record { return m.records }

func (m *mockQueue) Get(id string) *download.Record {
	for _, rec := range m.records {
		if rec.ID == id {
			return rec
		}
	}

	return nil
}

func newTestServer(t *testing.T, q QueueService) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(NewDownloadsHandler("admin", "secret", q).Routes())
	t.Cleanup(ts.Close)

	return ts
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

func TestRequiresBasicAuth(t *testing.T) {
	ts := newTestServer(t, &mockQueue{})

	resp, err := http.Get(ts.URL + "/downloads")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListDownloads(t *testing.T) {
	q := &mockQueue{records: []*download.Record{
		{ID: "b", Filename: "b.pdf", Status: download.StatusQueued},
		{ID: "a", Filename: "a.csv", Status: download.StatusCompleted, Progress: 100},
	}}

	ts := newTestServer(t, q)

	resp := doRequest(t, http.MethodGet, ts.URL+"/downloads", "")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []*download.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].ID)
}

func TestEnqueue(t *testing.T) {
	q := &mockQueue{}
	ts := newTestServer(t, q)

	body := `{"id":"r1","filename":"report.pdf","path":"/reports/2026","params":{"format":"pdf"},"open_inline":true}`

	resp := doRequest(t, http.MethodPost, ts.URL+"/downloads", body)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, "r1", q.enqueued[0].ID)
	assert.Equal(t, "pdf", q.enqueued[0].Params.Get("format"))
	assert.True(t, q.enqueued[0].OpenInline)
}

func TestEnqueueValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing id", `{"filename":"a.pdf","path":"/a"}`, http.StatusBadRequest},
		{"missing filename", `{"id":"a","path":"/a"}`, http.StatusBadRequest},
		{"missing path", `{"id":"a","filename":"a.pdf"}`, http.StatusBadRequest},
		{"garbage body", `{]`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &mockQueue{})

			resp := doRequest(t, http.MethodPost, ts.URL+"/downloads", tt.body)
			defer resp.Body.Close()

			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestEnqueueRacingCancelStillAccepted(t *testing.T) {
	q := &mockQueue{vanish: true}
	ts := newTestServer(t, q)

	resp := doRequest(t, http.MethodPost, ts.URL+"/downloads", `{"id":"r2","filename":"a.pdf","path":"/a"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, q.enqueued, 1)

	// The record was cancelled away before the response was built; the body
	// must be empty rather than a JSON null.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(body)))
}

func TestEnqueueDuplicateConflicts(t *testing.T) {
	q := &mockQueue{enqueueErr: &download.DuplicateIDError{ID: "dup"}}
	ts := newTestServer(t, q)

	resp := doRequest(t, http.MethodPost, ts.URL+"/downloads", `{"id":"dup","filename":"a.pdf","path":"/a"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRecordActions(t *testing.T) {
	q := &mockQueue{records: []*download.Record{{ID: "a", Status: download.StatusInProgress}}}
	ts := newTestServer(t, q)

	for _, action := range []string{"pause", "resume"} {
		resp := doRequest(t, http.MethodPost, ts.URL+"/downloads/a/"+action, "")
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp := doRequest(t, http.MethodDelete, ts.URL+"/downloads/a", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, []string{"a"}, q.paused)
	assert.Equal(t, []string{"a"}, q.resumed)
	assert.Equal(t, []string{"a"}, q.cancelled)
}

func TestGetUnknownRecord(t *testing.T) {
	ts := newTestServer(t, &mockQueue{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/downloads/ghost", "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearEndpoints(t *testing.T) {
	q := &mockQueue{}
	ts := newTestServer(t, q)

	resp := doRequest(t, http.MethodPost, ts.URL+"/downloads/clear-completed", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, q.clearedDone)

	resp = doRequest(t, http.MethodPost, ts.URL+"/downloads/clear-all", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, q.clearedAll)
}
