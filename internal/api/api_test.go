package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/config"
	"github.com/sells-group/crm-migrate/internal/db"
	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/pipeline"
	"github.com/sells-group/crm-migrate/internal/resilience"
	"github.com/sells-group/crm-migrate/internal/source"
	"github.com/sells-group/crm-migrate/internal/store"
	"github.com/sells-group/crm-migrate/internal/vault"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// stubClient serves a fixed contact list. After block is set, the next
// contact page 1 waits for it to close.
type stubClient struct {
	mu           sync.Mutex
	contacts     []model.SourceRecord
	block        chan struct{}
	unauthorized bool
}

func (c *stubClient) Source() model.Source        { return model.SourceA }
func (c *stubClient) DocumentMultiplier() float64 { return 1.0 }

func (c *stubClient) ValidateCredentials(ctx context.Context) model.ConnectionResult {
	if _, err := c.List(ctx, model.EntityContact, 1, 5); err != nil {
		return model.ConnectionResult{Error: err.Error()}
	}
	return model.ConnectionResult{OK: true}
}

func (c *stubClient) List(ctx context.Context, entity model.EntityType, page, pageSize int) (*source.Page, error) {
	c.mu.Lock()
	block, unauthorized := c.block, c.unauthorized
	if entity == model.EntityContact && page == 1 {
		c.block = nil
	}
	c.mu.Unlock()

	if unauthorized {
		return nil, source.ErrUnauthorized
	}
	if block != nil && entity == model.EntityContact && page == 1 {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if entity != model.EntityContact {
		return &source.Page{}, nil
	}
	start := min((page-1)*pageSize, len(c.contacts))
	end := min(start+pageSize, len(c.contacts))
	return &source.Page{Records: c.contacts[start:end], TotalCount: len(c.contacts)}, nil
}

func (c *stubClient) ListContacts(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return c.List(ctx, model.EntityContact, page, pageSize)
}

func (c *stubClient) ListJobs(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return c.List(ctx, model.EntityJob, page, pageSize)
}

func (c *stubClient) ListDocuments(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return c.List(ctx, model.EntityDocument, page, pageSize)
}

func (c *stubClient) ListTasks(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return c.List(ctx, model.EntityTask, page, pageSize)
}

type stubFactory struct{ client *stubClient }

func (f stubFactory) Client(string, model.Source, vault.Credentials) (source.Client, error) {
	return f.client, nil
}

type testServer struct {
	handler http.Handler
	runner  *pipeline.Runner
	client  *stubClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	st := store.New(d)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key, st)
	require.NoError(t, err)

	client := &stubClient{}
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		client.contacts = append(client.contacts, model.SourceRecord{
			Entity: model.EntityContact, ExternalID: id,
			Fields: map[string]any{"id": id, "firstName": "Person " + id, "email": id + "@x.co"},
		})
	}

	retry := resilience.StorageRetryConfig()
	retry.Sleep = func(context.Context, time.Duration) error { return nil }
	engine := pipeline.New(st, st.Tenant(), stubFactory{client: client}, v, pipeline.Options{
		PageSize:     2,
		StorageRetry: retry,
	})
	runner := pipeline.NewRunner(engine)
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })

	srv := New(runner, st, config.ServerConfig{CORSOrigins: []string{"*"}})
	return &testServer{handler: srv.Handler(), runner: runner, client: client}
}

func (ts *testServer) do(t *testing.T, method, path, org string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if org != "" {
		req.Header.Set(OrgHeader, org)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) preflight(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/migrations/source_a/preflight", "org-1", map[string]string{"apiKey": "key"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	return body["jobId"].(string)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestRequests_Rejected(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		path   string
		org    string
		body   any
		status int
		msg    string
	}{
		{"missing org", "/migrations/source_a/preflight", "", map[string]string{"apiKey": "k"}, http.StatusBadRequest, "X-Org-ID"},
		{"unsupported source", "/migrations/hubspot/preflight", "org-1", map[string]string{"apiKey": "k"}, http.StatusBadRequest, "unsupported source"},
		{"no credentials", "/migrations/source_a/preflight", "org-1", map[string]string{}, http.StatusBadRequest, "apiKey or accessToken is required"},
		{"bad instance url", "/migrations/salesforce/preflight", "org-1", map[string]string{"accessToken": "t", "instanceUrl": "nope"}, http.StatusBadRequest, "InstanceURL"},
		{"bad body", "/migrations/source_a/preflight", "org-1", "[", http.StatusBadRequest, "invalid request body"},
		{"missing job id", "/migrations/source_a/execute", "org-1", map[string]string{}, http.StatusBadRequest, "JobID is required"},
		{"unknown job", "/migrations/source_a/execute", "org-1", map[string]string{"jobId": "6f1c2a8e-5d7b-4c1e-9b3a-0d4e5f6a7b8c"}, http.StatusNotFound, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.path, tt.org, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, decodeBody(t, rec)["error"], tt.msg)
		})
	}
}

func TestPreflightDryRunExecuteReport(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/migrations/source_a/preflight", "org-1", map[string]string{"apiKey": "key"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "preflight", body["stage"])
	assert.Equal(t, true, body["connection_valid"])
	preview := body["preview"].(map[string]any)
	assert.Equal(t, 3.0, preview["contacts"].(map[string]any)["total"])
	jobID := body["jobId"].(string)

	rec = ts.do(t, http.MethodPost, "/migrations/source_a/dry-run", "org-1", map[string]string{"jobId": jobID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	totals := body["result"].(map[string]any)["totals"].(map[string]any)
	assert.Equal(t, 3.0, totals["created"])

	rec = ts.do(t, http.MethodGet, "/migrations/"+jobID+"/report", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "dry_run", body["stage"])
	assert.Contains(t, body, "percent", "non-terminal jobs report progress")

	rec = ts.do(t, http.MethodPost, "/migrations/source_a/execute", "org-1", map[string]string{"jobId": jobID})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.Equal(t, jobID, body["jobId"])
	assert.Equal(t, "executing", body["stage"])
	ts.runner.Wait()

	rec = ts.do(t, http.MethodGet, "/migrations/"+jobID+"/report", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "completed", body["stage"])
	assert.Equal(t, 3.0, body["counts"].(map[string]any)["created"])
	assert.Equal(t, 0.0, body["total_errors"])
	assert.Contains(t, body, "duration_seconds")

	rec = ts.do(t, http.MethodGet, "/migrations/"+jobID+"/report?format=xlsx", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	assert.NotZero(t, rec.Body.Len())

	rec = ts.do(t, http.MethodPost, "/migrations/source_a/execute", "org-1", map[string]string{"jobId": jobID})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "completed jobs cannot execute again")

	rec = ts.do(t, http.MethodGet, "/migrations?stage=completed", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].(map[string]any)["id"])
}

func TestJobsAreScopedToOrg(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.preflight(t)

	rec := ts.do(t, http.MethodGet, "/migrations/"+jobID+"/report", "org-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPost, "/migrations/source_a/execute", "org-2", map[string]string{"jobId": jobID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPost, "/migrations/"+jobID+"/cancel", "org-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/migrations", "org-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["jobs"])
}

func TestExecute_WrongSourceInPath(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.preflight(t)
	rec := ts.do(t, http.MethodPost, "/migrations/source_b/execute", "org-1", map[string]string{"jobId": jobID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecute_ConflictWhileRunning(t *testing.T) {
	ts := newTestServer(t)
	first := ts.preflight(t)
	second := ts.preflight(t)

	release := make(chan struct{})
	ts.client.mu.Lock()
	ts.client.block = release
	ts.client.mu.Unlock()

	rec := ts.do(t, http.MethodPost, "/migrations/source_a/execute", "org-1", map[string]string{"jobId": first})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/migrations/source_a/execute", "org-1", map[string]string{"jobId": second})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/migrations/"+first+"/cancel", "org-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "executing", body["stage"], "cancellation is observed between batches")
	assert.Equal(t, true, body["cancelRequested"])

	close(release)
	ts.runner.Wait()

	rec = ts.do(t, http.MethodGet, "/migrations/"+first+"/report", "org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["stage"])
}

func TestCancelAndResume(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.preflight(t)

	rec := ts.do(t, http.MethodPost, "/migrations/"+jobID+"/resume", "org-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only cancelled or failed jobs resume")

	rec = ts.do(t, http.MethodPost, "/migrations/"+jobID+"/cancel", "org-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["stage"])

	rec = ts.do(t, http.MethodPost, "/migrations/"+jobID+"/resume", "org-1", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "preflight", body["stage"])
	assert.Equal(t, jobID, body["resumedFrom"])
	assert.NotEqual(t, jobID, body["jobId"])
}

func TestDryRun_RejectedCredentials(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.preflight(t)

	ts.client.mu.Lock()
	ts.client.unauthorized = true
	ts.client.mu.Unlock()

	rec := ts.do(t, http.MethodPost, "/migrations/source_a/dry-run", "org-1", map[string]string{"jobId": jobID})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "rejected")
}
