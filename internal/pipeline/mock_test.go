package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/db"
	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/resilience"
	"github.com/sells-group/crm-migrate/internal/source"
	"github.com/sells-group/crm-migrate/internal/store"
	"github.com/sells-group/crm-migrate/internal/vault"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// --- Source client mock ---

type mockSourceClient struct {
	mock.Mock
}

func (m *mockSourceClient) Source() model.Source {
	return m.Called().Get(0).(model.Source)
}

func (m *mockSourceClient) ValidateCredentials(ctx context.Context) model.ConnectionResult {
	return m.Called(ctx).Get(0).(model.ConnectionResult)
}

func (m *mockSourceClient) List(ctx context.Context, entity model.EntityType, page, pageSize int) (*source.Page, error) {
	args := m.Called(ctx, entity, page, pageSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*source.Page), args.Error(1)
}

func (m *mockSourceClient) ListContacts(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return m.List(ctx, model.EntityContact, page, pageSize)
}

func (m *mockSourceClient) ListJobs(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return m.List(ctx, model.EntityJob, page, pageSize)
}

func (m *mockSourceClient) ListDocuments(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return m.List(ctx, model.EntityDocument, page, pageSize)
}

func (m *mockSourceClient) ListTasks(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return m.List(ctx, model.EntityTask, page, pageSize)
}

func (m *mockSourceClient) DocumentMultiplier() float64 {
	return m.Called().Get(0).(float64)
}

// --- In-memory source ---

// fakeSource serves fixed datasets page by page. fail injects errors per
// "entity/page"; totals overrides the reported total; onList runs before
// each page is served.
type fakeSource struct {
	mu     sync.Mutex
	data   map[model.EntityType][]model.SourceRecord
	totals map[model.EntityType]int
	fail   map[string]error
	calls  []string
	onList func(entity model.EntityType, page int)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		data:   map[model.EntityType][]model.SourceRecord{},
		totals: map[model.EntityType]int{},
		fail:   map[string]error{},
	}
}

func (f *fakeSource) add(recs ...model.SourceRecord) *fakeSource {
	for _, r := range recs {
		f.data[r.Entity] = append(f.data[r.Entity], r)
	}
	return f
}

func (f *fakeSource) Source() model.Source { return model.SourceA }

func (f *fakeSource) DocumentMultiplier() float64 { return 1.0 }

func (f *fakeSource) ValidateCredentials(ctx context.Context) model.ConnectionResult {
	if _, err := f.List(ctx, model.EntityContact, 1, 5); err != nil {
		return model.ConnectionResult{OK: false, Error: err.Error()}
	}
	return model.ConnectionResult{OK: true}
}

func (f *fakeSource) List(ctx context.Context, entity model.EntityType, page, pageSize int) (*source.Page, error) {
	key := fmt.Sprintf("%s/%d", entity, page)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	hook := f.onList
	f.mu.Unlock()
	if hook != nil {
		hook(entity, page)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[key]; ok {
		return nil, err
	}
	recs := f.data[entity]
	total := len(recs)
	if t, ok := f.totals[entity]; ok {
		total = t
	}
	start := min((page-1)*pageSize, len(recs))
	end := min(start+pageSize, len(recs))
	return &source.Page{Records: append([]model.SourceRecord(nil), recs[start:end]...), TotalCount: total}, nil
}

func (f *fakeSource) ListContacts(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return f.List(ctx, model.EntityContact, page, pageSize)
}

func (f *fakeSource) ListJobs(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return f.List(ctx, model.EntityJob, page, pageSize)
}

func (f *fakeSource) ListDocuments(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return f.List(ctx, model.EntityDocument, page, pageSize)
}

func (f *fakeSource) ListTasks(ctx context.Context, page, pageSize int) (*source.Page, error) {
	return f.List(ctx, model.EntityTask, page, pageSize)
}

// callsFor returns the pages requested for entity, in order.
func (f *fakeSource) callsFor(entity model.EntityType) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(c) > len(entity) && c[:len(entity)+1] == string(entity)+"/" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSource) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// --- Client factory ---

type fakeFactory struct {
	client source.Client
	err    error
}

func (f *fakeFactory) Client(string, model.Source, vault.Credentials) (source.Client, error) {
	return f.client, f.err
}

// --- Records ---

func contactRec(id, first, email string) model.SourceRecord {
	fields := map[string]any{"id": id, "email": email, "updatedAt": "2026-01-01"}
	if first != "" {
		fields["firstName"] = first
		fields["lastName"] = "Tester"
	}
	return model.SourceRecord{Entity: model.EntityContact, ExternalID: id, Fields: fields}
}

func jobRec(id, name string) model.SourceRecord {
	return model.SourceRecord{Entity: model.EntityJob, ExternalID: id, Fields: map[string]any{"id": id, "name": name}}
}

func docRec(id, name string) model.SourceRecord {
	return model.SourceRecord{Entity: model.EntityDocument, ExternalID: id, Fields: map[string]any{"id": id, "fileName": name}}
}

func taskRec(id, title string) model.SourceRecord {
	return model.SourceRecord{Entity: model.EntityTask, ExternalID: id, Fields: map[string]any{"id": id, "title": title}}
}

// --- Environment ---

type testEnv struct {
	store   *store.Store
	tenant  store.Tenant
	vault   *vault.Vault
	src     *fakeSource
	factory *fakeFactory
	engine  *Engine
}

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, src *fakeSource, tweak ...func(*Options)) *testEnv {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	st := store.New(d)
	t.Cleanup(st.Close)
	require.NoError(t, st.Migrate(context.Background()))

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key, st)
	require.NoError(t, err)

	retry := resilience.StorageRetryConfig()
	retry.Sleep = func(context.Context, time.Duration) error { return nil }
	opts := Options{
		PageSize:         2,
		WriteConcurrency: 5,
		ErrorReportLimit: 50,
		LeaseTTL:         time.Minute,
		StorageRetry:     retry,
		StorageBreaker:   resilience.StorageBreakerConfig(0),
		Now:              func() time.Time { return testNow },
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	factory := &fakeFactory{client: src}
	env := &testEnv{store: st, tenant: st.Tenant(), vault: v, src: src, factory: factory}
	env.engine = New(st, env.tenant, factory, v, opts)
	return env
}

// preflight runs a successful preflight and returns the job.
func (env *testEnv) preflight(t *testing.T) *model.MigrationJob {
	t.Helper()
	job, err := env.engine.Preflight(context.Background(), PreflightRequest{
		OrgID: "org-1", Source: model.SourceA, Credentials: vault.Credentials{APIKey: "key-123"},
	})
	require.NoError(t, err)
	require.Equal(t, model.StagePreflight, job.Stage, job.FailureReason)
	env.src.resetCalls()
	return job
}

func (env *testEnv) reload(t *testing.T, jobID string) *model.MigrationJob {
	t.Helper()
	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

// seedContact stores a native tenant contact from another source.
func (env *testEnv) seedContact(t *testing.T, sourceID, email string) string {
	t.Helper()
	id, err := env.tenant.Contacts.UpsertByExternalID(context.Background(), &model.CanonicalRecord{
		Entity:      model.EntityContact,
		OrgID:       "org-1",
		Source:      model.SourceB,
		SourceID:    sourceID,
		Fingerprint: "seed-" + sourceID,
		Contact:     &model.Contact{DisplayName: "Existing", Email: email},
	}, "")
	require.NoError(t, err)
	return id
}

func (env *testEnv) findContact(t *testing.T, sourceID string) *model.ExistingRecord {
	t.Helper()
	rec, err := env.tenant.Contacts.FindByExternalID(context.Background(), "org-1", model.SourceA, sourceID)
	require.NoError(t, err)
	return rec
}
