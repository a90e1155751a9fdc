package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slurm_why/internal/cache"
	"slurm_why/internal/diagnose"
	"slurm_why/internal/slurm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDiagnoser struct {
	result diagnose.Result
	err    error
	calls  []string
}

func (f *fakeDiagnoser) Diagnose(_ context.Context, id string) (diagnose.Result, error) {
	f.calls = append(f.calls, id)
	if id == "abc" {
		return nil, fmt.Errorf("%w: %q", diagnose.ErrInvalidJobID, id)
	}
	return f.result, f.err
}

type fakeView struct {
	snap *cache.Snapshot
}

func (f fakeView) Current() *cache.Snapshot { return f.snap }

type envelope struct {
	Count   int             `json:"count"`
	Results json.RawMessage `json:"results"`
	Detail  string          `json:"detail"`
}

func serve(t *testing.T, r *gin.Engine, path string, header http.Header) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func newTestRouter(rs ...Registrar) *gin.Engine {
	r := New()
	for _, rg := range rs {
		rg.Register(r)
	}
	return r
}

func TestDiagnosisReturnsResult(t *testing.T) {
	d := &fakeDiagnoser{result: diagnose.HeldResult{
		Base:   diagnose.Base{Type: diagnose.KindJobHeldUser, JobID: "42", Summary: "held by user"},
		HeldBy: "user",
	}}
	r := newTestRouter(NewJobsRouter(d))

	w, env := serve(t, r, "/api/v1/jobs/42/diagnosis", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.Count)
	assert.Empty(t, env.Detail)

	var result map[string]any
	require.NoError(t, json.Unmarshal(env.Results, &result))
	assert.Equal(t, "JobHeldUser", result["type"])
	assert.Equal(t, "42", result["jobId"])
	assert.Equal(t, []string{"42"}, d.calls)
}

func TestDiagnosisRejectsInvalidID(t *testing.T) {
	r := newTestRouter(NewJobsRouter(&fakeDiagnoser{}))

	w, env := serve(t, r, "/api/v1/jobs/abc/diagnosis", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Detail, "invalid job id")
	assert.Equal(t, "null", string(env.Results))
}

func TestDiagnosisUnexpectedError(t *testing.T) {
	r := newTestRouter(NewJobsRouter(&fakeDiagnoser{err: errors.New("boom")}))

	w, env := serve(t, r, "/api/v1/jobs/7/diagnosis", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, env.Detail, "boom")
}

func TestRequestIDEchoedOrMinted(t *testing.T) {
	r := newTestRouter(NewStatusRouter(fakeView{}, "test"))

	w, _ := serve(t, r, "/api/v1/healthz", http.Header{RequestIDHeader: {"req-1"}})
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	w, _ = serve(t, r, "/api/v1/healthz", nil)
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}

func TestSnapshotSummary(t *testing.T) {
	captured := time.Date(2026, 10, 18, 11, 59, 0, 0, time.UTC)
	snap := cache.NewSnapshot(slurm.Snapshot{
		Associations: []slurm.Association{
			{Account: "root", GrpJobs: slurm.Unset, GrpSubmitJobs: slurm.Unset, MaxJobs: slurm.Unset, MaxSubmitJobs: slurm.Unset},
			{Account: "physics", Parent: "root", GrpJobs: slurm.Unset, GrpSubmitJobs: slurm.Unset, MaxJobs: slurm.Unset, MaxSubmitJobs: slurm.Unset},
		},
		Jobs:        []slurm.Job{{ID: "1"}, {ID: "2"}, {ID: "3"}},
		Nodes:       []slurm.Node{{Name: "n1"}},
		CollectedAt: captured,
	})
	rt := NewStatusRouter(fakeView{snap: snap}, "test")
	rt.now = func() time.Time { return captured.Add(time.Minute) }
	r := newTestRouter(rt)

	w, env := serve(t, r, "/api/v1/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got SnapshotSummary
	require.NoError(t, json.Unmarshal(env.Results, &got))
	assert.True(t, got.CapturedAt.Equal(captured))
	assert.Equal(t, int64(60), got.AgeSeconds)
	assert.Equal(t, 2, got.Accounts)
	assert.Equal(t, 3, got.ActiveJobs)
	assert.Equal(t, 1, got.Nodes)
}

func TestSnapshotMissing(t *testing.T) {
	r := newTestRouter(NewStatusRouter(fakeView{}, "test"))

	w, env := serve(t, r, "/api/v1/snapshot", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no snapshot collected yet", env.Detail)

	w, env = serve(t, r, "/api/v1/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var h Health
	require.NoError(t, json.Unmarshal(env.Results, &h))
	assert.Equal(t, Health{Status: "ok", Snapshot: false, Version: "test"}, h)
}

func TestMountUsesRegistry(t *testing.T) {
	saved := registrars
	defer func() { registrars = saved }()
	registrars = nil

	Register(NewStatusRouter(fakeView{}, "test"))
	r := New()
	Mount(r)

	w, _ := serve(t, r, "/api/v1/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
