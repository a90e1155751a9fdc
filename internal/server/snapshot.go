package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"slurm_why/internal/cache"
	"slurm_why/internal/server/response"
)

// SnapshotView exposes the snapshot currently published to the store.
type SnapshotView interface {
	Current() *cache.Snapshot
}

type SnapshotSummary struct {
	CapturedAt time.Time `json:"capturedAt"`
	AgeSeconds int64     `json:"ageSeconds"`
	Accounts   int       `json:"accounts"`
	ActiveJobs int       `json:"activeJobs"`
	Nodes      int       `json:"nodes"`
}

type Health struct {
	Status   string `json:"status"`
	Snapshot bool   `json:"snapshot"`
	Version  string `json:"version"`
}

type StatusRouter struct {
	store   SnapshotView
	version string
	now     func() time.Time
}

func NewStatusRouter(store SnapshotView, version string) *StatusRouter {
	return &StatusRouter{store: store, version: version, now: time.Now}
}

func (rt *StatusRouter) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.GET("/snapshot", rt.HandlerGetSnapshot) // GET /api/v1/snapshot
		v1.GET("/healthz", rt.HandlerGetHealth)    // GET /api/v1/healthz
	}
}

func (rt *StatusRouter) HandlerGetSnapshot(c *gin.Context) {
	snap := rt.store.Current()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, response.Fail("no snapshot collected yet"))
		return
	}
	summary := SnapshotSummary{
		CapturedAt: snap.CollectedAt,
		AgeSeconds: int64(rt.now().Sub(snap.CollectedAt).Seconds()),
		ActiveJobs: len(snap.Jobs),
		Nodes:      len(snap.Nodes),
	}
	if snap.Limits != nil {
		summary.Accounts = len(snap.Limits.Accounts)
	}
	c.JSON(http.StatusOK, response.One(summary))
}

// HandlerGetHealth stays 200 while the first snapshot is pending; the
// engine collects on demand in that case.
func (rt *StatusRouter) HandlerGetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, response.One(Health{
		Status:   "ok",
		Snapshot: rt.store.Current() != nil,
		Version:  rt.version,
	}))
}
