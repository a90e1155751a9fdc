package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"slurm_why/internal/diagnose"
	"slurm_why/internal/server/response"
)

type Diagnoser interface {
	Diagnose(ctx context.Context, jobID string) (diagnose.Result, error)
}

type JobsRouter struct {
	engine Diagnoser
}

func NewJobsRouter(engine Diagnoser) *JobsRouter {
	return &JobsRouter{engine: engine}
}

func (rt *JobsRouter) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.GET("/jobs/:id/diagnosis", rt.HandlerGetDiagnosis) // GET /api/v1/jobs/{id}/diagnosis
	}
}

// HandlerGetDiagnosis explains why a job is pending. Only a malformed id is
// a client error; scheduler trouble is reported inside the result.
func (rt *JobsRouter) HandlerGetDiagnosis(c *gin.Context) {
	id := c.Param("id")
	result, err := rt.engine.Diagnose(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, diagnose.ErrInvalidJobID) {
			c.JSON(http.StatusBadRequest, response.Fail(err.Error()))
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, response.Fail("diagnosis failed: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.One(result))
}
