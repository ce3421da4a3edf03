// README: Trigger endpoint for an external scheduler; runs one job synchronously.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/jobs"
)

const maxJobPayload = 64 << 10

type JobHandler struct {
	dispatcher *jobs.Dispatcher
}

func NewJobHandler(d *jobs.Dispatcher) *JobHandler {
	return &JobHandler{dispatcher: d}
}

func (h *JobHandler) Run(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxJobPayload))
	if err != nil {
		writeMessage(c, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeMessage(c, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := jobs.New(jobs.Type(c.Param("type")), json.RawMessage(body), jobs.PriorityNormal)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.dispatcher.Dispatch(c.Request.Context(), job); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"job_id": job.ID, "type": job.Type, "status": "done"})
}
