package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nebari-dev/launchpad/internal/events"
	"github.com/nebari-dev/launchpad/internal/ledger"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/nebari-dev/launchpad/internal/service"
)

// keepAliveInterval spaces SSE comments that keep idle proxies from closing
// the stream.
var keepAliveInterval = 15 * time.Second

type JobHandler struct {
	svc    *service.Service
	broker *events.Broker
}

func NewJobHandler(svc *service.Service, broker *events.Broker) *JobHandler {
	return &JobHandler{svc: svc, broker: broker}
}

// ListJobs godoc
// @Summary List ledger entries, newest first
// @Tags jobs
// @Produce json
// @Param queue query string false "Queue name"
// @Param status query string false "Job status"
// @Param limit query int false "Maximum entries"
// @Success 200 {array} models.Job
// @Router /jobs [get]
func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := h.svc.ListJobs(c.Request.Context(), ledger.Filter{
		QueueName: c.Query("queue"),
		Status:    models.JobStatus(c.Query("status")),
		Limit:     limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// GetJob godoc
// @Summary Get a job by ID
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} models.Job
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{id} [get]
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// StreamJobEvents godoc
// @Summary Stream job status changes via Server-Sent Events
// @Tags jobs
// @Produce text/event-stream
// @Param id path string true "Job ID"
// @Success 200 {string} string "event stream"
// @Failure 404 {object} ErrorResponse
// @Router /jobs/{id}/events [get]
func (h *JobHandler) StreamJobEvents(c *gin.Context) {
	jobID := c.Param("id")

	// Subscribe before reading the row so no transition falls in between
	eventChan := h.broker.Subscribe(jobID)
	defer h.broker.Unsubscribe(jobID, eventChan)

	job, err := h.svc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering

	writeEvent(c, events.EventOf(job))

	// Nothing follows a terminal status
	if job.Status.IsTerminal() {
		fmt.Fprintf(c.Writer, "event: done\ndata: Job already finished\n\n")
		c.Writer.Flush()
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-keepAlive.C:
			fmt.Fprintf(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		case e, ok := <-eventChan:
			if !ok {
				fmt.Fprintf(c.Writer, "event: done\ndata: Stream ended\n\n")
				c.Writer.Flush()
				return
			}
			writeEvent(c, e)
		}
	}
}

func writeEvent(c *gin.Context, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: status\ndata: %s\n\n", data)
	c.Writer.Flush()
}
