package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/usecase"
)

// ScheduleHandler handles the schedule trigger and lock administration endpoints.
type ScheduleHandler struct {
	scheduleUC     *usecase.ScheduleUsecase
	streamInterval time.Duration
	logger         *zap.Logger
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(scheduleUC *usecase.ScheduleUsecase, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{scheduleUC: scheduleUC, streamInterval: DefaultStreamInterval, logger: logger}
}

// Run handles POST /schedule/:task/run
func (h *ScheduleHandler) Run(c *gin.Context) {
	task, ok := h.task(c)
	if !ok {
		return
	}

	resp, err := h.scheduleUC.Run(c.Request.Context(), task)
	if err != nil {
		h.fail(c, "Schedule run failed", err)
		return
	}

	status := http.StatusAccepted
	if resp.Status == domain.ScheduleSkippedLock {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// LockState handles GET /schedule/:task/lock
func (h *ScheduleHandler) LockState(c *gin.Context) {
	task, ok := h.task(c)
	if !ok {
		return
	}

	resp, err := h.scheduleUC.LockState(c.Request.Context(), task)
	if err != nil {
		h.fail(c, "Lock inspect failed", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ReleaseLock handles DELETE /schedule/:task/lock
func (h *ScheduleHandler) ReleaseLock(c *gin.Context) {
	task, ok := h.task(c)
	if !ok {
		return
	}

	resp, err := h.scheduleUC.ReleaseLock(c.Request.Context(), task)
	if err != nil {
		h.fail(c, "Forced lock release failed", err)
		return
	}
	h.logger.Warn("Lock force released",
		zap.String("task", task.String()),
		zap.Bool("released", resp.Released),
		zap.String("request_id", c.GetString("request_id")),
	)
	c.JSON(http.StatusOK, resp)
}

// Plan handles GET /schedule/:task/plan
func (h *ScheduleHandler) Plan(c *gin.Context) {
	task, ok := h.task(c)
	if !ok {
		return
	}

	resp, err := h.scheduleUC.Plan(task)
	if err != nil {
		h.fail(c, "Schedule plan failed", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ScheduleHandler) task(c *gin.Context) (domain.Task, bool) {
	task, err := domain.ParseTask(c.Param("task"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return task, true
}

func (h *ScheduleHandler) fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Warn(msg, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Lock store unavailable"})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
