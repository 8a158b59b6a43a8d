package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
)

// DefaultStreamInterval is how often a lock stream inspects the lock.
const DefaultStreamInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboards are served from other origins
	},
}

// Stream handles GET /schedule/:task/stream (WebSocket upgrade). The current lock state is
// sent on connect and again every time the lock is taken or released, until the client
// disconnects.
func (h *ScheduleHandler) Stream(c *gin.Context) {
	task, ok := h.task(c)
	if !ok {
		return
	}

	// Unknown tasks and a down store are reported as plain HTTP errors before upgrading.
	state, err := h.scheduleUC.LockState(c.Request.Context(), task)
	if err != nil {
		h.fail(c, "Lock inspect failed", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("Lock stream opened", zap.String("task", task.String()))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// The read side only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(state); err != nil {
		h.logger.Debug("WebSocket write failed (client disconnected)", zap.Error(err))
		return
	}
	last := lockFrameKey(state, nil)

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("Lock stream closed", zap.String("task", task.String()))
			return
		case <-ticker.C:
		}

		state, err := h.scheduleUC.LockState(ctx, task)
		if ctx.Err() != nil {
			return
		}
		key := lockFrameKey(state, err)
		if key == last {
			continue
		}
		last = key

		var frame any = state
		if err != nil {
			h.logger.Warn("Lock stream inspect failed", zap.String("task", task.String()), zap.Error(err))
			frame = gin.H{"error": "Lock store unavailable"}
		}
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Debug("WebSocket write failed (client disconnected)", zap.Error(err))
			return
		}
	}
}

// lockFrameKey identifies what a client has already been told, so only changes are pushed.
func lockFrameKey(state domain.ScheduleLockStateResponse, err error) string {
	switch {
	case err != nil:
		return "unavailable"
	case state.Locked:
		return "locked"
	default:
		return "unlocked"
	}
}
