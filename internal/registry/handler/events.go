package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
)

// keepAliveInterval is how often an idle event stream sends a comment line
// so intermediaries do not close it.
const keepAliveInterval = 15 * time.Second

// Events handles GET /events: a server-sent event stream of appended
// checkpoints. Each event is named "checkpoint" and carries the checkpoint
// as JSON.
func (h *RegistryHandler) Events(c *gin.Context) {
	sub, ok := h.reg.(ledger.Subscriber)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "registry does not publish notifications"})
		return
	}

	ctx := c.Request.Context()
	ch, err := sub.SubscribeCheckpoints(ctx)
	if err != nil {
		h.fail(c, "registry SubscribeCheckpoints", err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	// The ready event tells clients the subscription is attached.
	c.SSEvent("ready", "{}")
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case cp, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("checkpoint", cp)
			return true
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				h.logger.Debug("event stream closed", zap.Error(err))
				return false
			}
			return true
		case <-ctx.Done():
			return false
		}
	})
}
