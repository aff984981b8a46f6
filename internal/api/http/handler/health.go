package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawui/claw-relay/internal/api/http/dto"
	"github.com/clawui/claw-relay/internal/relay"
)

type HealthHandler struct {
	relay   *relay.Relay
	started time.Time
}

func NewHealthHandler(r *relay.Relay) *HealthHandler {
	return &HealthHandler{relay: r, started: time.Now()}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	resp := dto.HealthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	if h.relay != nil {
		stats := h.relay.Stats()
		resp.Relay = &stats
	}
	ctx.JSON(http.StatusOK, resp)
}
