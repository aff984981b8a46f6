package dto

import "github.com/clawui/claw-relay/internal/relay"

type HealthResponse struct {
	Status string       `json:"status"`
	Uptime string       `json:"uptime"`
	Relay  *relay.Stats `json:"relay,omitempty"`
}
