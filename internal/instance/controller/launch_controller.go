package controller

import (
	"context"
	"strings"

	"ctfgate/internal/instance/middleware"
	"ctfgate/internal/instance/service"
	pkgerrors "ctfgate/pkg/errors"
	"ctfgate/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// InstanceAcquirer returns a routable instance for a principal and challenge.
type InstanceAcquirer interface {
	Acquire(ctx context.Context, principalID, challengeID string) (service.RoutableInstance, error)
}

// LaunchController handles instance launch requests.
type LaunchController struct {
	orchestrator InstanceAcquirer
}

// NewLaunchController creates a new LaunchController.
func NewLaunchController(orchestrator InstanceAcquirer) *LaunchController {
	return &LaunchController{orchestrator: orchestrator}
}

// Launch handles GET /launch/:challenge_id.
func (h *LaunchController) Launch(c *gin.Context) {
	challengeID := strings.TrimSpace(c.Param("challenge_id"))
	if challengeID == "" {
		response.Error(c, pkgerrors.New(pkgerrors.ChallengeNotFound))
		return
	}

	instance, err := h.orchestrator.Acquire(c.Request.Context(), middleware.PrincipalID(c), challengeID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Launch(c, instance.URL)
}
