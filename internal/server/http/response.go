package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"maestro/internal/coordinator"
	"maestro/internal/scheduler"
)

// APIResponse is the envelope every REST handler returns.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

// fail maps domain errors onto HTTP statuses: NotFound→404, StateError→409,
// Invalid→400, QueueFull→429, anything else→500.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrAgentNotFound),
		errors.Is(err, coordinator.ErrTaskNotFound),
		errors.Is(err, coordinator.ErrWorkflowNotFound),
		errors.Is(err, scheduler.ErrScheduleNotFound):
		status = http.StatusNotFound
	case coordinator.IsStateError(err):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrQueueFull):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, APIResponse{Success: false, Error: err.Error()})
}

func failBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: err.Error()})
}
