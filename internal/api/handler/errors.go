package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/meeting-transcriber/internal/domain"
	"github.com/gin-gonic/gin"
)

// statusFor maps store and domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyInProgress),
		errors.Is(err, domain.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTranscriptEmpty),
		errors.Is(err, domain.ErrArtifactMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the mapped status. Internal errors are logged and not echoed.
func (h *JobHandler) respondError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Failed to "+action,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(status, gin.H{"error": "Failed to " + action})
		return
	}

	c.JSON(status, gin.H{"error": err.Error()})
}
