package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
	"github.com/abjerry97/duespay/internal/flow"
)

// toAPIError maps flow failures onto the error shape the browser renders.
func toAPIError(err error) *api.Error {
	switch {
	case errors.Is(err, flow.ErrFlowNotFound):
		return api.NewError(api.ErrNotFound, "This payment session has expired. Please start again.").
			WithTitle("Session Not Found").Wrap(err)
	case errors.Is(err, flow.ErrUnknownItem):
		return api.NewError(api.ErrNotFound, err.Error()).Wrap(err)
	case errors.Is(err, flow.ErrWrongStage):
		return conflict("Action Not Allowed", err)
	case errors.Is(err, flow.ErrSubmissionInFlight):
		return conflict("Submission In Progress", err)
	case errors.Is(err, flow.ErrProofRequired),
		errors.Is(err, flow.ErrProofType),
		errors.Is(err, flow.ErrProofTooLarge):
		return fieldError("proof_file", err)
	case errors.Is(err, flow.ErrNothingSelected), errors.Is(err, flow.ErrItemInactive):
		return fieldError("payment_item_ids", err)
	case errors.Is(err, flow.ErrShortNameRequired):
		return fieldError("short_name", err)
	}
	return api.AsError(err)
}

func conflict(title string, err error) *api.Error {
	apiErr := api.NewError(api.ErrUnknown, err.Error()).WithTitle(title).Wrap(err)
	apiErr.Status = http.StatusConflict
	return apiErr
}

func fieldError(field string, err error) *api.Error {
	apiErr := api.FieldErrors(map[string][]string{field: {err.Error()}})
	apiErr.Message = err.Error()
	return apiErr.Wrap(err)
}

func (s *APIServer) respondError(c *gin.Context, err error) {
	apiErr := toAPIError(err)
	status := apiErr.HTTPStatus()

	entry := log.WithFields(log.Fields{
		"path":   c.FullPath(),
		"kind":   apiErr.Kind,
		"status": status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Warn("request failed")
	} else {
		entry.Debug("request rejected")
	}

	c.JSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"kind":            apiErr.Kind,
			"title":           apiErr.Title,
			"message":         apiErr.Message,
			"fields":          apiErr.Fields,
			"retryable":       apiErr.Retryable(),
			"session_expired": apiErr.SessionExpired,
		},
	})
}
