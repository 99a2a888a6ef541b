package api

import (
	"errors"
	"net/http"

	"farm-ledger/internal/models"
	"farm-ledger/internal/service"
	"farm-ledger/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusOf maps an error to its HTTP status by failure category
func statusOf(err error) int {
	reason, ok := models.ReasonOf(err)
	switch {
	case errors.Is(err, service.ErrUnknownTransaction), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case !ok:
		return http.StatusInternalServerError
	case reason == models.ReasonTimeoutPending:
		return http.StatusAccepted
	case reason == models.ReasonProductNotFound, reason == models.ReasonFarmerNotFound:
		return http.StatusNotFound
	}

	switch reason.Category() {
	case models.CategoryValidation:
		return http.StatusBadRequest
	case models.CategoryAuthorization:
		return http.StatusForbidden
	case models.CategoryStateConflict:
		return http.StatusConflict
	case models.CategoryEnvironment:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}

	if reason, ok := models.ReasonOf(err); ok {
		body["reason"] = reason
		body["category"] = reason.Category()
		if reason.Category() == models.CategoryEnvironment && reason != models.ReasonTimeoutPending {
			body["action"] = "reconnect"
		}
	}

	var txErr *service.TxError
	if errors.As(err, &txErr) {
		body["op"] = txErr.Op
		if txErr.TxHash != "" {
			body["tx_hash"] = txErr.TxHash
		}
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}
