package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
)

// StatusForKind maps a registry error kind to its HTTP status.
func StatusForKind(k ledger.Kind) int {
	switch k {
	case ledger.PermissionDenied:
		return http.StatusForbidden
	case ledger.InvalidStrand:
		return http.StatusBadRequest
	case ledger.UnknownStrand, ledger.EmptyStrand, ledger.NotRecorded:
		return http.StatusNotFound
	case ledger.DuplicateStrand, ledger.NonMonotonicWrite, ledger.StaleSequence:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error body. Typed registry errors keep their kind
// so clients can rebuild them; anything else is logged and reported as 500.
func (h *RegistryHandler) fail(c *gin.Context, op string, err error) {
	var le *ledger.Error
	if errors.As(err, &le) {
		c.JSON(StatusForKind(le.Kind), gin.H{
			"error":        le.Msg,
			"kind":         le.Kind.String(),
			"strand_id":    le.StrandID,
			"block_number": le.BlockNumber,
		})
		return
	}
	h.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "registry failure"})
}
