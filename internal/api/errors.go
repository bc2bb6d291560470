package api

import (
	"net/http"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:             http.StatusBadRequest,
	apperr.KindNotFound:               http.StatusNotFound,
	apperr.KindInsufficientStock:      http.StatusConflict,
	apperr.KindInvalidState:           http.StatusConflict,
	apperr.KindInvalidTransition:      http.StatusConflict,
	apperr.KindWindowExpired:          http.StatusUnprocessableEntity,
	apperr.KindCouponRejected:         http.StatusUnprocessableEntity,
	apperr.KindConcurrentModification: http.StatusConflict,
	apperr.KindConflict:               http.StatusConflict,
	apperr.KindInternal:               http.StatusInternalServerError,
}

type errorBody struct {
	Kind    apperr.Kind       `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details any               `json:"details,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// respondError writes the error envelope. Internal failures hide their cause
// from the client and log it with a short stack.
func respondError(c *gin.Context, err error) {
	appErr := apperr.As(err)
	status, ok := statusByKind[appErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := errorBody{
		Kind:    appErr.Kind,
		Message: appErr.Message,
		Fields:  appErr.Fields,
		Details: appErr.Details,
	}
	if status == http.StatusInternalServerError {
		util.GetLogger().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
			zap.Strings("stack", apperr.StackLines(err, 12)))
		body.Message = "internal error"
		body.Details = nil
	}

	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": body})
}
