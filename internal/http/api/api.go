package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// Helpers for the common statuses.
func BadRequest(msg string) *APIError { return &APIError{Code: http.StatusBadRequest, Message: msg} }
func Internal(err error) *APIError {
	return &APIError{Code: http.StatusInternalServerError, Message: err.Error()}
}

// WriteError renders e as {"error": message} with its status code.
func WriteError(ctx *gin.Context, e *APIError) {
	ctx.JSON(e.Code, gin.H{"error": e.Message})
}

type HandlerFunc func(ctx *gin.Context) (any, *APIError)

func ResolveEndpoint(h HandlerFunc) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		result, apiErr := h(ctx)
		if apiErr != nil {
			WriteError(ctx, apiErr)
			return
		}

		ctx.JSON(http.StatusOK, result)
	}
}
