package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Tyrowin/pairchat/internal/apperr"
	"github.com/Tyrowin/pairchat/internal/auth"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError writes the error envelope with the status of err's kind.
func RespondError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err), apperr.Code(err)
	if errors.Is(err, auth.ErrUnauthenticated) {
		status, code = http.StatusUnauthorized, "unauthorized"
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		// Store details stay in the logs.
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func RespondCreated(c *gin.Context, payload any) {
	c.JSON(http.StatusCreated, payload)
}
