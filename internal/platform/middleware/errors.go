package middleware

import (
	"github.com/labstack/echo/v4"
)

// errorBody is the JSON shape middleware writes when it answers a request
// itself, matching echo's default HTTPError body.
type errorBody struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(c echo.Context, status int, msg string) error {
	rid, _ := c.Get("request_id").(string)
	return c.JSON(status, errorBody{Message: msg, RequestID: rid})
}
