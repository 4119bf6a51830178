// Package response writes the JSON envelope shared by every endpoint:
// {"success": bool, "data": ..., "error": "..."}.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Data writes a successful envelope with the given status.
func Data(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Body{Success: true, Data: data})
}

// Fail writes an error envelope with the given status.
func Fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Body{Error: msg})
}

func OK(c *gin.Context, data interface{})      { Data(c, http.StatusOK, data) }
func Created(c *gin.Context, data interface{}) { Data(c, http.StatusCreated, data) }

// NoContent writes 204 with no body.
func NoContent(c *gin.Context) { c.Status(http.StatusNoContent) }

func BadRequest(c *gin.Context, msg string)         { Fail(c, http.StatusBadRequest, msg) }
func Unauthorized(c *gin.Context, msg string)       { Fail(c, http.StatusUnauthorized, msg) }
func Forbidden(c *gin.Context, msg string)          { Fail(c, http.StatusForbidden, msg) }
func NotFound(c *gin.Context, msg string)           { Fail(c, http.StatusNotFound, msg) }
func Conflict(c *gin.Context, msg string)           { Fail(c, http.StatusConflict, msg) }
func Internal(c *gin.Context, msg string)           { Fail(c, http.StatusInternalServerError, msg) }
func ServiceUnavailable(c *gin.Context, msg string) { Fail(c, http.StatusServiceUnavailable, msg) }
