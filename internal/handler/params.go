package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	appErrors "github.com/noah-isme/creche-api/pkg/errors"
	"github.com/noah-isme/creche-api/pkg/response"
)

// pathUUID reads a UUID path parameter. Malformed values are answered with
// 400 and ok is false.
func pathUUID(c *gin.Context, name string) (string, bool) {
	return requireUUID(c, name, c.Param(name))
}

// requireUUID returns value in canonical form.
func requireUUID(c *gin.Context, field, value string) (string, bool) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, field+" must be a valid UUID"))
		return "", false
	}
	return id.String(), true
}

// optionalUUID is requireUUID that lets an empty value through.
func optionalUUID(c *gin.Context, field, value string) (string, bool) {
	if strings.TrimSpace(value) == "" {
		return "", true
	}
	return requireUUID(c, field, value)
}
