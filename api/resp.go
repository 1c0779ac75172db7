package api

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/codepal-dev/pluginhost/manager"
	"github.com/codepal-dev/pluginhost/plugin"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type statusRule struct {
	target error
	status int
	code   string
}

// Order matters: more specific sentinels come first.
var statusRules = []statusRule{
	{manager.ErrNotFound, http.StatusNotFound, "not_found"},
	{manager.ErrAlreadyInstalled, http.StatusConflict, "already_installed"},
	{manager.ErrDuplicateBinding, http.StatusConflict, "duplicate_binding"},
	{manager.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{manager.ErrVersionNotNewer, http.StatusConflict, "version_not_newer"},
	{manager.ErrUnknownHook, http.StatusBadRequest, "unknown_hook"},
	{plugin.ErrInvalidManifest, http.StatusBadRequest, "invalid_manifest"},
	{plugin.ErrArtifactUnreadable, http.StatusBadRequest, "artifact_unreadable"},
	{manager.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
}

func statusFor(err error) (int, string) {
	for _, r := range statusRules {
		if errors.Is(err, r.target) {
			return r.status, r.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "bad_request"})
}
