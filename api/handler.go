// Package api exposes the plugin manager over HTTP with gin.
//
// Every route except /health requires an X-User-ID header carrying the caller
// identity established by an upstream authenticator. The identity is recorded
// as the actor of lifecycle events; authorization is left to the upstream.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/manager"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
)

// UserHeader carries the authenticated caller identity.
const UserHeader = "X-User-ID"

const (
	defaultLimit = 50
	maxPayload   = 4 << 20
)

// RevokeRequest is the body of POST /plugins/:id/revoke.
type RevokeRequest struct {
	Reason string `json:"reason" binding:"required,max=512"`
}

// PolicyRequest is the body of PUT /plugins/:id/policy. Timeout is a Go
// duration string.
type PolicyRequest struct {
	Timeout         string   `json:"timeout" binding:"required"`
	MemoryLimitMB   uint32   `json:"memory_limit_mb"`
	Capabilities    []string `json:"capabilities"`
	SandboxRoot     string   `json:"sandbox_root"`
	AllowedHosts    []string `json:"allowed_hosts"`
	AllowedPaths    []string `json:"allowed_paths"`
	AllowedCommands []string `json:"allowed_commands"`
	AllowedEnv      []string `json:"allowed_env"`
}

// Policy converts the request into a sandbox policy.
func (r PolicyRequest) Policy() (sandbox.Policy, error) {
	timeout, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return sandbox.Policy{}, err
	}
	caps, err := capability.ParseSet(r.Capabilities)
	if err != nil {
		return sandbox.Policy{}, err
	}
	p := sandbox.Policy{
		Timeout:             timeout,
		MemoryLimitMB:       r.MemoryLimitMB,
		AllowedCapabilities: caps,
		SandboxRoot:         r.SandboxRoot,
		AllowedHosts:        r.AllowedHosts,
		AllowedPaths:        r.AllowedPaths,
		AllowedCommands:     r.AllowedCommands,
		AllowedEnv:          r.AllowedEnv,
	}
	return p, p.Validate()
}

// DispatchResponse is the body returned by POST /hooks/:hook/dispatch.
type DispatchResponse struct {
	Hook    string           `json:"hook"`
	Results []sandbox.Result `json:"results"`
}

// Handler serves the manager API.
type Handler struct {
	mgr *manager.Manager
	log logrus.FieldLogger
}

// NewHandler creates a handler over mgr.
func NewHandler(mgr *manager.Manager, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{mgr: mgr, log: log}
}

// RegisterRoutes registers all HTTP routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1", RequireUser())
	{
		plugins := api.Group("/plugins")
		{
			plugins.GET("", h.List)
			plugins.POST("", h.Install)
			plugins.GET("/:id", h.Get)
			plugins.PUT("/:id", h.Upgrade)
			plugins.DELETE("/:id", h.Uninstall)
			plugins.POST("/:id/activate", h.Activate)
			plugins.POST("/:id/suspend", h.Suspend)
			plugins.POST("/:id/revoke", h.Revoke)
			plugins.PUT("/:id/policy", h.Configure)
			plugins.GET("/:id/report", h.Report)
		}

		hooks := api.Group("/hooks")
		{
			hooks.GET("", h.Hooks)
			hooks.POST("/:hook/dispatch", h.Dispatch)
		}

		api.GET("/events", h.Events)
		api.GET("/results", h.Results)
	}
}

// RequireUser rejects requests without a caller identity and attaches it to
// the request context as the event actor.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(UserHeader)
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "missing " + UserHeader + " header",
				Code:  "unauthenticated",
			})
			return
		}
		c.Set("user_id", user)
		c.Request = c.Request.WithContext(manager.WithActor(c.Request.Context(), user))
		c.Next()
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "plugins": len(h.mgr.List())})
}

// List handles GET /plugins.
func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.List())
}

// Get handles GET /plugins/:id.
func (h *Handler) Get(c *gin.Context) {
	info, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Install handles POST /plugins with an artifact body.
func (h *Handler) Install(c *gin.Context) {
	a, ok := h.bindArtifact(c)
	if !ok {
		return
	}
	info, err := h.mgr.Install(c.Request.Context(), a)
	if err != nil {
		h.logFailure(c, "install", a.Manifest.ID, err)
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

// Upgrade handles PUT /plugins/:id with an artifact body.
func (h *Handler) Upgrade(c *gin.Context) {
	a, ok := h.bindArtifact(c)
	if !ok {
		return
	}
	if a.Manifest.ID != c.Param("id") {
		badRequest(c, "manifest id does not match path")
		return
	}
	info, err := h.mgr.Upgrade(c.Request.Context(), a)
	if err != nil {
		h.logFailure(c, "upgrade", a.Manifest.ID, err)
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Uninstall handles DELETE /plugins/:id.
func (h *Handler) Uninstall(c *gin.Context) {
	info, err := h.mgr.Uninstall(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logFailure(c, "uninstall", c.Param("id"), err)
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Activate handles POST /plugins/:id/activate.
func (h *Handler) Activate(c *gin.Context) {
	info, err := h.mgr.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Suspend handles POST /plugins/:id/suspend.
func (h *Handler) Suspend(c *gin.Context) {
	info, err := h.mgr.Suspend(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Revoke handles POST /plugins/:id/revoke.
func (h *Handler) Revoke(c *gin.Context) {
	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	info, err := h.mgr.Revoke(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Configure handles PUT /plugins/:id/policy.
func (h *Handler) Configure(c *gin.Context) {
	var req PolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	policy, err := req.Policy()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	info, err := h.mgr.Configure(c.Request.Context(), c.Param("id"), policy)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Report handles GET /plugins/:id/report. With ?format=markdown the report is
// rendered as Markdown.
func (h *Handler) Report(c *gin.Context) {
	report, err := h.mgr.Report(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if c.Query("format") == "markdown" {
		md, err := report.Markdown()
		if err != nil {
			fail(c, err)
			return
		}
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(md))
		return
	}
	c.JSON(http.StatusOK, report)
}

// Hooks handles GET /hooks.
func (h *Handler) Hooks(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.Registry().Hooks())
}

// Dispatch handles POST /hooks/:hook/dispatch. The body is passed to the
// plugins unchanged.
func (h *Handler) Dispatch(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayload+1))
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}
	if len(body) > maxPayload {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Code: "payload_too_large"})
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		badRequest(c, "payload must be JSON")
		return
	}

	hookName := c.Param("hook")
	results, err := h.mgr.Dispatch(c.Request.Context(), hookName, body)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DispatchResponse{Hook: hookName, Results: results})
}

// Events handles GET /events?limit=n.
func (h *Handler) Events(c *gin.Context) {
	n, ok := limit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.mgr.Events(n))
}

// Results handles GET /results?limit=n.
func (h *Handler) Results(c *gin.Context) {
	n, ok := limit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.mgr.RecentResults(n))
}

func (h *Handler) bindArtifact(c *gin.Context) (*plugin.Artifact, bool) {
	var a plugin.Artifact
	if err := c.ShouldBindJSON(&a); err != nil {
		badRequest(c, err.Error())
		return nil, false
	}
	return &a, true
}

func (h *Handler) logFailure(c *gin.Context, op, id string, err error) {
	h.log.WithFields(logrus.Fields{
		"op":     op,
		"plugin": id,
		"actor":  c.GetString("user_id"),
	}).WithError(err).Warn("Plugin operation failed")
}

func limit(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("limit", strconv.Itoa(defaultLimit))
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
