package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/api"
	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/manager"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
)

const reviewSource = `
function onCodeReview(ctx, file) {
	return [{severity: "low", message: "checked " + file.path}];
}`

func reviewArtifact(version string) *plugin.Artifact {
	return &plugin.Artifact{
		Manifest: plugin.Manifest{
			ID:           "reviewer",
			Version:      version,
			Runtime:      plugin.RuntimeJS,
			Hooks:        []string{hook.CodeReview},
			Capabilities: []string{"none"},
		},
		Source: []byte(reviewSource),
	}
}

var _ = Describe("Handler", func() {
	var (
		mgr    *manager.Manager
		router *gin.Engine
	)

	do := func(method, path string, body any, user string) *httptest.ResponseRecorder {
		var r io.Reader
		switch b := body.(type) {
		case nil:
		case []byte:
			r = bytes.NewReader(b)
		default:
			data, err := json.Marshal(b)
			Expect(err).NotTo(HaveOccurred())
			r = bytes.NewReader(data)
		}
		req := httptest.NewRequest(method, path, r)
		req.Header.Set("Content-Type", "application/json")
		if user != "" {
			req.Header.Set(api.UserHeader, user)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		Expect(json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	BeforeEach(func() {
		log := logrus.New()
		log.SetOutput(io.Discard)
		mgr = manager.New(manager.WithLogger(log))
		router = api.NewRouter(api.NewHandler(mgr, log), gin.TestMode)
	})

	Describe("authentication", func() {
		It("serves health without a user", func() {
			rec := do(http.MethodGet, "/health", nil, "")
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("rejects API calls without X-User-ID", func() {
			rec := do(http.MethodGet, "/api/v1/plugins", nil, "")
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))

			var body api.ErrorResponse
			decode(rec, &body)
			Expect(body.Code).To(Equal("unauthenticated"))
		})
	})

	Describe("plugin lifecycle", func() {
		It("installs, activates, dispatches and uninstalls", func() {
			rec := do(http.MethodPost, "/api/v1/plugins", reviewArtifact("1.0.0"), "alice")
			Expect(rec.Code).To(Equal(http.StatusCreated), rec.Body.String())

			var info manager.Info
			decode(rec, &info)
			Expect(info.State).To(Equal(plugin.StateApproved))
			Expect(info.Safe).To(BeTrue())

			rec = do(http.MethodPost, "/api/v1/plugins/reviewer/activate", nil, "alice")
			Expect(rec.Code).To(Equal(http.StatusOK))

			payload := []byte(`{"context":{},"file":{"path":"api.go","content":""}}`)
			rec = do(http.MethodPost, "/api/v1/hooks/onCodeReview/dispatch", payload, "alice")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var resp api.DispatchResponse
			decode(rec, &resp)
			Expect(resp.Results).To(HaveLen(1))
			Expect(resp.Results[0].Outcome.Kind).To(Equal(sandbox.Success))

			rec = do(http.MethodDelete, "/api/v1/plugins/reviewer", nil, "alice")
			Expect(rec.Code).To(Equal(http.StatusOK))
			decode(rec, &info)
			Expect(info.State).To(Equal(plugin.StateUninstalled))

			rec = do(http.MethodPost, "/api/v1/hooks/onCodeReview/dispatch", payload, "alice")
			decode(rec, &resp)
			Expect(resp.Results).To(BeEmpty())
		})

		It("records the caller as the event actor", func() {
			Expect(do(http.MethodPost, "/api/v1/plugins", reviewArtifact("1.0.0"), "bob").Code).To(Equal(http.StatusCreated))

			rec := do(http.MethodGet, "/api/v1/events?limit=1", nil, "bob")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var events []manager.Event
			decode(rec, &events)
			Expect(events).To(HaveLen(1))
			Expect(events[0].Actor).To(Equal("bob"))
		})

		It("serves the scan report as JSON and Markdown", func() {
			Expect(do(http.MethodPost, "/api/v1/plugins", reviewArtifact("1.0.0"), "alice").Code).To(Equal(http.StatusCreated))

			rec := do(http.MethodGet, "/api/v1/plugins/reviewer/report", nil, "alice")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"safe":true`))

			rec = do(http.MethodGet, "/api/v1/plugins/reviewer/report?format=markdown", nil, "alice")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(HavePrefix("text/markdown"))
		})

		It("updates the policy", func() {
			Expect(do(http.MethodPost, "/api/v1/plugins", reviewArtifact("1.0.0"), "alice").Code).To(Equal(http.StatusCreated))

			rec := do(http.MethodPut, "/api/v1/plugins/reviewer/policy", api.PolicyRequest{
				Timeout:      "2s",
				Capabilities: []string{"network"},
				AllowedHosts: []string{"*.codepal.dev"},
			}, "alice")
			Expect(rec.Code).To(Equal(http.StatusOK), rec.Body.String())

			rec = do(http.MethodPut, "/api/v1/plugins/reviewer/policy", api.PolicyRequest{Timeout: "soon"}, "alice")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("revokes and upgrades", func() {
			Expect(do(http.MethodPost, "/api/v1/plugins", reviewArtifact("1.0.0"), "alice").Code).To(Equal(http.StatusCreated))

			rec := do(http.MethodPut, "/api/v1/plugins/reviewer", reviewArtifact("1.0.0"), "alice")
			Expect(rec.Code).To(Equal(http.StatusConflict))

			rec = do(http.MethodPut, "/api/v1/plugins/reviewer", reviewArtifact("1.1.0"), "alice")
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec = do(http.MethodPost, "/api/v1/plugins/reviewer/revoke", map[string]string{}, "alice")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			rec = do(http.MethodPost, "/api/v1/plugins/reviewer/revoke", api.RevokeRequest{Reason: "key leaked"}, "alice")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var info manager.Info
			decode(rec, &info)
			Expect(info.Descriptor.Trust).To(Equal(plugin.TrustRevoked))
		})
	})

	DescribeTable("error mapping",
		func(method, path string, body any, status int, code string) {
			Expect(do(http.MethodPost, "/api/v1/plugins", reviewArtifact("1.0.0"), "alice").Code).To(Equal(http.StatusCreated))

			rec := do(method, path, body, "alice")
			Expect(rec.Code).To(Equal(status), rec.Body.String())

			var resp api.ErrorResponse
			decode(rec, &resp)
			Expect(resp.Code).To(Equal(code))
		},
		Entry("unknown plugin", http.MethodGet, "/api/v1/plugins/ghost", nil, http.StatusNotFound, "not_found"),
		Entry("duplicate install", http.MethodPost, "/api/v1/plugins", reviewArtifact("1.0.0"), http.StatusConflict, "already_installed"),
		Entry("invalid transition", http.MethodPost, "/api/v1/plugins/reviewer/suspend", nil, http.StatusConflict, "invalid_state_transition"),
		Entry("unknown hook", http.MethodPost, "/api/v1/hooks/onNothing/dispatch", []byte(`{}`), http.StatusBadRequest, "unknown_hook"),
		Entry("non-JSON payload", http.MethodPost, "/api/v1/hooks/onCodeReview/dispatch", []byte(`not json`), http.StatusBadRequest, "bad_request"),
		Entry("bad limit", http.MethodGet, "/api/v1/results?limit=-1", nil, http.StatusBadRequest, "bad_request"),
	)
})
