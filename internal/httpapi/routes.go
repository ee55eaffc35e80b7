// Package httpapi wires the gateway's externally-facing HTTP surface: the
// proxied chat-completions endpoint, the admin wake/stream routes, and
// health/metrics, using gin the way the rest of the pack's HTTP services do.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/runnergateway/gateway/internal/adminstream"
	"github.com/runnergateway/gateway/internal/batchqueue"
	"github.com/runnergateway/gateway/internal/classifier"
	"github.com/runnergateway/gateway/internal/control"
	"github.com/runnergateway/gateway/internal/gatewayerr"
	"github.com/runnergateway/gateway/internal/registry"
	"github.com/runnergateway/gateway/internal/router"
	"github.com/runnergateway/gateway/internal/wake"
)

// Deps bundles everything the HTTP surface needs to serve a request.
type Deps struct {
	Registry    *registry.Registry
	Router      *router.Router
	Queue       *batchqueue.Queue
	Waker       *wake.Waker
	Control     *control.Handler
	AdminStream *adminstream.Handler
	Log         logrus.FieldLogger
	// AdminRoles resolves the caller's roles for the permission check in
	// spec §4.4; defaults to granting model:specific when unset (no auth
	// layer wired yet).
	AdminRoles func(r *http.Request) []string
}

// New builds the gin engine with every route the gateway exposes.
func New(deps Deps) *gin.Engine {
	if deps.AdminRoles == nil {
		deps.AdminRoles = allowSpecific
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "runners": deps.Registry.Count()})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/v1/chat/completions", chatCompletionsHandler(deps))

	admin := engine.Group("/admin")
	admin.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST"},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
	}))
	admin.POST("/runners/:id/wake", wakeHandler(deps))
	admin.GET("/stream", gin.WrapH(deps.AdminStream))

	engine.GET("/runner/connect", gin.WrapH(deps.Control))

	return engine
}

// chatCompletionsHandler parses the requested model and enforces the role
// check (spec §4.4, "Permission check"), then enqueues class requests on the
// batch queue and waits for their result, or proxies specific-model
// requests directly through the router.
func chatCompletionsHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			writeError(c, gatewayerr.InvalidRequest("reading request body: %v", err))
			return
		}

		var generic struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(body, &generic); err != nil || generic.Model == "" {
			writeError(c, gatewayerr.InvalidRequest("request body missing \"model\" field"))
			return
		}

		modelReq := classifier.ParseModelRequest(generic.Model)

		roles := deps.AdminRoles(c.Request)
		if !classifier.CanRequestModel(roles, modelReq) {
			writeError(c, gatewayerr.InvalidRequest("role does not permit specific-model requests"))
			return
		}

		var resp []byte
		if modelReq.IsClassRequest() {
			reply, duplicates := deps.Queue.EnqueueWithDedup(string(modelReq.Class), body)
			if duplicates > 0 {
				deps.Log.WithFields(logrus.Fields{"class": modelReq.Class, "duplicates": duplicates}).
					Warn("duplicate request body already queued for this class")
			}
			result := <-reply
			if result.Err != nil {
				writeError(c, result.Err)
				return
			}
			resp = result.Response
		} else {
			resp, err = deps.Router.Route(c.Request.Context(), modelReq, body)
			if err != nil {
				writeError(c, err)
				return
			}
		}

		c.Data(http.StatusOK, "application/json", resp)
	}
}

func wakeHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		result, err := deps.Waker.Wake(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": result.Success, "message": result.Message})
	}
}

func writeError(c *gin.Context, err error) {
	if code, ok := gatewayerr.GetCode(err); ok {
		gwErr := err.(*gatewayerr.Error)
		c.JSON(gwErr.Status(), gin.H{"code": code, "message": gwErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "message": err.Error()})
}

func allowSpecific(_ *http.Request) []string {
	return []string{classifier.RoleModelSpecific}
}
