// Package httpapi adapts the registry's programmatic API onto HTTP
// routes. It owns status codes and headers only; all camera semantics
// live below it.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"camera-core-server/core"
	"camera-core-server/preview"
	"camera-core-server/registry"
)

type API struct {
	reg *registry.Registry
	log zerolog.Logger
}

func New(reg *registry.Registry, log zerolog.Logger) *API {
	return &API{reg: reg, log: log.With().Str("component", "httpapi").Logger()}
}

// Register mounts all routes.
func (a *API) Register(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.POST("/cameras", a.handleCreate)
		api.GET("/cameras", a.handleList)
		api.DELETE("/cameras/:id", a.handleRemove)
		api.POST("/cameras/:id/start", a.handleStart)
		api.POST("/cameras/:id/stop", a.handleStop)
		api.POST("/cameras/:id/reload", a.handleReload)
		api.POST("/cameras/:id/show", a.handleShow)
		api.POST("/cameras/:id/hide", a.handleHide)
		api.GET("/cameras/:id/stats", a.handleStats)
		api.GET("/cameras/:id/mjpeg", a.handleMJPEG)
		api.GET("/probe", a.handleProbe)
	}
	r.GET("/ws/cameras/:id", a.handleWebSocket)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
	})
}

// httpStatus maps taxonomy codes onto HTTP statuses.
func httpStatus(code core.Code) int {
	switch code {
	case core.AlreadyExists:
		return http.StatusConflict
	case core.InvalidSpec:
		return http.StatusBadRequest
	case core.NotFound:
		return http.StatusNotFound
	case core.PreviewDisabled, core.BreakerOpen:
		return http.StatusServiceUnavailable
	case core.AuthFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	code := core.CodeOf(err)
	if code == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(httpStatus(code), gin.H{"error": string(code)})
}

func (a *API) handleCreate(c *gin.Context) {
	var req struct {
		core.CameraSpec
		Autostart bool `json:"autostart"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := a.reg.Create(req.CameraSpec); err != nil {
		abortWith(c, err)
		return
	}
	if req.Autostart {
		if err := a.reg.Start(req.CameraSpec.ID); err != nil {
			abortWith(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"id": req.CameraSpec.ID})
}

func (a *API) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cameras": a.reg.Enumerate()})
}

func (a *API) handleRemove(c *gin.Context) {
	if err := a.reg.Remove(c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (a *API) handleStart(c *gin.Context) {
	if err := a.reg.Start(c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (a *API) handleStop(c *gin.Context) {
	if err := a.reg.Stop(c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (a *API) handleReload(c *gin.Context) {
	var spec core.CameraSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.reg.Reload(c.Param("id"), spec); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (a *API) handleShow(c *gin.Context) {
	if err := a.reg.Show(c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (a *API) handleHide(c *gin.Context) {
	if err := a.reg.Hide(c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (a *API) handleStats(c *gin.Context) {
	stats, err := a.reg.StatsFor(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *API) handleMJPEG(c *gin.Context) {
	pub, err := a.reg.SubscribePreview(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.Header("Content-Type", preview.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	if err := pub.Stream(c.Request.Context(), c.Writer); err != nil {
		a.log.Debug().Err(err).Str("camera", c.Param("id")).Msg("mjpeg stream ended")
	}
}

func (a *API) handleProbe(c *gin.Context) {
	uri := c.Query("uri")
	if uri == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing uri"})
		return
	}
	res, err := a.reg.Probe(c.Request.Context(), uri, c.Query("transport"))
	if err != nil {
		abortWith(c, err)
		return
	}
	if sample, _ := strconv.Atoi(c.Query("sample_seconds")); sample > 0 {
		best, err := a.reg.Trials(c.Request.Context(), uri, sample, c.Query("hwaccel") != "0")
		if err == nil {
			res.Transport = best.Transport
			res.Hwaccel = best.Hwaccel
		}
	}
	c.JSON(http.StatusOK, res)
}
