// Package api exposes heatd's command surface and status over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/heatd/internal/config"
	"github.com/dokzlo13/heatd/internal/engine"
	"github.com/dokzlo13/heatd/internal/ledger"
	"github.com/dokzlo13/heatd/internal/schedule"
	"github.com/dokzlo13/heatd/internal/status"
	"github.com/dokzlo13/heatd/internal/storage"
	"github.com/dokzlo13/heatd/internal/target"
)

// Controller is the part of the engine the API drives.
type Controller interface {
	Snapshot() status.Snapshot
	SetOverride(ctx context.Context, req target.Request) (target.Override, error)
	CancelOverride(ctx context.Context, room string) (bool, error)
	PauseOverride(ctx context.Context, room string) (target.Override, error)
	ResumeOverride(ctx context.Context, room string) (target.Override, error)
	SetMode(room, mode string, manualSetpoint *float64) error
	SetHoliday(on bool) error
	Reload() error
	RecomputeNow()
	NextChange(room string) (schedule.Change, bool, error)
	Journal(room string, limit int) ([]ledger.Entry, error)
}

var _ Controller = (*engine.Engine)(nil)

const (
	statusOK       = "ok"
	statusReady    = "ready"
	statusNotReady = "not_ready"
	statusQueued   = "queued"

	errInvalidBodyPref = "invalid body: "
)

// Handler wires HTTP routes to the controller.
type Handler struct {
	ctl Controller
}

// NewHandler creates a handler.
func NewHandler(ctl Controller) *Handler {
	return &Handler{ctl: ctl}
}

// InitRoutes builds the router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger)

	router.GET("/health", h.health)
	router.GET("/ready", h.ready)

	api := router.Group("/api")
	{
		api.GET("/status", h.getStatus)
		api.PUT("/holiday", h.setHoliday)
		api.POST("/reload", h.reload)
		api.POST("/recompute", h.recompute)
		api.GET("/journal", h.journal)

		rooms := api.Group("/rooms/:id")
		{
			rooms.GET("", h.getRoom)
			rooms.GET("/next", h.nextChange)
			rooms.PUT("/mode", h.setMode)
			rooms.POST("/override", h.setOverride)
			rooms.DELETE("/override", h.cancelOverride)
			rooms.POST("/override/pause", h.pauseOverride)
			rooms.POST("/override/resume", h.resumeOverride)
		}
	}
	return router
}

type overrideRequest struct {
	Target  *float64   `json:"target"`
	Delta   *float64   `json:"delta"`
	Minutes *float64   `json:"minutes"`
	EndTime *time.Time `json:"end_time"`
}

type modeRequest struct {
	Mode           string   `json:"mode" binding:"required"`
	ManualSetpoint *float64 `json:"manual_setpoint"`
}

type holidayRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

// ready reports 503 until the first pass has completed.
func (h *Handler) ready(c *gin.Context) {
	if h.ctl.Snapshot().Pass == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": statusNotReady})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusReady})
}

func (h *Handler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Snapshot())
}

func (h *Handler) getRoom(c *gin.Context) {
	rs, ok := h.ctl.Snapshot().Room(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": config.ErrUnknownRoom.Error()})
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (h *Handler) nextChange(c *gin.Context) {
	ch, ok, err := h.ctl.NextChange(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"next": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"next": gin.H{
		"at":     ch.At,
		"target": ch.Target,
		"mode":   ch.Mode,
		"kind":   ch.Kind,
	}})
}

func (h *Handler) setOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	ov, err := h.ctl.SetOverride(c.Request.Context(), target.Request{
		Room:    c.Param("id"),
		Target:  req.Target,
		Delta:   req.Delta,
		Minutes: req.Minutes,
		EndTime: req.EndTime,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ov)
}

func (h *Handler) cancelOverride(c *gin.Context) {
	existed, err := h.ctl.CancelOverride(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": existed})
}

func (h *Handler) pauseOverride(c *gin.Context) {
	ov, err := h.ctl.PauseOverride(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (h *Handler) resumeOverride(c *gin.Context) {
	ov, err := h.ctl.ResumeOverride(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (h *Handler) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := h.ctl.SetMode(c.Param("id"), req.Mode, req.ManualSetpoint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": c.Param("id"), "mode": req.Mode})
}

func (h *Handler) setHoliday(c *gin.Context) {
	var req holidayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := h.ctl.SetHoliday(*req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holiday": *req.Enabled})
}

func (h *Handler) reload(c *gin.Context) {
	if err := h.ctl.Reload(); err != nil {
		// the running configuration is kept
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued})
}

func (h *Handler) recompute(c *gin.Context) {
	h.ctl.RecomputeNow()
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued})
}

// journal lists recent entries, newest first. ?room= narrows to one room.
func (h *Handler) journal(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := h.ctl.Journal(c.Query("room"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// respondError maps domain errors to status codes.
func respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrUnknownRoom), errors.Is(err, storage.ErrNoOverride):
		code = http.StatusNotFound
	case errors.Is(err, target.ErrTemperatureExclusive),
		errors.Is(err, target.ErrDurationExclusive),
		errors.Is(err, target.ErrInvalidDuration),
		errors.Is(err, target.ErrEndInPast),
		errors.Is(err, target.ErrTargetTooLow),
		errors.Is(err, config.ErrInvalidMode),
		errors.Is(err, engine.ErrSetpointOutOfRange):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Str("room", c.Param("id")).Msg("API request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("HTTP request")
}
