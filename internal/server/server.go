// Package server exposes the read-side HTTP API: dashboard state, issue
// actions, settings, chat, and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"threathunter/internal/config"
	"threathunter/internal/hunter"
	"threathunter/internal/metrics"
	"threathunter/internal/types"
)

// HunterService is the orchestrator surface the API exposes.
type HunterService interface {
	Snapshot() hunter.Snapshot
	TriggerNow()
	IgnoreIssue(id string) error
	GetLog(digest string) (types.LogRecord, bool)
	Chat(ctx context.Context, question string) (string, error)
	QueryIssue(ctx context.Context, id, question string) (string, error)
}

// Server is the HTTP front end. The API is plain HTTP intended for a
// loopback or otherwise trusted listener.
type Server struct {
	echo     *echo.Echo
	hunter   HunterService
	settings *config.SettingsStore
	logger   zerolog.Logger
}

// New creates a server with all routes registered.
func New(h HunterService, settings *config.SettingsStore, collector *metrics.Collector, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		hunter:   h,
		settings: settings,
		logger:   logger.With().Str("component", "server").Logger(),
	}

	e.Use(s.requestLogger)

	e.GET("/api/dashboard", s.handleDashboard)
	e.GET("/api/issues", s.handleIssues)
	e.POST("/api/issues/:id/ignore", s.handleIgnoreIssue)
	e.POST("/api/issues/:id/query", s.handleQueryIssue)
	e.POST("/api/cycle/trigger", s.handleTrigger)
	e.GET("/api/logs/:digest", s.handleGetLog)
	e.GET("/api/settings", s.handleGetSettings)
	e.PUT("/api/settings", s.handlePutSettings)
	e.POST("/api/chat", s.handleChat)
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	return s
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("API listening")
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the route tree, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("took", time.Since(start)).
			Msg("request")
		return err
	}
}

func (s *Server) handleDashboard(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hunter.Snapshot())
}

func (s *Server) handleIssues(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hunter.Snapshot().Issues)
}

func (s *Server) handleIgnoreIssue(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issue id is required")
	}
	if err := s.hunter.IgnoreIssue(id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"ignored": id})
}

func (s *Server) handleTrigger(c echo.Context) error {
	s.hunter.TriggerNow()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cycle requested"})
}

func (s *Server) handleGetLog(c echo.Context) error {
	digest := c.Param("digest")
	record, ok := s.hunter.GetLog(digest)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no record with that digest")
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) handleGetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.settings.Get())
}

func (s *Server) handlePutSettings(c echo.Context) error {
	// Bind on top of the current values so a partial document only changes
	// the keys it names.
	in := s.settings.Get()
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed settings payload")
	}
	updated, err := s.settings.Update(in)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}

type chatRequest struct {
	Question string `json:"question"`
}

type chatResponse struct {
	Answer string `json:"answer"`
}

func (s *Server) handleChat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil || req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "a question is required")
	}
	answer, err := s.hunter.Chat(c.Request().Context(), req.Question)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, chatResponse{Answer: answer})
}

func (s *Server) handleQueryIssue(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil || req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "a question is required")
	}
	answer, err := s.hunter.QueryIssue(c.Request().Context(), c.Param("id"), req.Question)
	if err != nil {
		if errors.Is(err, hunter.ErrUnknownIssue) {
			return echo.NewHTTPError(http.StatusNotFound, "no issue with that id")
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, chatResponse{Answer: answer})
}
