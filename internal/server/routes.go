package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/berfenger/winet2mqtt/internal/core/domain"
	"github.com/berfenger/winet2mqtt/internal/core/service"
	"github.com/berfenger/winet2mqtt/pkg/telemetry"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/api/snapshot", s.SnapshotHandler)
	e.GET("/api/transports", s.TransportsHandler)
	e.GET("/api/cycle", s.LastCycleHandler)
	e.POST("/api/cycle", s.RunCycleHandler)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, fmt.Sprintf("health_check: OK (%s)", versioninfo.Short()))
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

type readingResponse struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Enum  string  `json:"enum,omitempty"`
}

type snapshotResponse struct {
	Transport  string                     `json:"transport"`
	CapturedAt time.Time                  `json:"captured_at"`
	Stale      bool                       `json:"stale"`
	Mode       service.Mode               `json:"mode"`
	Readings   map[string]readingResponse `json:"readings"`
}

func toSnapshotResponse(view service.SnapshotView) snapshotResponse {
	readings := make(map[string]readingResponse, len(view.Snapshot.Readings))
	for k, r := range view.Snapshot.Readings {
		readings[string(k)] = readingResponse{
			Value: r.Value,
			Unit:  string(telemetry.UnitOf(k)),
			Enum:  r.Enum,
		}
	}
	return snapshotResponse{
		Transport:  view.Snapshot.Transport,
		CapturedAt: view.Snapshot.CapturedAt,
		Stale:      view.Stale,
		Mode:       view.Mode,
		Readings:   readings,
	}
}

func (s *Server) SnapshotHandler(c echo.Context) error {
	view, err := s.acquisition.CurrentSnapshot()
	if errors.Is(err, service.ErrSnapshotUnavailable) {
		return c.String(http.StatusServiceUnavailable, "unavailable")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSnapshotResponse(view))
}

func (s *Server) TransportsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.acquisition.Status())
}

type lastCycleResponse struct {
	Cycles    uint64 `json:"cycles"`
	Transport string `json:"transport"`
	Success   bool   `json:"success"`
	Stale     bool   `json:"stale"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) LastCycleHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetLastCycleRequest{}, 5*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "unavailable")
	}
	if response, ok := res.(domain.ActorResponse); ok && response.HasResponseError() {
		return c.String(http.StatusServiceUnavailable, response.GetResponseError().Error())
	}
	last, ok := res.(domain.GetLastCycleResponse)
	if !ok {
		return c.String(http.StatusInternalServerError, "unexpected response")
	}
	return c.JSON(http.StatusOK, lastCycleResponse{
		Cycles:    last.Cycles,
		Transport: last.Transport,
		Success:   last.Success,
		Stale:     last.Stale,
		Error:     last.Error,
	})
}

// RunCycleHandler asks for an immediate cycle. The request is dropped when
// one is already running.
func (s *Server) RunCycleHandler(c echo.Context) error {
	s.rootContext.Send(s.masterActor, domain.RunCycleRequest{})
	return c.NoContent(http.StatusAccepted)
}
