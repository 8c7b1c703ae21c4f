package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) eventStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Stats())
}

func (s *Server) listTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tasks": s.scheduler.ListTasks()})
}

func (s *Server) runTask(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.scheduler.GetTask(id); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	if err := s.scheduler.RunNow(id); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}
