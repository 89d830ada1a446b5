package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	schedulertesting "github.com/quizforge/quizforge/internal/scheduler/testing"
)

// RegisterDevBillingRoutes adds development-only billing endpoints
func (s *Server) RegisterDevBillingRoutes() {
	if s.cfg.Environment == "production" {
		return
	}

	dev := s.engine.Group("/dev/billing")

	// Fast-forward reservations past their TTL
	dev.POST("/reservations/:id/fast-forward", s.DevFastForwardReservation)
	dev.POST("/reservations/fast-forward-all", s.DevFastForwardAllReservations)

	// Manual trigger for the expiry sweep
	dev.POST("/sweep/run-once", s.DevRunSweepOnce)
}

func (s *Server) DevFastForwardReservation(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	reservationID, err := snowflake.ParseString(id)
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	helper := schedulertesting.NewTimeAccelerator(s.db)
	if err := helper.FastForwardReservation(c.Request.Context(), reservationID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "reservation fast-forwarded",
		"reservation_id": id,
	})
}

func (s *Server) DevFastForwardAllReservations(c *gin.Context) {
	helper := schedulertesting.NewTimeAccelerator(s.db)
	affected, err := helper.FastForwardAllActive(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":               "all active reservations fast-forwarded",
		"affected_reservations": affected,
	})
}

func (s *Server) DevRunSweepOnce(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "sweep completed successfully",
	})
}
