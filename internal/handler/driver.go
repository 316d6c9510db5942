package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shuttleops/fleet-api/internal/middleware"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// DriverHandler serves the authenticated driver's own view.
type DriverHandler struct {
	usersRepo storage.UsersRepository
	queries   TripQueries
}

// NewDriverHandler creates a DriverHandler.
func NewDriverHandler(usersRepo storage.UsersRepository, queries TripQueries) *DriverHandler {
	return &DriverHandler{usersRepo: usersRepo, queries: queries}
}

// GetProfile handles GET /api/v1/driver/profile
func (h *DriverHandler) GetProfile(c *gin.Context) {
	user, err := h.usersRepo.GetUserByID(c.Request.Context(), middleware.TenantID(c), middleware.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if user == nil {
		notFound(c, "user")
		return
	}
	c.JSON(http.StatusOK, newUserView(user))
}

// MyTrips handles GET /api/v1/driver/trips
//
// Returns the active trips driven by the authenticated user, ordered by
// scheduled start.
func (h *DriverHandler) MyTrips(c *gin.Context) {
	trips, err := h.queries.GetActiveTrips(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	me := middleware.UserID(c)
	out := make([]gin.H, 0)
	for i := range trips {
		if trips[i].DriverID == me {
			out = append(out, tripJSON(&trips[i]))
		}
	}
	c.JSON(http.StatusOK, out)
}
