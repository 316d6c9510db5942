package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shuttleops/fleet-api/internal/middleware"
	"github.com/shuttleops/fleet-api/internal/service"
	"github.com/shuttleops/fleet-api/internal/storage"
)

// SessionRevoker ends every refresh session of a user.
type SessionRevoker interface {
	RevokeAllUserTokens(ctx context.Context, userID string) error
}

// AdminHandler manages a tenant's reference data: users, vehicles and routes.
// Every lookup is scoped to the caller's tenant, so IDs of other tenants
// answer 404.
type AdminHandler struct {
	users    storage.UsersRepository
	vehicles storage.VehiclesRepository
	routes   storage.RoutesRepository
	sessions SessionRevoker
}

// NewAdminHandler creates an AdminHandler. sessions may be nil, in which case
// deactivated users keep their refresh tokens until they expire.
func NewAdminHandler(
	users storage.UsersRepository,
	vehicles storage.VehiclesRepository,
	routes storage.RoutesRepository,
	sessions SessionRevoker,
) *AdminHandler {
	return &AdminHandler{users: users, vehicles: vehicles, routes: routes, sessions: sessions}
}

// ---- users ----

type userView struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newUserView(u *storage.User) userView {
	return userView{
		ID:        u.ID,
		TenantID:  u.TenantID,
		Username:  u.Username,
		FullName:  u.FullName,
		Phone:     u.Phone,
		Role:      u.Role,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
	FullName string `json:"full_name" binding:"required"`
	Phone    string `json:"phone"`
	Role     string `json:"role" binding:"required,oneof=admin dispatcher driver"`
}

// CreateUser handles POST /api/v1/admin/users. Usernames are unique across
// tenants; a taken one answers 409.
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if !bindJSON(c, &req) {
		return
	}
	hash, err := service.HashPassword(req.Password)
	if err != nil {
		writeError(c, err)
		return
	}

	u, err := h.users.CreateUser(c.Request.Context(), &storage.User{
		TenantID:     middleware.TenantID(c),
		Username:     req.Username,
		PasswordHash: hash,
		FullName:     req.FullName,
		Phone:        req.Phone,
		Role:         req.Role,
	})
	if conflictOrError(c, err, "username already taken") {
		return
	}
	c.JSON(http.StatusCreated, newUserView(u))
}

// ListUsers handles GET /api/v1/admin/users?role=&active=&limit=&offset=.
// Inactive users are hidden unless active=false.
func (h *AdminHandler) ListUsers(c *gin.Context) {
	limit, offset, ok := parsePage(c)
	if !ok {
		return
	}
	users, err := h.users.ListUsers(c.Request.Context(), middleware.TenantID(c),
		c.Query("role"), c.DefaultQuery("active", "true") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewsOf(page(users, limit, offset), newUserView))
}

// GetUser handles GET /api/v1/admin/users/:id
func (h *AdminHandler) GetUser(c *gin.Context) {
	if u, ok := h.loadUser(c); ok {
		c.JSON(http.StatusOK, newUserView(u))
	}
}

type updateUserRequest struct {
	FullName *string `json:"full_name" binding:"omitempty,min=1"`
	Phone    *string `json:"phone"`
	Role     *string `json:"role" binding:"omitempty,oneof=admin dispatcher driver"`
	Active   *bool   `json:"active"`
}

// UpdateUser handles PUT /api/v1/admin/users/:id. Absent fields keep their
// value; phone may be cleared with "".
func (h *AdminHandler) UpdateUser(c *gin.Context) {
	var req updateUserRequest
	if !bindJSON(c, &req) {
		return
	}
	u, ok := h.loadUser(c)
	if !ok {
		return
	}
	assign(&u.FullName, req.FullName)
	assign(&u.Phone, req.Phone)
	assign(&u.Role, req.Role)
	assign(&u.Active, req.Active)

	if err := h.users.UpdateUser(c.Request.Context(), u); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserView(u))
}

// DeactivateUser handles DELETE /api/v1/admin/users/:id. The row is kept so
// past trips still resolve their driver; open sessions are revoked.
func (h *AdminHandler) DeactivateUser(c *gin.Context) {
	u, ok := h.loadUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.users.DeactivateUser(ctx, u.TenantID, u.ID); err != nil {
		writeError(c, err)
		return
	}
	if h.sessions != nil {
		if err := h.sessions.RevokeAllUserTokens(ctx, u.ID); err != nil {
			writeError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) loadUser(c *gin.Context) (*storage.User, bool) {
	u, err := h.users.GetUserByID(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	return found(c, u, err, "user")
}

// ---- vehicles ----

type vehicleView struct {
	ID          string    `json:"id"`
	PlateNumber string    `json:"plate_number"`
	Capacity    int       `json:"capacity"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func newVehicleView(v *storage.Vehicle) vehicleView {
	return vehicleView{
		ID:          v.ID,
		PlateNumber: v.PlateNumber,
		Capacity:    v.Capacity,
		Status:      v.Status,
		CreatedAt:   v.CreatedAt,
	}
}

type vehicleRequest struct {
	PlateNumber *string `json:"plate_number" binding:"omitempty,min=1"`
	Capacity    *int    `json:"capacity" binding:"omitempty,min=0"`
	Status      *string `json:"status" binding:"omitempty,oneof=active inactive maintenance"`
}

// CreateVehicle handles POST /api/v1/admin/vehicles. capacity seeds the
// max_capacity of trips run with the vehicle; status defaults to active.
func (h *AdminHandler) CreateVehicle(c *gin.Context) {
	var req vehicleRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.PlateNumber == nil {
		writeError(c, &service.ValidationError{Field: "plate_number", Message: "is required"})
		return
	}

	v := &storage.Vehicle{TenantID: middleware.TenantID(c), Status: storage.VehicleActive}
	req.applyTo(v)
	v, err := h.vehicles.CreateVehicle(c.Request.Context(), v)
	if conflictOrError(c, err, "plate number already registered") {
		return
	}
	c.JSON(http.StatusCreated, newVehicleView(v))
}

// ListVehicles handles GET /api/v1/admin/vehicles?status=&limit=&offset=
func (h *AdminHandler) ListVehicles(c *gin.Context) {
	limit, offset, ok := parsePage(c)
	if !ok {
		return
	}
	vehicles, err := h.vehicles.ListVehicles(c.Request.Context(), middleware.TenantID(c), c.Query("status"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewsOf(page(vehicles, limit, offset), newVehicleView))
}

// GetVehicle handles GET /api/v1/admin/vehicles/:id
func (h *AdminHandler) GetVehicle(c *gin.Context) {
	if v, ok := h.loadVehicle(c); ok {
		c.JSON(http.StatusOK, newVehicleView(v))
	}
}

// UpdateVehicle handles PUT /api/v1/admin/vehicles/:id. Absent fields keep
// their value.
func (h *AdminHandler) UpdateVehicle(c *gin.Context) {
	var req vehicleRequest
	if !bindJSON(c, &req) {
		return
	}
	v, ok := h.loadVehicle(c)
	if !ok {
		return
	}
	req.applyTo(v)

	if conflictOrError(c, h.vehicles.UpdateVehicle(c.Request.Context(), v), "plate number already registered") {
		return
	}
	c.JSON(http.StatusOK, newVehicleView(v))
}

func (req *vehicleRequest) applyTo(v *storage.Vehicle) {
	assign(&v.PlateNumber, req.PlateNumber)
	assign(&v.Capacity, req.Capacity)
	assign(&v.Status, req.Status)
}

func (h *AdminHandler) loadVehicle(c *gin.Context) (*storage.Vehicle, bool) {
	v, err := h.vehicles.GetVehicleByID(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	return found(c, v, err, "vehicle")
}

// ---- routes ----

type routePointView struct {
	ID       string  `json:"id"`
	Sequence int     `json:"sequence"`
	Name     string  `json:"name"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

type routeView struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"created_at"`
	Points    []routePointView `json:"points,omitempty"`
}

func newRouteView(rt *storage.Route) routeView {
	out := routeView{ID: rt.ID, Name: rt.Name, Active: rt.Active, CreatedAt: rt.CreatedAt}
	for _, p := range rt.Points {
		out.Points = append(out.Points, routePointView{
			ID: p.ID, Sequence: p.Sequence, Name: p.Name, Lat: p.Lat, Lon: p.Lon,
		})
	}
	return out
}

type createRouteRequest struct {
	Name   string `json:"name" binding:"required"`
	Points []struct {
		Name string   `json:"name" binding:"required"`
		Lat  *float64 `json:"lat" binding:"required,min=-90,max=90"`
		Lon  *float64 `json:"lon" binding:"required,min=-180,max=180"`
	} `json:"points" binding:"required,min=2,dive"`
}

// CreateRoute handles POST /api/v1/admin/routes. Points keep the order they
// are given in, numbered from 1.
//
//	{"name": "Campus loop", "points": [{"name": "Gate", "lat": 47.6, "lon": -122.3}, ...]}
func (h *AdminHandler) CreateRoute(c *gin.Context) {
	var req createRouteRequest
	if !bindJSON(c, &req) {
		return
	}

	rt := &storage.Route{TenantID: middleware.TenantID(c), Name: req.Name}
	for i, p := range req.Points {
		rt.Points = append(rt.Points, storage.RoutePoint{Sequence: i + 1, Name: p.Name, Lat: *p.Lat, Lon: *p.Lon})
	}
	rt, err := h.routes.CreateRoute(c.Request.Context(), rt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newRouteView(rt))
}

// ListRoutes handles GET /api/v1/admin/routes. Points are left out; fetch a
// single route for them.
func (h *AdminHandler) ListRoutes(c *gin.Context) {
	limit, offset, ok := parsePage(c)
	if !ok {
		return
	}
	routes, err := h.routes.ListRoutes(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewsOf(page(routes, limit, offset), newRouteView))
}

// GetRoute handles GET /api/v1/admin/routes/:id
func (h *AdminHandler) GetRoute(c *gin.Context) {
	rt, err := h.routes.GetRoute(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if rt, ok := found(c, rt, err, "route"); ok {
		c.JSON(http.StatusOK, newRouteView(rt))
	}
}

// ---- helpers ----

// found answers the error or the 404 for a repository lookup and reports
// whether v can be used.
func found[T any](c *gin.Context, v *T, err error, entity string) (*T, bool) {
	switch {
	case err != nil:
		writeError(c, err)
		return nil, false
	case v == nil:
		notFound(c, entity)
		return nil, false
	}
	return v, true
}

// conflictOrError answers a unique violation with 409 and any other error
// through writeError. It reports whether a response was written.
func conflictOrError(c *gin.Context, err error, msg string) bool {
	switch {
	case err == nil:
		return false
	case storage.IsUniqueViolation(err):
		c.JSON(http.StatusConflict, gin.H{"error": msg, "code": "conflict"})
	default:
		writeError(c, err)
	}
	return true
}

func viewsOf[T, V any](items []T, view func(*T) V) []V {
	out := make([]V, len(items))
	for i := range items {
		out[i] = view(&items[i])
	}
	return out
}

func assign[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
