package reminder

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medclinic/clinic/internal/platform/auth"
	"github.com/medclinic/clinic/pkg/pagination"
)

type Handler struct {
	svc        *Service
	dispatcher *Dispatcher
}

func NewHandler(svc *Service, dispatcher *Dispatcher) *Handler {
	return &Handler{svc: svc, dispatcher: dispatcher}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := auth.RequireRole(auth.RoleAdmin)
	g.POST("/reminders", h.Create, admin)
	g.GET("/reminders", h.List, admin)
	g.POST("/reminders/run", h.Run, admin)
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	rem, err := h.svc.Schedule(c.Request().Context(), req)
	if errors.Is(err, ErrInvalid) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rem)
}

func (h *Handler) List(c echo.Context) error {
	status := Status(c.QueryParam("status"))
	switch status {
	case "", StatusPending, StatusProcessing, StatusSent, StatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), status, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Reminder{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

// Run processes one batch now instead of waiting for the schedule.
func (h *Handler) Run(c echo.Context) error {
	sum, err := h.dispatcher.RunOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}
