package notification

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medclinic/clinic/internal/platform/auth"
	"github.com/medclinic/clinic/internal/platform/db"
	"github.com/medclinic/clinic/pkg/pagination"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := auth.RequireRole(auth.RoleAdmin)
	g.POST("/notifications", h.Send, admin)
	g.POST("/notifications/template", h.SendTemplate, admin)
	g.GET("/notifications/templates", h.ListTemplates, admin)
	g.GET("/notifications/stats", h.Stats, admin)
	g.POST("/notifications/:id/retry", h.Retry, admin)
	g.GET("/notifications", h.ListOwn)
}

// Send stores and delivers an ad hoc notification. A failed delivery still
// answers 201 with the stored record so the caller sees its id and error.
func (h *Handler) Send(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	n := &Notification{
		UserID:  req.UserID,
		Role:    req.Role,
		Channel: req.Channel,
		Email:   req.Email,
		Subject: req.Subject,
		Body:    req.Body,
		Data:    req.Data,
	}
	if err := h.mgr.Send(c.Request().Context(), n); err != nil && !errors.Is(err, ErrDeliveryFailed) {
		return sendError(err)
	}
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) SendTemplate(c echo.Context) error {
	var req TemplateSend
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	n, err := h.mgr.SendFromTemplate(c.Request().Context(), req)
	if err != nil && n == nil {
		return sendError(err)
	}
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) ListTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mgr.Templates().List())
}

func (h *Handler) ListOwn(c echo.Context) error {
	ctx := c.Request().Context()
	p := pagination.FromContext(c)
	items, total, err := h.mgr.ListForUser(ctx, auth.UserIDFromContext(ctx), p.Limit, p.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.mgr.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.mgr.Retry(c.Request().Context(), id)
	switch {
	case err == nil, errors.Is(err, ErrDeliveryFailed):
		return c.JSON(http.StatusOK, n)
	case errors.Is(err, db.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return err
	}
}

func sendError(err error) error {
	if errors.Is(err, ErrInvalid) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}
