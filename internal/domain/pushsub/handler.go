package pushsub

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medclinic/clinic/internal/platform/auth"
	"github.com/medclinic/clinic/internal/platform/db"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/push-subscriptions", h.Create)
	g.GET("/push-subscriptions", h.List)
	g.DELETE("/push-subscriptions/:id", h.Delete)
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	sub := &Subscription{
		UserID:    auth.UserIDFromContext(ctx),
		Role:      auth.PrimaryRole(ctx),
		Token:     req.Token,
		Platform:  Platform(req.Platform),
		UserAgent: c.Request().UserAgent(),
	}
	if err := h.svc.Register(ctx, sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	subs, err := h.svc.List(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	return c.JSON(http.StatusOK, subs)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if err := h.svc.Remove(ctx, auth.UserIDFromContext(ctx), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "push subscription not found")
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
